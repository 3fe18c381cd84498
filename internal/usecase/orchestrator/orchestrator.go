// Package orchestrator runs bulk verification: it parses credential lines,
// feeds them to a bounded pool of workers, applies streamed progress to the
// entry list and keeps the run log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"loginpilot/internal/domain"
	"loginpilot/internal/usecase/eventbus"
)

// MaxConcurrency caps the worker pool.
const MaxConcurrency = 10

// Recorder persists run history.
type Recorder interface {
	StartRun(ctx context.Context, runID string, total int) error
	RecordEntry(ctx context.Context, runID string, entry domain.CredentialEntry) error
	FinishRun(ctx context.Context, runID string, counters domain.StatusCounters) error
}

// Config holds the orchestrator settings.
type Config struct {
	Concurrency  int           // parallel workers (default: 1, max: 10)
	StaggerDelay time.Duration // delay between spawning workers
	PausePoll    time.Duration // poll interval while paused (default: 500ms)
	LogCapacity  int           // log lines kept (default: 1000)

	// Request fields shared by every entry.
	Service          domain.ProfileServiceParams
	AutoMatchProfile bool
	CloseAfterLogin  bool
}

// Orchestrator drives one run at a time over its entry list.
type Orchestrator struct {
	cfg      Config
	runner   domain.PipelineRunner
	bus      domain.EventBus
	recorder Recorder
	logger   *slog.Logger
	control  *Control
	logs     *logRing

	mu      sync.Mutex
	entries []domain.CredentialEntry
	runID   string
	running bool
}

// New creates an Orchestrator. bus and recorder may be nil.
func New(cfg Config, runner domain.PipelineRunner, bus domain.EventBus, recorder Recorder, logger *slog.Logger) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = 500 * time.Millisecond
	}
	return &Orchestrator{
		cfg:      cfg,
		runner:   runner,
		bus:      bus,
		recorder: recorder,
		logger:   logger.With("component", "orchestrator"),
		control:  &Control{},
		logs:     newLogRing(cfg.LogCapacity),
	}
}

// Control returns the pause/cancel handle.
func (o *Orchestrator) Control() *Control { return o.control }

// SetPaused pauses or resumes the active run and announces the change.
func (o *Orchestrator) SetPaused(ctx context.Context, paused bool) {
	if o.control.Paused() == paused {
		return
	}
	evType, line := domain.EventRunResumed, "Resumed"
	if paused {
		o.control.Pause()
		evType, line = domain.EventRunPaused, "Paused"
	} else {
		o.control.Resume()
	}
	o.logs.add(line)
	runID := o.RunID()
	o.publish(ctx, eventbus.NewEvent(evType, runID, domain.RunPayload{RunID: runID, Total: len(o.Entries()), Counters: o.Counters()}))
}

// Load replaces the entry list. It fails while a run is active.
func (o *Orchestrator) Load(entries []domain.CredentialEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return domain.NewDomainError("Orchestrator.Load", domain.ErrInvalidInput, "run in progress")
	}
	o.entries = make([]domain.CredentialEntry, len(entries))
	for i, e := range entries {
		e.Index = i
		o.entries[i] = e
	}
	o.logs.add(fmt.Sprintf("Imported %d accounts", len(entries)))
	return nil
}

// Import parses text and loads the result.
func (o *Orchestrator) Import(text string) (int, error) {
	entries := ParseBulk(text)
	return len(entries), o.Load(entries)
}

// Clear empties the entry list and the log.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return domain.NewDomainError("Orchestrator.Clear", domain.ErrInvalidInput, "run in progress")
	}
	o.entries = nil
	o.logs.reset()
	return nil
}

// Entries returns a copy of the entry list.
func (o *Orchestrator) Entries() []domain.CredentialEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.CredentialEntry(nil), o.entries...)
}

// Counters tallies the entry statuses.
func (o *Orchestrator) Counters() domain.StatusCounters {
	o.mu.Lock()
	defer o.mu.Unlock()
	return domain.Count(o.entries)
}

// Logs returns the retained log lines, oldest first.
func (o *Orchestrator) Logs() []string { return o.logs.snapshot() }

// LogsSince returns log lines added after offset and the next offset.
func (o *Orchestrator) LogsSince(offset int64) ([]string, int64) { return o.logs.since(offset) }

// RunID returns the id of the current or last run.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func newRunID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Run processes every entry and returns the final counters. Entries are
// reset to pending first. Cancelling ctx or calling Control().Cancel()
// stops the run: in-flight entries are aborted and queued ones stay
// pending.
func (o *Orchestrator) Run(ctx context.Context) (domain.StatusCounters, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return domain.StatusCounters{}, domain.NewDomainError("Orchestrator.Run", domain.ErrInvalidInput, "run in progress")
	}
	if len(o.entries) == 0 {
		o.mu.Unlock()
		return domain.StatusCounters{}, domain.NewDomainError("Orchestrator.Run", domain.ErrInvalidInput, "no entries loaded")
	}
	for i := range o.entries {
		e := &o.entries[i]
		e.Status = domain.StatusPending
		e.Message = ""
		e.Info = nil
		e.ResultToken = ""
	}
	o.running = true
	o.runID = newRunID()
	runID := o.runID
	total := len(o.entries)
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	o.control.bind(cancel)
	o.control.Resume()
	defer func() {
		cancel()
		o.control.bind(nil)
		o.control.Resume()
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.logger.Info("run started", "run_id", runID, "entries", total, "concurrency", o.cfg.Concurrency)
	o.logs.add(fmt.Sprintf("Run started: %d accounts, %d workers", total, o.cfg.Concurrency))
	if o.recorder != nil {
		if err := o.recorder.StartRun(ctx, runID, total); err != nil {
			o.logger.Warn("record run start failed", "run_id", runID, "error", err)
		}
	}
	o.publish(ctx, eventbus.NewEvent(domain.EventRunStarted, runID, domain.RunPayload{RunID: runID, Total: total, Counters: o.Counters()}))

	queue := make(chan int, total)
	for i := 0; i < total; i++ {
		queue <- i
	}
	close(queue)

	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < o.cfg.Concurrency; w++ {
		if w > 0 && o.cfg.StaggerDelay > 0 {
			if err := sleepCtx(gctx, o.cfg.StaggerDelay); err != nil {
				break
			}
		}
		g.Go(func() error {
			o.worker(gctx, runID, queue)
			return nil
		})
	}
	_ = g.Wait()

	counters := o.Counters()
	status := "finished"
	if runCtx.Err() != nil {
		status = "cancelled"
		o.publish(ctx, eventbus.NewEvent(domain.EventRunCancelled, runID, domain.RunPayload{RunID: runID, Total: total, Counters: counters}))
	}
	o.logs.add(fmt.Sprintf("Run %s: %d success, %d failed, %d need attention, %d pending",
		status, counters.Success, counters.Error, counters.ActionRequired, counters.Pending))
	o.logger.Info("run "+status, "run_id", runID,
		"success", counters.Success, "error", counters.Error,
		"action_required", counters.ActionRequired, "pending", counters.Pending)
	if o.recorder != nil {
		if err := o.recorder.FinishRun(context.WithoutCancel(ctx), runID, counters); err != nil {
			o.logger.Warn("record run finish failed", "run_id", runID, "error", err)
		}
	}
	o.publish(ctx, eventbus.NewEvent(domain.EventRunFinished, runID, domain.RunPayload{RunID: runID, Total: total, Counters: counters}))

	return counters, ctx.Err()
}

// worker takes items until the queue is empty or the run is cancelled.
func (o *Orchestrator) worker(ctx context.Context, runID string, queue <-chan int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := o.control.waitWhilePaused(ctx, o.cfg.PausePoll); err != nil {
			return
		}
		idx, ok := <-queue
		if !ok {
			return
		}
		if ctx.Err() != nil {
			o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
				e.Status = domain.StatusError
				e.Message = "aborted"
			})
			return
		}
		o.process(ctx, runID, idx)
	}
}

func (o *Orchestrator) request(e domain.CredentialEntry) domain.PipelineRequest {
	return domain.PipelineRequest{
		Token:             e.Token,
		ProfileID:         e.ProfileID,
		APIURL:            o.cfg.Service.APIURL,
		AppID:             o.cfg.Service.AppID,
		SecretKey:         o.cfg.Service.SecretKey,
		AutoMatchProfile:  o.cfg.AutoMatchProfile,
		ProfileSearchTerm: e.ProfileName,
		CloseAfterLogin:   o.cfg.CloseAfterLogin,
	}
}

// process runs one entry to completion.
func (o *Orchestrator) process(ctx context.Context, runID string, idx int) {
	var entry domain.CredentialEntry
	o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
		e.Status = domain.StatusProcessing
		e.Message = "Starting"
		entry = *e
	})
	o.logs.add(fmt.Sprintf("[%d] Processing %s", idx+1, entry.DisplayLabel()))

	sawTerminal := false
	err := o.runner.Run(ctx, o.request(entry), func(ev domain.ProgressEvent) {
		if o.apply(ctx, runID, idx, ev) {
			sawTerminal = true
		}
	})

	switch {
	case ctx.Err() != nil:
		o.logs.add(fmt.Sprintf("[%d] Stopped", idx+1))
		o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
			if e.Status == domain.StatusSuccess || e.Status == domain.StatusActionRequired {
				return
			}
			e.Status = domain.StatusError
			e.Message = "aborted"
		})
	case sawTerminal:
	case err != nil:
		o.logs.add(fmt.Sprintf("[%d] Failed: %v", idx+1, err))
		o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
			e.Status = domain.StatusError
			e.Message = err.Error()
		})
	default:
		o.logs.add(fmt.Sprintf("[%d] %v", idx+1, domain.ErrStreamIncomplete))
		o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
			e.Status = domain.StatusError
			e.Message = domain.ErrStreamIncomplete.Error()
		})
	}

	if err != nil && !errors.Is(err, domain.ErrAbortedByUser) && ctx.Err() == nil {
		o.logger.Debug("entry failed", "run_id", runID, "index", idx, "error", err)
	}
}

// apply folds one progress event into the entry and reports whether the
// event was terminal.
func (o *Orchestrator) apply(ctx context.Context, runID string, idx int, ev domain.ProgressEvent) bool {
	n := idx + 1
	switch ev.Kind() {
	case domain.KindLog:
		o.logs.add(fmt.Sprintf("[%d] %s", n, ev.Message))
		o.publish(ctx, eventbus.NewEvent(domain.EventEntryLog, runID, domain.EntryLogPayload{RunID: runID, Index: idx, Message: ev.Message}))
		o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
			if e.Status != domain.StatusSuccess && e.Status != domain.StatusError {
				e.Message = ev.Message
			}
		})
		return false
	case domain.KindSuccess:
		o.logs.add(fmt.Sprintf("[%d] Success: %s", n, ev.Message))
		o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
			e.Status = domain.StatusSuccess
			e.Message = ev.Message
			if ev.Token != "" {
				e.ResultToken = ev.Token
			}
			e.Info = mergeIdentity(e.Info, ev.Info)
		})
		return true
	case domain.KindError:
		o.logs.add(fmt.Sprintf("[%d] Error: %s", n, ev.Message))
		o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
			e.Status = domain.StatusError
			e.Message = ev.Message
		})
		return true
	case domain.KindActionRequired:
		o.logs.add(fmt.Sprintf("[%d] Needs attention: %s", n, ev.Reason))
		o.update(ctx, runID, idx, func(e *domain.CredentialEntry) {
			e.Status = domain.StatusActionRequired
			e.Message = "Needs attention: " + ev.Reason
			e.Info = mergeIdentity(e.Info, ev.Info)
		})
		return true
	}
	return false
}

// mergeIdentity overlays the non-empty fields of next on cur.
func mergeIdentity(cur, next *domain.Identity) *domain.Identity {
	if next == nil {
		return cur
	}
	if cur == nil {
		v := *next
		return &v
	}
	v := *cur
	if next.UserID != "" {
		v.UserID = next.UserID
	}
	if next.Username != "" {
		v.Username = next.Username
	}
	if next.Discriminator != "" {
		v.Discriminator = next.Discriminator
	}
	return &v
}

// update mutates entry idx under the lock, then publishes the new state and
// records it when terminal.
func (o *Orchestrator) update(ctx context.Context, runID string, idx int, fn func(*domain.CredentialEntry)) {
	o.mu.Lock()
	if idx < 0 || idx >= len(o.entries) {
		o.mu.Unlock()
		return
	}
	fn(&o.entries[idx])
	entry := o.entries[idx]
	o.mu.Unlock()

	o.publish(ctx, eventbus.NewEvent(domain.EventEntryUpdated, runID, domain.EntryUpdatedPayload{RunID: runID, Entry: entry}))
	if o.recorder != nil && entry.Status.Terminal() {
		if err := o.recorder.RecordEntry(context.WithoutCancel(ctx), runID, entry); err != nil {
			o.logger.Warn("record entry failed", "run_id", runID, "index", idx, "error", err)
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev domain.Event) {
	if o.bus != nil {
		o.bus.Publish(context.WithoutCancel(ctx), ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
