// Package verify drives one login-and-verify session against a remote
// browser profile: lease the profile, attach, inject the credential, and
// poll until the account is confirmed or the session gives up.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"loginpilot/internal/domain"
	"loginpilot/internal/infra/tracer"
)

// Pipeline runs verification sessions. It is safe for concurrent use; each
// Run owns its own session state.
type Pipeline struct {
	policy      Policy
	controllers domain.ProfileControllerFactory
	driver      domain.BrowserDriver
	logger      *slog.Logger

	// sleep waits for d or until ctx ends.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ domain.PipelineRunner = (*Pipeline)(nil)

// New creates a Pipeline.
func New(policy Policy, controllers domain.ProfileControllerFactory, driver domain.BrowserDriver, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		policy:      policy,
		controllers: controllers,
		driver:      driver,
		logger:      logger.With("component", "verify"),
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newSessionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Run executes req and reports progress to sink. Exactly one terminal event
// is delivered, after cleanup, unless the caller cancelled ctx: then a
// single "aborted by user" error is delivered and everything after it is
// dropped. The returned error is the session failure, if any.
func (p *Pipeline) Run(ctx context.Context, req domain.PipelineRequest, sink domain.EventSink) error {
	s := &session{
		p:      p,
		req:    req,
		sink:   sink,
		id:     newSessionID(),
		logger: p.logger,
	}
	s.logger = p.logger.With("session", s.id)

	ctx = domain.ContextWithSessionID(ctx, s.id)
	ctx, span := tracer.Start(ctx, "verify.session", s.spanAttrs()...)
	outcome, err := s.run(ctx)

	if ctx.Err() != nil && !s.aborted.Load() {
		err = s.abort()
	}
	s.cleanup(ctx)
	if !s.aborted.Load() {
		s.emit(outcome)
	}
	tracer.Finish(span, err)

	if err != nil {
		s.logger.Info("session failed", "profile_id", s.profileID, "error", err)
	} else {
		s.logger.Info("session finished", "profile_id", s.profileID, "status", outcome.Kind())
	}
	return err
}

// session is the state of one Run.
type session struct {
	p      *Pipeline
	req    domain.PipelineRequest
	sink   domain.EventSink
	id     string
	logger *slog.Logger

	ctrl       domain.ProfileController
	profileID  string
	leaseTried bool
	browser    domain.BrowserSession

	mu           sync.Mutex
	identity     *domain.Identity
	sawRejection bool

	aborted     atomic.Bool
	cleanupOnce sync.Once
}

func (s *session) emit(ev domain.ProgressEvent) {
	if s.aborted.Load() || s.sink == nil {
		return
	}
	s.sink(ev)
}

func (s *session) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Debug(msg, "profile_id", s.profileID)
	s.emit(domain.LogEvent(msg))
}

// abort reports the cancellation once and silences the session.
func (s *session) abort() error {
	if s.aborted.Load() {
		return domain.ErrAbortedByUser
	}
	s.emit(domain.ErrorEvent(domain.ErrAbortedByUser.Error()))
	s.aborted.Store(true)
	return domain.ErrAbortedByUser
}

// step runs one state under its own span.
func (s *session) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "verify."+name, s.spanAttrs()...)
	err := fn(ctx)
	tracer.Finish(span, err)
	return err
}

func (s *session) spanAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("session_id", s.id),
		attribute.String("profile_id", s.profileID),
	}
}

// fail builds a session error of the given kind.
func fail(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// failWith builds a session error of the given kind wrapping cause.
func failWith(kind error, cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}

// run walks the states up to the outcome. Cleanup is not part of run.
func (s *session) run(ctx context.Context) (domain.ProgressEvent, error) {
	outcome, err := s.walk(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.ProgressEvent{}, s.abort()
		}
		return domain.ErrorEvent(err.Error()), err
	}
	return outcome, nil
}

func (s *session) walk(ctx context.Context) (domain.ProgressEvent, error) {
	if err := s.validate(); err != nil {
		return domain.ProgressEvent{}, err
	}
	params := s.p.policy.serviceParams(s.req)
	ctrl, err := s.p.controllers(params)
	if err != nil {
		return domain.ProgressEvent{}, failWith(domain.ErrConfiguration, err, "profile service client")
	}
	s.ctrl = ctrl

	if err := s.step(ctx, "resolve_profile", s.resolveProfile); err != nil {
		return domain.ProgressEvent{}, err
	}

	var endpoint string
	if err := s.step(ctx, "start_profile", func(ctx context.Context) error {
		var err error
		endpoint, err = s.startProfile(ctx)
		return err
	}); err != nil {
		return domain.ProgressEvent{}, err
	}

	if err := s.step(ctx, "connect", func(ctx context.Context) error { return s.connect(ctx, endpoint) }); err != nil {
		return domain.ProgressEvent{}, err
	}
	s.observe()

	if err := s.step(ctx, "init_origin", s.initOrigin); err != nil {
		return domain.ProgressEvent{}, err
	}
	if err := s.step(ctx, "inject", s.inject); err != nil {
		return domain.ProgressEvent{}, err
	}
	if err := s.step(ctx, "redirect", s.redirect); err != nil {
		return domain.ProgressEvent{}, err
	}

	var outcome domain.ProgressEvent
	err = s.step(ctx, "await", func(ctx context.Context) error {
		var err error
		outcome, err = s.await(ctx)
		return err
	})
	return outcome, err
}

func (s *session) validate() error {
	if strings.TrimSpace(s.req.Token) == "" {
		return fail(domain.ErrConfiguration, "token is required")
	}
	params := s.p.policy.serviceParams(s.req)
	if (params.AppID == "" || params.SecretKey == "") && !s.p.policy.AllowUnauthenticated {
		return fail(domain.ErrConfiguration, "profile service app id and secret key are required")
	}
	return nil
}

var numericID = regexp.MustCompile(`^\d+$`)

// resolveProfile turns the request into a concrete profile id.
func (s *session) resolveProfile(ctx context.Context) error {
	ref := strings.TrimSpace(s.req.ProfileID)

	if s.req.AutoMatchProfile {
		term := strings.TrimSpace(s.req.ProfileSearchTerm)
		if term == "" {
			term = s.p.policy.DefaultSearchTerm
		}
		s.log("Searching for a profile matching %q", term)
		match, err := s.ctrl.FindByNameContains(ctx, term)
		switch {
		case err == nil:
			s.profileID = match.ID
			s.log("Matched profile %q (%s)", match.Name, match.ID)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.log("No profile matches %q: %v", term, err)
		}
	}

	if ref == "" {
		return fail(domain.ErrConfiguration, "no profile id given and none matched")
	}
	if numericID.MatchString(ref) {
		s.profileID = ref
		return nil
	}

	id, err := s.ctrl.ResolveByName(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log("Could not resolve profile name %q, using it as an id", ref)
		s.profileID = ref
		return nil
	}
	s.log("Resolved profile %q to %s", ref, id)
	s.profileID = id
	return nil
}

// startProfile leases the profile and returns the endpoint to attach to.
func (s *session) startProfile(ctx context.Context) (string, error) {
	s.log("Starting profile %s", s.profileID)
	s.leaseTried = true
	lease, err := s.ctrl.Lease(ctx, s.profileID)
	if err != nil {
		return "", failWith(domain.ErrRemoteProfile, err, "start profile %s", s.profileID)
	}
	switch {
	case lease.DebuggingEndpoint != "":
		return lease.DebuggingEndpoint, nil
	case lease.Port > 0:
		host := s.p.policy.DebugHost
		if host == "" {
			host = "127.0.0.1"
		}
		return "http://" + net.JoinHostPort(host, strconv.Itoa(lease.Port)), nil
	default:
		return "", fail(domain.ErrTransport, "profile %s started without a debugging endpoint or port", s.profileID)
	}
}

func (s *session) connect(ctx context.Context, endpoint string) error {
	s.log("Connecting to browser")
	b, err := s.p.driver.Connect(ctx, endpoint)
	if err != nil {
		return failWith(domain.ErrTransport, err, "connect to %s", endpoint)
	}
	s.browser = b

	setup, err := b.PreparePage(ctx)
	if err != nil {
		return failWith(domain.ErrTransport, err, "prepare page")
	}
	if setup.Reused {
		s.log("Reusing existing page")
	} else {
		s.log("Opened a new page")
	}
	if setup.ClosedExtra > 0 {
		s.log("Closed %d extra pages", setup.ClosedExtra)
	}
	return nil
}

// identityURL reports whether url is the identity endpoint.
func identityURL(url string) bool {
	if strings.Contains(url, "/library") {
		return false
	}
	return strings.Contains(url, "/users/@me") || strings.Contains(url, "/users/%40me")
}

// observe records identity responses for the rest of the session.
func (s *session) observe() {
	s.browser.ObserveResponses(identityURL, func(r domain.ObservedResponse) {
		switch {
		case r.Status == 200:
			var u userJSON
			if err := json.Unmarshal(r.Body, &u); err != nil {
				return
			}
			if id := u.identity(); id != nil {
				s.mu.Lock()
				if s.identity == nil {
					s.identity = id
				}
				s.mu.Unlock()
			}
		case r.Status == 401 || r.Status == 403:
			s.mu.Lock()
			s.sawRejection = true
			s.mu.Unlock()
		}
	})
}

func (s *session) capturedIdentity() *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *session) rejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawRejection
}

func (s *session) initOrigin(ctx context.Context) error {
	s.log("Opening %s", s.p.policy.LoginURL)
	navCtx := ctx
	if t := s.p.policy.NavigationTimeout; t > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	err := s.browser.Navigate(navCtx, s.p.policy.LoginURL)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		s.log("Login page load timed out, continuing")
		return nil
	default:
		return failWith(domain.ErrTransport, err, "open login page")
	}
}

func (s *session) inject(ctx context.Context) error {
	s.log("Injecting token")
	out, err := s.browser.Evaluate(ctx, injectScript(s.req.Token))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failWith(domain.ErrInjection, err, "write token to storage")
	}
	var res injectResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return fail(domain.ErrInjection, "unexpected script result %q", out)
	}
	if !res.OK {
		return fail(domain.ErrInjection, "write token to storage: %s", res.Error)
	}
	return nil
}

// redirect leaves the login page. The evaluation may be cut short by the
// navigation it starts, so errors are only logged.
func (s *session) redirect(ctx context.Context) error {
	s.log("Redirecting to %s", s.p.policy.LandingURL)
	if _, err := s.browser.Evaluate(ctx, redirectScript(s.p.policy.LandingURL)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("redirect evaluation interrupted", "error", err)
	}
	return nil
}

// cleanup closes and releases whatever the session acquired. It runs once,
// on a context detached from the caller so that aborted sessions still
// release their profile.
func (s *session) cleanup(parent context.Context) {
	s.cleanupOnce.Do(func() {
		timeout := s.p.policy.CleanupTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		defer cancel()
		ctx, span := tracer.Start(ctx, "verify.cleanup", s.spanAttrs()...)
		defer span.End()

		closeAfter := s.req.CloseAfterLogin
		if s.browser != nil {
			if closeAfter {
				if err := s.browser.ClosePages(ctx); err != nil {
					s.log("Closing pages failed: %v", err)
				}
			}
			if err := s.browser.Disconnect(); err != nil {
				s.log("Disconnect failed: %v", err)
			}
		}

		if !closeAfter || !s.leaseTried || s.ctrl == nil {
			return
		}
		if err := s.p.sleep(ctx, s.p.policy.ReleaseDelay); err != nil {
			s.log("Release delay interrupted: %v", err)
		}
		ok, err := s.ctrl.Release(ctx, s.profileID)
		switch {
		case err != nil:
			s.log("Releasing profile %s failed: %v", s.profileID, err)
		case !ok:
			s.log("Profile %s was not released", s.profileID)
		default:
			s.log("Profile %s released", s.profileID)
		}
	})
}
