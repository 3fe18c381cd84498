// Package browser attaches to remote Chromium browsers over the DevTools
// protocol.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"loginpilot/internal/domain"
)

// Config holds per-action timeouts.
type Config struct {
	// ConnectTimeout bounds attaching to the browser.
	ConnectTimeout time.Duration
	// NavigateTimeout bounds a navigation.
	NavigateTimeout time.Duration
	// ActionTimeout bounds evaluate and location calls.
	ActionTimeout time.Duration
}

// Driver connects to remote browsers with chromedp.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

var _ domain.BrowserDriver = (*Driver)(nil)

// NewDriver creates a Driver.
func NewDriver(cfg Config, logger *slog.Logger) *Driver {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = 30 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	return &Driver{cfg: cfg, logger: logger.With("component", "browser")}
}

// Connect attaches to the browser behind endpoint. A ws:// endpoint is used
// as is; an http://host:port endpoint is resolved through /json/version.
func (d *Driver) Connect(ctx context.Context, endpoint string) (domain.BrowserSession, error) {
	var opts []chromedp.RemoteAllocatorOption
	if strings.Contains(endpoint, "/devtools/browser/") {
		opts = append(opts, chromedp.NoModifyURL)
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), endpoint, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:           d.cfg,
		logger:        d.logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	// Targets allocates the browser connection without opening a tab.
	done := make(chan error, 1)
	go func() {
		_, err := chromedp.Targets(browserCtx)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			_ = s.Disconnect()
			return nil, fmt.Errorf("attach %s: %w", endpoint, err)
		}
	case <-time.After(d.cfg.ConnectTimeout):
		_ = s.Disconnect()
		return nil, fmt.Errorf("attach %s: %w", endpoint, domain.ErrTimeout)
	case <-ctx.Done():
		_ = s.Disconnect()
		return nil, ctx.Err()
	}

	d.logger.Debug("attached to browser", "endpoint", endpoint)
	return s, nil
}

// disconnectWait bounds how long Disconnect waits for the DevTools
// connection to close.
const disconnectWait = 5 * time.Second

// Session is one attachment to a remote browser.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabCtx        context.Context
	tabCancel     context.CancelFunc
	tabID         target.ID
}

var _ domain.BrowserSession = (*Session)(nil)

// browserExec runs a browser-level command.
func (s *Session) browserExec() context.Context {
	c := chromedp.FromContext(s.browserCtx)
	return cdp.WithExecutor(s.browserCtx, c.Browser)
}

// PreparePage reuses the first existing page and closes the others. A new
// page is opened only when none exists.
func (s *Session) PreparePage(ctx context.Context) (domain.PageSetup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var setup domain.PageSetup
	targets, err := chromedp.Targets(s.browserCtx)
	if err != nil {
		return setup, fmt.Errorf("list targets: %w", err)
	}

	var pages []target.ID
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t.TargetID)
		}
	}

	var id target.ID
	if len(pages) > 0 {
		id = pages[0]
		setup.Reused = true
		for _, extra := range pages[1:] {
			if err := target.CloseTarget(extra).Do(s.browserExec()); err != nil {
				s.logger.Warn("close extra page failed", "target", extra, "error", err)
				continue
			}
			setup.ClosedExtra++
		}
	} else {
		id, err = target.CreateTarget("about:blank").Do(s.browserExec())
		if err != nil {
			return setup, fmt.Errorf("open page: %w", err)
		}
	}

	// The first Run binds the CDP session to tabCtx, so it must not carry a
	// deadline of its own. Cancelling a tab context closes its page, so
	// tabCtx does not inherit the browser's cancellation; Disconnect
	// decides when it ends.
	tabCtx, tabCancel := chromedp.NewContext(context.WithoutCancel(s.browserCtx), chromedp.WithTargetID(id))
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx, network.Enable()) }()
	select {
	case err = <-done:
	case <-time.After(s.cfg.ConnectTimeout):
		err = domain.ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		// Disconnect ends tabCtx once the connection is gone.
		s.tabCancel, s.tabID = tabCancel, id
		return setup, fmt.Errorf("attach page %s: %w", id, err)
	}

	s.tabCtx, s.tabCancel, s.tabID = tabCtx, tabCancel, id
	s.logger.Debug("page ready", "target", id, "reused", setup.Reused, "closed_extra", setup.ClosedExtra)
	return setup, nil
}

// scope derives a context from the tab bounded by timeout and by ctx.
func (s *Session) scope(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	tabCtx := s.tabCtx
	s.mu.Unlock()
	if tabCtx == nil {
		return nil, nil, fmt.Errorf("no page prepared")
	}
	tctx, cancel := context.WithTimeout(tabCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return tctx, func() { stop(); cancel() }, nil
}

// ObserveResponses watches network responses on the working page. Bodies
// are fetched once loading finishes, outside the event loop.
func (s *Session) ObserveResponses(match func(url string) bool, handler func(domain.ObservedResponse)) {
	s.mu.Lock()
	tabCtx := s.tabCtx
	s.mu.Unlock()
	if tabCtx == nil {
		return
	}

	type pending struct {
		url    string
		status int
	}
	var mu sync.Mutex
	tracked := map[network.RequestID]pending{}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Response == nil || !match(e.Response.URL) {
				return
			}
			status := int(e.Response.Status)
			if status < 200 || status > 299 {
				go handler(domain.ObservedResponse{URL: e.Response.URL, Status: status})
				return
			}
			mu.Lock()
			tracked[e.RequestID] = pending{url: e.Response.URL, status: status}
			mu.Unlock()

		case *network.EventLoadingFinished:
			mu.Lock()
			p, ok := tracked[e.RequestID]
			delete(tracked, e.RequestID)
			mu.Unlock()
			if !ok {
				return
			}
			go func(id network.RequestID) {
				var body []byte
				err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
					var err error
					body, err = network.GetResponseBody(id).Do(ctx)
					return err
				}))
				if err != nil {
					s.logger.Debug("response body unavailable", "url", p.url, "error", err)
					return
				}
				handler(domain.ObservedResponse{URL: p.url, Status: p.status, Body: body})
			}(e.RequestID)

		case *network.EventLoadingFailed:
			mu.Lock()
			delete(tracked, e.RequestID)
			mu.Unlock()
		}
	})
}

// Navigate loads url and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	tctx, cancel, err := s.scope(ctx, s.cfg.NavigateTimeout)
	if err != nil {
		return err
	}
	defer cancel()
	if err := chromedp.Run(tctx, chromedp.Navigate(url)); err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigate %s: %w", url, domain.ErrTimeout)
		}
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Evaluate runs script in the page's main world, awaiting promises.
func (s *Session) Evaluate(ctx context.Context, script string) (string, error) {
	tctx, cancel, err := s.scope(ctx, s.cfg.ActionTimeout)
	if err != nil {
		return "", err
	}
	defer cancel()

	var result interface{}
	if err := chromedp.Run(tctx, chromedp.Evaluate(script, &result,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams { return p.WithAwaitPromise(true) },
	)); err != nil {
		return "", domain.WrapOp("evaluate", err)
	}
	return stringify(result), nil
}

// EvaluateFrames runs script in an isolated world of every frame, top
// frame first, until visit returns false. Frames that fail to evaluate are
// skipped.
func (s *Session) EvaluateFrames(ctx context.Context, script string, visit func(string) bool) error {
	tctx, cancel, err := s.scope(ctx, s.cfg.ActionTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	return chromedp.Run(tctx, chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return fmt.Errorf("frame tree: %w", err)
		}
		for _, frame := range flattenFrames(tree) {
			execCtx, err := page.CreateIsolatedWorld(frame.ID).WithWorldName("loginpilot").Do(ctx)
			if err != nil {
				s.logger.Debug("isolated world failed", "frame", frame.ID, "error", err)
				continue
			}
			res, exc, err := runtime.Evaluate(script).
				WithContextID(execCtx).
				WithAwaitPromise(true).
				WithReturnByValue(true).
				Do(ctx)
			if err != nil || exc != nil || res == nil {
				continue
			}
			var v interface{}
			if len(res.Value) > 0 {
				_ = json.Unmarshal([]byte(res.Value), &v)
			}
			if !visit(stringify(v)) {
				return nil
			}
		}
		return nil
	}))
}

func flattenFrames(tree *page.FrameTree) []*cdp.Frame {
	if tree == nil {
		return nil
	}
	out := []*cdp.Frame{tree.Frame}
	for _, child := range tree.ChildFrames {
		out = append(out, flattenFrames(child)...)
	}
	return out
}

// CurrentURL returns the working page's location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	tctx, cancel, err := s.scope(ctx, s.cfg.ActionTimeout)
	if err != nil {
		return "", err
	}
	defer cancel()
	var url string
	if err := chromedp.Run(tctx, chromedp.Location(&url)); err != nil {
		return "", domain.WrapOp("location", err)
	}
	return url, nil
}

// ClosePages closes every page of the browser.
func (s *Session) ClosePages(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets, err := chromedp.Targets(s.browserCtx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	var firstErr error
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if err := target.CloseTarget(t.TargetID).Do(s.browserExec()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close page %s: %w", t.TargetID, err)
		}
	}
	return firstErr
}

// Disconnect detaches from the working page and drops the DevTools
// connection. Pages stay open and the browser keeps running.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tabCancel := s.tabCancel
	var lost <-chan struct{}
	if tabCancel != nil {
		lost = chromedp.FromContext(s.browserCtx).Browser.LostConnection
	}
	if s.tabCtx != nil {
		c := chromedp.FromContext(s.tabCtx)
		if c.Target != nil && c.Target.SessionID != "" {
			ctx, cancel := context.WithTimeout(s.browserExec(), time.Second)
			if err := target.DetachFromTarget().WithSessionID(c.Target.SessionID).Do(ctx); err != nil {
				s.logger.Debug("detach page failed", "target", s.tabID, "error", err)
			}
			cancel()
		}
	}
	s.tabCtx, s.tabCancel = nil, nil

	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	if tabCancel == nil {
		return nil
	}

	// tabCancel would close the page if the connection were still up.
	select {
	case <-lost:
		go tabCancel()
	case <-time.After(disconnectWait):
		s.logger.Warn("devtools connection did not close, leaving page context open", "target", s.tabID)
	}
	return nil
}

// stringify renders an evaluation result the way callers expect: strings
// as is, everything else as JSON.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
