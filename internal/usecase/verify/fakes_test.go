package verify

import (
	"context"
	"strings"
	"sync"

	"loginpilot/internal/domain"
)

type fakeController struct {
	mu sync.Mutex

	leaseErr error
	lease    *domain.ProfileLease
	names    map[string]string
	matches  []domain.ProfileSummary

	leased   []string
	released []string
	resolved []string
	searched []string
}

func newFakeController() *fakeController {
	return &fakeController{lease: &domain.ProfileLease{DebuggingEndpoint: "ws://127.0.0.1:9222/devtools/browser/abc"}}
}

func (c *fakeController) Lease(_ context.Context, id string) (*domain.ProfileLease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leased = append(c.leased, id)
	if c.leaseErr != nil {
		return nil, c.leaseErr
	}
	return c.lease, nil
}

func (c *fakeController) Release(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, id)
	return true, nil
}

func (c *fakeController) ListProfiles(context.Context, int, int) ([]domain.ProfileSummary, error) {
	return c.matches, nil
}

func (c *fakeController) ResolveByName(_ context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, name)
	if id, ok := c.names[name]; ok {
		return id, nil
	}
	return "", domain.ErrNotFound
}

func (c *fakeController) FindByNameContains(_ context.Context, term string) (domain.ProfileSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searched = append(c.searched, term)
	for _, p := range c.matches {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(term)) {
			return p, nil
		}
	}
	return domain.ProfileSummary{}, domain.ErrNotFound
}

func (c *fakeController) CheckHealth(context.Context) bool { return true }

func (c *fakeController) releases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.released...)
}

type fakeDriver struct {
	browser   *fakeBrowser
	err       error
	endpoints []string
}

func (d *fakeDriver) Connect(_ context.Context, endpoint string) (domain.BrowserSession, error) {
	d.endpoints = append(d.endpoints, endpoint)
	if d.err != nil {
		return nil, d.err
	}
	return d.browser, nil
}

// fakeBrowser scripts a page. url returns the page URL for the n-th
// CurrentURL call, counting from 1.
type fakeBrowser struct {
	mu sync.Mutex

	prepareErr  error
	navigateErr error
	injectOut   string
	identityOut string
	scanOut     []string
	challenge   bool
	url         func(n int) string

	handler        func(domain.ObservedResponse)
	urlCalls       int
	identityChecks int
	navigated      []string
	closedPages    int
	disconnected   int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		injectOut:   `{"ok":true}`,
		identityOut: `{"status":0}`,
		url:         func(int) string { return "https://discord.com/login" },
	}
}

func (b *fakeBrowser) PreparePage(context.Context) (domain.PageSetup, error) {
	if b.prepareErr != nil {
		return domain.PageSetup{}, b.prepareErr
	}
	return domain.PageSetup{Reused: true, ClosedExtra: 1}, nil
}

func (b *fakeBrowser) ObserveResponses(match func(string) bool, handler func(domain.ObservedResponse)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = func(r domain.ObservedResponse) {
		if match(r.URL) {
			handler(r)
		}
	}
}

// respond delivers r to the installed observer.
func (b *fakeBrowser) respond(r domain.ObservedResponse) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(r)
	}
}

func (b *fakeBrowser) Navigate(_ context.Context, url string) error {
	b.navigated = append(b.navigated, url)
	return b.navigateErr
}

func (b *fakeBrowser) Evaluate(_ context.Context, script string) (string, error) {
	switch {
	case strings.Contains(script, "localStorage.setItem"):
		return b.injectOut, nil
	case strings.Contains(script, "location.replace"):
		return "ok", nil
	case script == identityScript:
		b.identityChecks++
		return b.identityOut, nil
	case strings.Contains(script, "querySelector(s)"):
		if b.challenge {
			return "true", nil
		}
		return "false", nil
	}
	return "", nil
}

func (b *fakeBrowser) EvaluateFrames(_ context.Context, _ string, visit func(string) bool) error {
	for _, out := range b.scanOut {
		if !visit(out) {
			return nil
		}
	}
	return nil
}

func (b *fakeBrowser) CurrentURL(context.Context) (string, error) {
	b.urlCalls++
	return b.url(b.urlCalls), nil
}

func (b *fakeBrowser) ClosePages(context.Context) error {
	b.closedPages++
	return nil
}

func (b *fakeBrowser) Disconnect() error {
	b.disconnected++
	return nil
}
