package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loginpilot/internal/domain"
	"loginpilot/internal/infra/logger"
)

const loginURL = "https://discord.com/login"

func testPolicy() Policy {
	p := DefaultPolicy()
	p.DefaultService = domain.ProfileServiceParams{APIURL: "http://127.0.0.1:40000", AppID: "app", SecretKey: "secret"}
	return p
}

type harness struct {
	pipeline *Pipeline
	ctrl     *fakeController
	driver   *fakeDriver
	browser  *fakeBrowser
	events   []domain.ProgressEvent
}

func newHarness(policy Policy) *harness {
	h := &harness{ctrl: newFakeController(), browser: newFakeBrowser()}
	h.driver = &fakeDriver{browser: h.browser}
	h.pipeline = New(policy, func(domain.ProfileServiceParams) (domain.ProfileController, error) {
		return h.ctrl, nil
	}, h.driver, logger.Discard())
	h.pipeline.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return h
}

func (h *harness) run(ctx context.Context, req domain.PipelineRequest) error {
	return h.pipeline.Run(ctx, req, func(ev domain.ProgressEvent) {
		h.events = append(h.events, ev)
	})
}

// terminal returns the last event and checks that it is the only terminal one.
func (h *harness) terminal(t *testing.T) domain.ProgressEvent {
	t.Helper()
	require.NotEmpty(t, h.events)
	n := 0
	for _, ev := range h.events {
		if ev.Terminal() {
			n++
		}
	}
	require.Equal(t, 1, n, "terminal events")
	last := h.events[len(h.events)-1]
	require.True(t, last.Terminal(), "last event must be terminal")
	return last
}

func request(profile string) domain.PipelineRequest {
	return domain.PipelineRequest{Token: "tok-AAA", ProfileID: profile, CloseAfterLogin: true}
}

func TestRun_LoginRouteTimesOut(t *testing.T) {
	h := newHarness(testPolicy())

	err := h.run(context.Background(), domain.PipelineRequest{Token: "tok-AAA", ProfileID: "env-1", CloseAfterLogin: true})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVerificationTimeout)
	ev := h.terminal(t)
	assert.Equal(t, domain.KindError, ev.Kind())
	assert.Contains(t, ev.Message, "token invalid")
	assert.Equal(t, []string{"env-1"}, h.ctrl.resolved, "non-numeric id is looked up by name")
	assert.Equal(t, []string{"env-1"}, h.ctrl.leased)
	assert.Equal(t, []string{"env-1"}, h.ctrl.releases())
	assert.Equal(t, 1, h.browser.disconnected)
	assert.Equal(t, 1, h.browser.closedPages)
	// stuck_on_login_after is 15: the 17th poll (index 16) gives up.
	assert.Equal(t, 17, h.browser.urlCalls)
}

func TestRun_ObservedIdentityEndsPolling(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.url = func(n int) string {
		if n == 3 {
			h.browser.respond(domain.ObservedResponse{
				URL:    "https://discord.com/api/v9/users/@me",
				Status: 200,
				Body:   []byte(`{"id":"42","username":"bob","discriminator":"0"}`),
			})
		}
		return loginURL
	}

	require.NoError(t, h.run(context.Background(), request("123")))

	ev := h.terminal(t)
	assert.Equal(t, domain.KindSuccess, ev.Kind())
	require.NotNil(t, ev.Info)
	assert.Equal(t, "bob", ev.Info.Username)
	assert.Equal(t, "42", ev.Info.UserID)
	assert.Equal(t, "tok-AAA", ev.Token)
	assert.Equal(t, 3, h.browser.urlCalls, "no fourth poll")
	assert.Equal(t, []string{"123"}, h.ctrl.releases())
}

func TestRun_ObserverIgnoresLibraryAndRecordsRejection(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.url = func(n int) string {
		if n == 1 {
			h.browser.respond(domain.ObservedResponse{URL: "https://discord.com/api/v9/users/@me/library", Status: 200, Body: []byte(`{"id":"1","username":"lib"}`)})
			h.browser.respond(domain.ObservedResponse{URL: "https://discord.com/api/v9/users/%40me", Status: 401})
		}
		return "https://discord.com/channels/@me"
	}

	require.NoError(t, h.run(context.Background(), request("123")))

	ev := h.terminal(t)
	assert.Equal(t, domain.KindSuccess, ev.Kind())
	require.NotNil(t, ev.Info)
	assert.Equal(t, restrictedUser, ev.Info.Username)
	// soft_reject_grace_after is 5: accepted on the 7th poll.
	assert.Equal(t, 7, h.browser.urlCalls)
}

func TestRun_IdentityCheckFindsUser(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.url = func(int) string { return "https://discord.com/channels/@me" }
	h.browser.identityOut = `{"status":200,"token":"tok-AAA","user":{"id":1993385065120866304,"username":"carol"}}`

	require.NoError(t, h.run(context.Background(), request("123")))

	ev := h.terminal(t)
	require.NotNil(t, ev.Info)
	assert.Equal(t, "carol", ev.Info.Username)
	assert.Equal(t, "1993385065120866304", ev.Info.UserID)
	assert.Equal(t, 1, h.browser.identityChecks)
}

func TestRun_IdentityRejectionCountsAsSoftReject(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.url = func(int) string { return "https://discord.com/channels/@me" }
	h.browser.identityOut = `{"status":401,"token":"tok-AAA","user":null}`

	require.NoError(t, h.run(context.Background(), request("123")))

	ev := h.terminal(t)
	require.NotNil(t, ev.Info)
	assert.Equal(t, restrictedUser, ev.Info.Username)
}

func TestRun_ScanFindsUserInFrame(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.url = func(int) string { return "https://discord.com/channels/@me" }
	h.browser.scanOut = []string{"", "not json", `{"source":"MultiAccountStore","id":"7","username":"dave","discriminator":"1234"}`}

	require.NoError(t, h.run(context.Background(), request("123")))

	ev := h.terminal(t)
	require.NotNil(t, ev.Info)
	assert.Equal(t, &domain.Identity{UserID: "7", Username: "dave", Discriminator: "1234"}, ev.Info)
}

func TestRun_UnknownUserGrace(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.url = func(int) string { return "https://discord.com/app" }

	require.NoError(t, h.run(context.Background(), request("123")))

	ev := h.terminal(t)
	require.NotNil(t, ev.Info)
	assert.Equal(t, unknownUser, ev.Info.Username)
	// unknown_user_grace_after is 20: accepted on the 22nd poll.
	assert.Equal(t, 22, h.browser.urlCalls)
}

func TestRun_AuthenticatedAfterRetriesExhausted(t *testing.T) {
	pol := testPolicy()
	pol.MaxRetries = 3
	h := newHarness(pol)
	h.browser.url = func(n int) string {
		if n <= 3 {
			return "https://discord.com/register"
		}
		return "https://discord.com/channels/@me"
	}

	require.NoError(t, h.run(context.Background(), request("123")))

	ev := h.terminal(t)
	assert.Equal(t, domain.KindSuccess, ev.Kind())
	assert.Equal(t, unknownUser, ev.Info.Username)
}

func TestRun_RetriesExhausted(t *testing.T) {
	pol := testPolicy()
	pol.MaxRetries = 3
	h := newHarness(pol)
	h.browser.url = func(int) string { return "https://discord.com/register" }

	err := h.run(context.Background(), request("123"))

	assert.ErrorIs(t, err, domain.ErrVerificationTimeout)
	assert.Equal(t, domain.KindError, h.terminal(t).Kind())
}

func TestRun_ChallengeNeedsOperator(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.challenge = true

	require.NoError(t, h.run(context.Background(), request("123")))

	ev := h.terminal(t)
	assert.Equal(t, domain.KindActionRequired, ev.Kind())
	assert.NotEmpty(t, ev.Reason)
	assert.Equal(t, []string{"123"}, h.ctrl.releases())
}

func TestRun_ReleasesAtEveryFailingState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		kind  error
	}{
		{"lease", func(h *harness) { h.ctrl.leaseErr = errors.New("all strategies failed") }, domain.ErrRemoteProfile},
		{"lease without endpoint", func(h *harness) { h.ctrl.lease = &domain.ProfileLease{} }, domain.ErrTransport},
		{"connect", func(h *harness) { h.driver.err = errors.New("refused") }, domain.ErrTransport},
		{"prepare page", func(h *harness) { h.browser.prepareErr = errors.New("no target") }, domain.ErrTransport},
		{"navigate", func(h *harness) { h.browser.navigateErr = errors.New("net::ERR_ABORTED") }, domain.ErrTransport},
		{"inject", func(h *harness) { h.browser.injectOut = `{"ok":false,"error":"SecurityError"}` }, domain.ErrInjection},
		{"inject garbage", func(h *harness) { h.browser.injectOut = "undefined" }, domain.ErrInjection},
		{"await", func(h *harness) {}, domain.ErrVerificationTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testPolicy())
			tt.setup(h)

			err := h.run(context.Background(), request("555"))

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, []string{"555"}, h.ctrl.releases(), "exactly one release")
			ev := h.terminal(t)
			assert.Equal(t, domain.KindError, ev.Kind())
			assert.Equal(t, err.Error(), ev.Message)
			assert.LessOrEqual(t, h.browser.disconnected, 1)
		})
	}
}

func TestRun_NavigationTimeoutTolerated(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.navigateErr = domain.ErrTimeout
	h.browser.challenge = true

	require.NoError(t, h.run(context.Background(), request("123")))
	assert.Equal(t, domain.KindActionRequired, h.terminal(t).Kind())
	assert.Equal(t, []string{loginURL}, h.browser.navigated)
}

func TestRun_KeepsProfileOpenWhenAsked(t *testing.T) {
	h := newHarness(testPolicy())
	h.browser.challenge = true
	req := request("123")
	req.CloseAfterLogin = false

	require.NoError(t, h.run(context.Background(), req))

	assert.Empty(t, h.ctrl.releases())
	assert.Zero(t, h.browser.closedPages)
	assert.Equal(t, 1, h.browser.disconnected)
}

func TestRun_Validation(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		h := newHarness(testPolicy())
		err := h.run(context.Background(), domain.PipelineRequest{ProfileID: "123", CloseAfterLogin: true})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.Empty(t, h.ctrl.leased)
		assert.Empty(t, h.ctrl.releases())
		assert.Equal(t, domain.KindError, h.terminal(t).Kind())
	})

	t.Run("missing credentials", func(t *testing.T) {
		pol := testPolicy()
		pol.DefaultService.AppID = ""
		pol.DefaultService.SecretKey = ""
		h := newHarness(pol)
		err := h.run(context.Background(), request("123"))
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.Empty(t, h.ctrl.leased)
	})

	t.Run("missing credentials allowed", func(t *testing.T) {
		pol := testPolicy()
		pol.DefaultService.AppID = ""
		pol.DefaultService.SecretKey = ""
		pol.AllowUnauthenticated = true
		h := newHarness(pol)
		h.browser.challenge = true
		require.NoError(t, h.run(context.Background(), request("123")))
	})

	t.Run("no profile", func(t *testing.T) {
		h := newHarness(testPolicy())
		err := h.run(context.Background(), request(""))
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.Empty(t, h.ctrl.leased)
	})

	t.Run("controller factory", func(t *testing.T) {
		h := newHarness(testPolicy())
		h.pipeline.controllers = func(domain.ProfileServiceParams) (domain.ProfileController, error) {
			return nil, errors.New("bad url")
		}
		err := h.run(context.Background(), request("123"))
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestRun_ResolvesProfile(t *testing.T) {
	t.Run("by name", func(t *testing.T) {
		h := newHarness(testPolicy())
		h.ctrl.names = map[string]string{"Work": "999"}
		h.browser.challenge = true
		require.NoError(t, h.run(context.Background(), request("Work")))
		assert.Equal(t, []string{"999"}, h.ctrl.leased)
		assert.Equal(t, []string{"999"}, h.ctrl.releases())
	})

	t.Run("numeric id skips lookup", func(t *testing.T) {
		h := newHarness(testPolicy())
		h.browser.challenge = true
		require.NoError(t, h.run(context.Background(), request("1993385065120866304")))
		assert.Empty(t, h.ctrl.resolved)
		assert.Equal(t, []string{"1993385065120866304"}, h.ctrl.leased)
	})

	t.Run("auto match default term", func(t *testing.T) {
		h := newHarness(testPolicy())
		h.ctrl.matches = []domain.ProfileSummary{{ID: "1", Name: "Main"}, {ID: "2", Name: "discord-03"}}
		h.browser.challenge = true
		req := request("")
		req.AutoMatchProfile = true
		require.NoError(t, h.run(context.Background(), req))
		assert.Equal(t, []string{"Discord"}, h.ctrl.searched)
		assert.Equal(t, []string{"2"}, h.ctrl.leased)
	})

	t.Run("auto match falls back to id", func(t *testing.T) {
		h := newHarness(testPolicy())
		h.browser.challenge = true
		req := request("77")
		req.AutoMatchProfile = true
		req.ProfileSearchTerm = "Alice"
		require.NoError(t, h.run(context.Background(), req))
		assert.Equal(t, []string{"Alice"}, h.ctrl.searched)
		assert.Equal(t, []string{"77"}, h.ctrl.leased)
	})
}

func TestRun_PortOnlyLease(t *testing.T) {
	h := newHarness(testPolicy())
	h.ctrl.lease = &domain.ProfileLease{Port: 9333}
	h.browser.challenge = true

	require.NoError(t, h.run(context.Background(), request("123")))
	assert.Equal(t, []string{"http://127.0.0.1:9333"}, h.driver.endpoints)
}

func TestRun_AbortReportsOnceAndStillReleases(t *testing.T) {
	h := newHarness(testPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.browser.url = func(n int) string {
		if n == 2 {
			cancel()
		}
		return loginURL
	}

	err := h.run(ctx, request("123"))

	assert.ErrorIs(t, err, domain.ErrAbortedByUser)
	ev := h.terminal(t)
	assert.Equal(t, domain.KindError, ev.Kind())
	assert.Equal(t, "aborted by user", ev.Message)
	assert.Equal(t, []string{"123"}, h.ctrl.releases(), "cleanup runs on a detached context")
	assert.Equal(t, 1, h.browser.disconnected)
}
