package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loginpilot/internal/adapter/stream"
	"loginpilot/internal/domain"
	"loginpilot/internal/infra/config"
	"loginpilot/internal/infra/logger"
)

type runnerFunc func(ctx context.Context, req domain.PipelineRequest, sink domain.EventSink) error

func (f runnerFunc) Run(ctx context.Context, req domain.PipelineRequest, sink domain.EventSink) error {
	return f(ctx, req, sink)
}

type stubController struct {
	domain.ProfileController
	profiles []domain.ProfileSummary
	listErr  error
	healthy  bool
}

func (c stubController) ListProfiles(context.Context, int, int) ([]domain.ProfileSummary, error) {
	return c.profiles, c.listErr
}

func (c stubController) CheckHealth(context.Context) bool { return c.healthy }

type recordingRunner struct {
	mu   sync.Mutex
	reqs []domain.PipelineRequest
	run  runnerFunc
}

func (r *recordingRunner) Run(ctx context.Context, req domain.PipelineRequest, sink domain.EventSink) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.run(ctx, req, sink)
}

func verified(_ context.Context, req domain.PipelineRequest, sink domain.EventSink) error {
	sink(domain.LogEvent("Starting profile " + req.ProfileID))
	ev := domain.SuccessEvent("Login verified", &domain.Identity{UserID: "42", Username: "bob"})
	ev.Token = req.Token
	sink(ev)
	return nil
}

func newTestServer(t *testing.T, runner domain.PipelineRunner, ctrl domain.ProfileController, cfg config.GatewayConfig) *httptest.Server {
	t.Helper()
	srv, err := NewServer(context.Background(), cfg, Deps{
		Runner: runner,
		Profiles: func(domain.ProfileServiceParams) (domain.ProfileController, error) {
			return ctrl, nil
		},
		Logger: logger.Discard(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decodeAll(t *testing.T, resp *http.Response) []domain.ProgressEvent {
	t.Helper()
	var events []domain.ProgressEvent
	require.NoError(t, stream.Decode(context.Background(), resp.Body, func(ev domain.ProgressEvent) {
		events = append(events, ev)
	}))
	return events
}

func TestVerify_StreamsEvents(t *testing.T) {
	runner := &recordingRunner{run: verified}
	ts := newTestServer(t, runner, stubController{}, config.GatewayConfig{})

	resp, err := http.Post(ts.URL+"/api/login/verify", "application/json",
		strings.NewReader(`{"token":"tok-AAA","profileId":"env-1","appId":"a","secretKey":"s","loginMethod":"token"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stream.ContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	events := decodeAll(t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, domain.KindLog, events[0].Kind())
	assert.Equal(t, domain.KindSuccess, events[1].Kind())
	assert.Equal(t, "bob", events[1].Info.Username)

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, domain.PipelineRequest{
		Token: "tok-AAA", ProfileID: "env-1", AppID: "a", SecretKey: "s", CloseAfterLogin: true,
	}, runner.reqs[0], "closeAfterLogin defaults to true")
}

func TestVerify_CloseAfterLoginFalse(t *testing.T) {
	runner := &recordingRunner{run: verified}
	ts := newTestServer(t, runner, stubController{}, config.GatewayConfig{})

	resp, err := http.Post(ts.URL+"/api/login/verify", "application/json",
		strings.NewReader(`{"token":"tok","closeAfterLogin":false,"autoMatchProfile":true}`))
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, runner.reqs, 1)
	assert.False(t, runner.reqs[0].CloseAfterLogin)
	assert.True(t, runner.reqs[0].AutoMatchProfile)
}

func TestVerify_RejectsInvalidBodies(t *testing.T) {
	runner := &recordingRunner{run: verified}
	ts := newTestServer(t, runner, stubController{}, config.GatewayConfig{})

	bodies := map[string]string{
		"not json":      `{token`,
		"missing token": `{"profileId":"1"}`,
		"empty token":   `{"token":""}`,
		"wrong type":    `{"token":"t","closeAfterLogin":"yes"}`,
		"array":         `[]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/login/verify", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var out map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.NotEmpty(t, out["error"])
		})
	}
	assert.Empty(t, runner.reqs)
}

func TestVerify_APIURLPolicy(t *testing.T) {
	runner := &recordingRunner{run: verified}
	ts := newTestServer(t, runner, stubController{}, config.GatewayConfig{AllowedAPIHosts: []string{"morelogin.lan"}})

	post := func(apiURL string) int {
		resp, err := http.Post(ts.URL+"/api/login/verify", "application/json",
			strings.NewReader(`{"token":"t","apiUrl":"`+apiURL+`"}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, post("http://169.254.169.254/latest"))
	assert.Equal(t, http.StatusForbidden, post("file:///etc/passwd"))
	assert.Empty(t, runner.reqs)

	assert.Equal(t, http.StatusOK, post("http://127.0.0.1:40000"))
	assert.Equal(t, http.StatusOK, post("http://morelogin.lan:40000"))
	require.Len(t, runner.reqs, 2)
	assert.Equal(t, "http://morelogin.lan:40000", runner.reqs[1].APIURL)
}

func TestVerify_RateLimited(t *testing.T) {
	runner := &recordingRunner{run: verified}
	cfg := config.GatewayConfig{RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}}
	ts := newTestServer(t, runner, stubController{}, cfg)

	post := func() int {
		resp, err := http.Post(ts.URL+"/api/login/verify", "application/json", strings.NewReader(`{"token":"t"}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, post())
	assert.Equal(t, http.StatusTooManyRequests, post())

	// Other routes are not limited.
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestProfiles(t *testing.T) {
	ctrl := stubController{profiles: []domain.ProfileSummary{{ID: "1993385065120866304", Name: "Discord 01"}}}
	ts := newTestServer(t, &recordingRunner{run: verified}, ctrl, config.GatewayConfig{})

	resp, err := http.Get(ts.URL + "/api/profiles?page=2&pageSize=10")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Profiles []domain.ProfileSummary `json:"profiles"`
		Page     int                     `json:"page"`
		PageSize int                     `json:"pageSize"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, ctrl.profiles, out.Profiles)
	assert.Equal(t, 2, out.Page)
	assert.Equal(t, 10, out.PageSize)
}

func TestProfiles_ServiceError(t *testing.T) {
	ctrl := stubController{listErr: errors.New("list profiles: all 2 strategies failed")}
	ts := newTestServer(t, &recordingRunner{run: verified}, ctrl, config.GatewayConfig{})

	resp, err := http.Get(ts.URL + "/api/profiles")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	for _, healthy := range []bool{true, false} {
		ts := newTestServer(t, &recordingRunner{run: verified}, stubController{healthy: healthy}, config.GatewayConfig{})
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)

		var out map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		if healthy {
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "ok", out["status"])
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
			assert.Equal(t, "unreachable", out["profile_service"])
		}
	}
}

func TestStartAndStop(t *testing.T) {
	srv, err := NewServer(context.Background(), config.GatewayConfig{Addr: "127.0.0.1:0"}, Deps{
		Runner:   &recordingRunner{run: verified},
		Profiles: func(domain.ProfileServiceParams) (domain.ProfileController, error) { return stubController{healthy: true}, nil },
		Logger:   logger.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		if srv.BoundAddr() == "" {
			return false
		}
		resp, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, testWait, testTick)

	cancel()
	assert.NoError(t, <-done)
}
