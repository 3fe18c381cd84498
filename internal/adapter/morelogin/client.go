// Package morelogin is a client for the MoreLogin local API, which starts
// and stops remote browser profiles.
package morelogin

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"loginpilot/internal/domain"
)

const (
	defaultAPIURL    = "http://127.0.0.1:40000"
	defaultTimeout   = 30 * time.Second
	defaultDebugHost = "127.0.0.1"
	maxResponseBytes = 1 << 20
)

// Options configures a Client.
type Options struct {
	APIURL    string
	AppID     string
	SecretKey string
	// AllowUnauthenticated enables strategies sent without signature headers.
	AllowUnauthenticated bool
	// Timeout bounds every request, including the /json/version lookup.
	Timeout   time.Duration
	DebugHost string

	RequestsPerSecond float64 // 0 = unlimited
	Burst             int

	BreakerEnabled      bool
	BreakerFailures     uint32
	BreakerInterval     time.Duration
	BreakerOpenDuration time.Duration

	// HTTPClient overrides the transport; nil uses a client without a
	// global timeout (requests carry their own deadline).
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.APIURL == "" {
		o.APIURL = defaultAPIURL
	}
	o.APIURL = strings.TrimRight(o.APIURL, "/")
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.DebugHost == "" {
		o.DebugHost = defaultDebugHost
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerOpenDuration <= 0 {
		o.BreakerOpenDuration = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return o
}

// HasCredentials reports whether requests can be signed.
func (o Options) HasCredentials() bool {
	return o.AppID != "" && o.SecretKey != ""
}

// Client talks to the profile service. It holds no per-profile state and is
// safe for concurrent use.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	limiter *rate.Limiter
	logger  *slog.Logger

	now   func() time.Time
	nonce func() string
}

var _ domain.ProfileController = (*Client)(nil)

// New creates a Client.
func New(opts Options, logger *slog.Logger) *Client {
	opts = opts.withDefaults()
	c := &Client{
		opts:   opts,
		http:   opts.HTTPClient,
		logger: logger.With("component", "morelogin"),
		now:    time.Now,
		nonce:  uuid.NewString,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst)
	}
	if opts.BreakerEnabled {
		failures := opts.BreakerFailures
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "morelogin:" + opts.APIURL,
			MaxRequests: 1,
			Interval:    opts.BreakerInterval,
			Timeout:     opts.BreakerOpenDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
			// Any HTTP response means the service is reachable; caller
			// cancellation says nothing about the service.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		})
	}
	return c
}

// APIURL returns the base URL the client talks to.
func (c *Client) APIURL() string { return c.opts.APIURL }

// signature is lowercase hex MD5 of appId + nonce + secret.
func signature(appID, nonce, secret string) string {
	sum := md5.Sum([]byte(appID + nonce + secret))
	return hex.EncodeToString(sum[:])
}

// signHeaders adds the authentication headers when credentials are known.
func (c *Client) signHeaders(h http.Header) {
	if !c.opts.HasCredentials() {
		return
	}
	nonce := strconv.FormatInt(c.now().UnixMilli(), 10) + ":" + c.nonce()
	h.Set("X-Api-Id", c.opts.AppID)
	h.Set("X-Nonce-Id", nonce)
	h.Set("Authorization", signature(c.opts.AppID, nonce, c.opts.SecretKey))
}

// envelope is the profile service's response wrapper. Code is a pointer so
// a body without "code" is not mistaken for success.
type envelope struct {
	Code *int            `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// response is one raw exchange with the service.
type response struct {
	Status   int
	Body     []byte
	Envelope envelope
	// ParseErr is set when the body is not a JSON envelope.
	ParseErr error
}

// OK reports service-level success: HTTP 2xx and code == 0.
func (r *response) OK() bool {
	return r.ParseErr == nil && r.Status/100 == 2 && r.Envelope.Code != nil && *r.Envelope.Code == 0
}

// failureReason describes why r is not a success.
func (r *response) failureReason() string {
	switch {
	case r.ParseErr != nil:
		return fmt.Sprintf("HTTP %d: invalid JSON response: %s", r.Status, truncate(string(r.Body), 200))
	case r.Envelope.Code == nil:
		return fmt.Sprintf("HTTP %d: response has no code: %s", r.Status, truncate(string(r.Body), 200))
	default:
		return fmt.Sprintf("HTTP %d: code %d: %s", r.Status, *r.Envelope.Code, r.Envelope.Msg)
	}
}

// data decodes the envelope's data with json.Number for numbers so large
// profile ids keep full precision.
func (r *response) data() (any, error) {
	if len(r.Envelope.Data) == 0 || string(r.Envelope.Data) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Envelope.Data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return v, nil
}

// do performs one request. A transport failure is an error; any HTTP
// response, whatever its status, is returned as a *response.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any, auth bool) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.APIURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		c.signHeaders(req.Header)
	}

	logger := c.logger
	if sid := domain.SessionIDFromContext(ctx); sid != "" {
		logger = logger.With("session", sid)
	}
	logger.Debug("profile service request", "method", method, "endpoint", endpoint, "auth", auth)
	resp, err := c.roundTrip(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s %s: %w", method, endpoint, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &response{Status: resp.StatusCode, Body: raw}
	if err := json.Unmarshal(raw, &out.Envelope); err != nil {
		out.ParseErr = err
	}
	logger.Debug("profile service response",
		"endpoint", endpoint, "status", resp.StatusCode, "body", truncate(string(raw), 200))
	return out, nil
}

// roundTrip sends req through the circuit breaker when one is configured.
func (c *Client) roundTrip(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.http.Do(req)
	}
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.http.Do(req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("profile service circuit open: %w", domain.ErrServiceUnavailable)
	}
	return resp, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
