package morelogin

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"loginpilot/internal/domain"
)

// Strategy is one way of asking the service to do something. Different
// service versions accept different endpoints and payload shapes.
type Strategy struct {
	Name     string
	Method   string
	Endpoint string
	Payload  any
	Auth     bool
	// Always runs the strategy whatever the credential policy, signed
	// when credentials are configured. Used for read-only calls.
	Always bool
}

func (s Strategy) label() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s %s (auth=%t)", s.Method, s.Endpoint, s.Auth)
}

// Attempt records why one strategy failed.
type Attempt struct {
	Strategy string
	Reason   string
	// Status is the HTTP status of the answer, 0 when none arrived.
	Status int
}

// StrategyError reports that every applicable strategy failed.
type StrategyError struct {
	Op       string
	Attempts []Attempt
}

func (e *StrategyError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: no applicable strategy (missing credentials and unauthenticated fallback disabled)", e.Op)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Strategy + ": " + a.Reason
	}
	return fmt.Sprintf("%s: all %d strategies failed: [%s]", e.Op, len(e.Attempts), strings.Join(parts, "; "))
}

func (e *StrategyError) Unwrap() error { return domain.ErrStrategiesExhausted }

// sawStatus reports whether any attempt was answered with status.
func (e *StrategyError) sawStatus(status int) bool {
	for _, a := range e.Attempts {
		if a.Status == status {
			return true
		}
	}
	return false
}

// acceptFunc decides whether a response completes the operation. It
// returns "" on success, otherwise the failure reason.
type acceptFunc func(*response) string

func requireOK(r *response) string {
	if r.OK() {
		return ""
	}
	return r.failureReason()
}

// applicable reports whether s may run with the client's configuration.
func (c *Client) applicable(s Strategy) bool {
	if s.Always {
		return true
	}
	if s.Auth {
		return c.opts.HasCredentials()
	}
	return c.opts.AllowUnauthenticated
}

// execute runs strategies strictly in order and returns the first accepted
// response. Skipped strategies are not attempts. Caller cancellation stops
// the sequence immediately.
func (c *Client) execute(ctx context.Context, op string, strategies []Strategy, accept acceptFunc) (*response, error) {
	serr := &StrategyError{Op: op}
	for _, s := range strategies {
		if !c.applicable(s) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		method := s.Method
		if method == "" {
			method = http.MethodPost
		}
		resp, err := c.do(ctx, method, s.Endpoint, s.Payload, s.Auth || s.Always)
		var reason string
		status := 0
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			reason = err.Error()
		default:
			status = resp.Status
			reason = accept(resp)
		}
		if reason == "" {
			c.logger.Debug("strategy succeeded", "op", op, "strategy", s.label())
			return resp, nil
		}
		c.logger.Warn("strategy failed", "op", op, "strategy", s.label(), "reason", reason)
		serr.Attempts = append(serr.Attempts, Attempt{Strategy: s.label(), Reason: reason, Status: status})
	}
	return nil, serr
}
