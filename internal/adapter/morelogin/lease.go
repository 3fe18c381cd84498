package morelogin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"loginpilot/internal/domain"
)

func leaseStrategies(id string) []Strategy {
	return []Strategy{
		{Name: "v1/profile/start ids=string", Endpoint: "/api/v1/profile/start", Payload: map[string]any{"ids": id, "headless": false}, Auth: true},
		{Name: "env/start", Endpoint: "/api/env/start", Payload: map[string]any{"envId": id, "isHeadless": false}, Auth: true},
		{Name: "env/start unauthenticated", Endpoint: "/api/env/start", Payload: map[string]any{"envId": id, "isHeadless": false}, Auth: false},
		{Name: "v1/profile/start ids=array", Endpoint: "/api/v1/profile/start", Payload: map[string]any{"ids": []string{id}, "headless": false}, Auth: true},
		{Name: "v1/profile/start ids=array unauthenticated", Endpoint: "/api/v1/profile/start", Payload: map[string]any{"ids": []string{id}, "headless": false}, Auth: false},
	}
}

// Lease starts the profile, or attaches to it when it is already running,
// and returns its debugging endpoint.
func (c *Client) Lease(ctx context.Context, profileID string) (*domain.ProfileLease, error) {
	if strings.TrimSpace(profileID) == "" {
		return nil, domain.NewDomainError("morelogin.Lease", domain.ErrInvalidInput, "empty profile id")
	}

	if data, ok := c.runningStatus(ctx, profileID); ok {
		c.logger.Info("profile already running", "profile_id", profileID)
		return c.buildLease(ctx, data, profileID), nil
	}

	resp, err := c.execute(ctx, "lease "+profileID, leaseStrategies(profileID), requireOK)
	if err != nil {
		return nil, err
	}
	data, err := resp.data()
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", profileID, err)
	}
	lease := c.buildLease(ctx, data, profileID)
	c.logger.Info("profile started", "profile_id", profileID,
		"port", lease.Port, "endpoint", lease.DebuggingEndpoint)
	return lease, nil
}

// runningStatus asks whether the profile is already running. Any failure
// is treated as "not running". Without credentials the check only runs
// when unsigned calls are allowed.
func (c *Client) runningStatus(ctx context.Context, profileID string) (any, bool) {
	if !c.opts.HasCredentials() && !c.opts.AllowUnauthenticated {
		return nil, false
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/env/status", map[string]any{"envId": profileID}, true)
	if err != nil {
		c.logger.Debug("status check failed", "profile_id", profileID, "error", err)
		return nil, false
	}
	if !resp.OK() {
		return nil, false
	}
	data, err := resp.data()
	if err != nil {
		return nil, false
	}
	m, _ := data.(map[string]any)
	status := stringField(m, "status", "localStatus")
	if !strings.EqualFold(status, "running") {
		return nil, false
	}
	return data, true
}

// buildLease normalizes the start response. The payload may be keyed by
// profile id or wrapped in a list; the port may be a string or a number.
func (c *Client) buildLease(ctx context.Context, data any, profileID string) *domain.ProfileLease {
	target := normalizeStartData(data, profileID)
	lease := &domain.ProfileLease{Raw: target}

	lease.Port = portField(target, "debugPort", "port")
	if ws := stringField(target, "webSocketDebuggerUrl", "wsEndpoint"); ws != "" {
		lease.DebuggingEndpoint = ws
	}
	if lease.Port > 0 && lease.DebuggingEndpoint == "" {
		ws, err := c.discoverEndpoint(ctx, lease.Port)
		if err != nil {
			c.logger.Warn("debugging endpoint discovery failed, using port only",
				"profile_id", profileID, "port", lease.Port, "error", err)
		} else {
			lease.DebuggingEndpoint = ws
		}
	}
	return lease
}

func normalizeStartData(data any, profileID string) map[string]any {
	switch v := data.(type) {
	case map[string]any:
		if inner, ok := v[profileID].(map[string]any); ok {
			return inner
		}
		return v
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return map[string]any{}
}

// discoverEndpoint reads webSocketDebuggerUrl from the browser's
// /json/version document.
func (c *Client) discoverEndpoint(ctx context.Context, port int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	url := "http://" + net.JoinHostPort(c.opts.DebugHost, strconv.Itoa(port)) + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/json/version: HTTP %d", resp.StatusCode)
	}

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("/json/version: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("/json/version: no webSocketDebuggerUrl")
	}
	return version.WebSocketDebuggerURL, nil
}

// stringField returns the first non-empty field among keys, rendering
// numbers in full precision.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func portField(m map[string]any, keys ...string) int {
	s := stringField(m, keys...)
	if s == "" {
		return 0
	}
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}
