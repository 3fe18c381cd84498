package morelogin

import (
	"log/slog"
	"strings"
	"sync"

	"loginpilot/internal/domain"
)

// Factory hands out clients for per-request connection settings. Clients
// are cached per settings so that concurrent sessions against the same
// service share one breaker and one rate limiter.
type Factory struct {
	base   Options
	logger *slog.Logger

	mu      sync.Mutex
	clients map[domain.ProfileServiceParams]*Client
}

// NewFactory creates a Factory whose empty fields fall back to base.
func NewFactory(base Options, logger *slog.Logger) *Factory {
	return &Factory{
		base:    base,
		logger:  logger,
		clients: make(map[domain.ProfileServiceParams]*Client),
	}
}

// Client returns the client for params.
func (f *Factory) Client(params domain.ProfileServiceParams) *Client {
	opts := f.base
	if params.APIURL != "" {
		opts.APIURL = params.APIURL
	}
	if params.AppID != "" || params.SecretKey != "" {
		opts.AppID = params.AppID
		opts.SecretKey = params.SecretKey
	}
	key := domain.ProfileServiceParams{
		APIURL:    strings.TrimRight(opts.APIURL, "/"),
		AppID:     opts.AppID,
		SecretKey: opts.SecretKey,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}
	c := New(opts, f.logger)
	f.clients[key] = c
	return c
}

// Controller adapts Client to domain.ProfileControllerFactory.
func (f *Factory) Controller(params domain.ProfileServiceParams) (domain.ProfileController, error) {
	return f.Client(params), nil
}
