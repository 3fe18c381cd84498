package domain

import "context"

// ProfileSummary is one entry of the profile service's listing.
type ProfileSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// ProfileLease is the result of starting a remote profile.
// DebuggingEndpoint may be empty when only the port could be determined.
type ProfileLease struct {
	DebuggingEndpoint string         `json:"debugging_endpoint,omitempty"`
	Port              int            `json:"port,omitempty"`
	Raw               map[string]any `json:"raw,omitempty"`
}

// ProfileController leases and releases remote browser profiles.
// Implementations must be safe for concurrent use.
type ProfileController interface {
	Lease(ctx context.Context, profileID string) (*ProfileLease, error)
	// Release stops a profile. Releasing an already-stopped profile succeeds.
	Release(ctx context.Context, profileID string) (bool, error)
	ListProfiles(ctx context.Context, page, pageSize int) ([]ProfileSummary, error)
	ResolveByName(ctx context.Context, name string) (string, error)
	// FindByNameContains returns the first profile whose name contains term.
	FindByNameContains(ctx context.Context, term string) (ProfileSummary, error)
	CheckHealth(ctx context.Context) bool
}

// ProfileServiceParams carries per-request profile service connection
// settings. Empty fields fall back to the configured defaults.
type ProfileServiceParams struct {
	APIURL    string
	AppID     string
	SecretKey string
}

// ProfileControllerFactory builds a controller for the given connection
// settings.
type ProfileControllerFactory func(params ProfileServiceParams) (ProfileController, error)
