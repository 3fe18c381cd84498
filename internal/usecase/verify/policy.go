package verify

import (
	"time"

	"loginpilot/internal/domain"
	"loginpilot/internal/infra/config"
)

// Policy holds the tunables of a verification session.
type Policy struct {
	LoginURL          string
	LandingURL        string
	NavigationTimeout time.Duration
	DebugHost         string

	InitialSettle time.Duration
	PollInterval  time.Duration
	MaxRetries    int
	// StuckOnLoginAfter fails the session when the page is still on the
	// login route after this many polls.
	StuckOnLoginAfter int
	// SoftRejectGraceAfter accepts an authenticated page whose identity
	// check was rejected once this many polls have passed.
	SoftRejectGraceAfter int
	// UnknownUserGraceAfter accepts an authenticated page with no identity
	// once this many polls have passed.
	UnknownUserGraceAfter int

	ReleaseDelay      time.Duration
	CleanupTimeout    time.Duration
	DefaultSearchTerm string
	// ChallengeSelectors match elements showing an operator challenge
	// such as a captcha.
	ChallengeSelectors []string

	// DefaultService fills connection fields a request leaves empty.
	DefaultService       domain.ProfileServiceParams
	AllowUnauthenticated bool
}

// PolicyFromConfig builds a Policy from configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		LoginURL:              cfg.Browser.LoginURL,
		LandingURL:            cfg.Browser.LandingURL,
		NavigationTimeout:     cfg.Browser.NavigationTimeout,
		DebugHost:             cfg.ProfileService.DebugHost,
		InitialSettle:         cfg.Verify.InitialSettle,
		PollInterval:          cfg.Verify.PollInterval,
		MaxRetries:            cfg.Verify.MaxRetries,
		StuckOnLoginAfter:     cfg.Verify.StuckOnLoginAfter,
		SoftRejectGraceAfter:  cfg.Verify.SoftRejectGraceAfter,
		UnknownUserGraceAfter: cfg.Verify.UnknownUserGraceAfter,
		ReleaseDelay:          cfg.Verify.ReleaseDelay,
		CleanupTimeout:        cfg.Verify.CleanupTimeout,
		DefaultSearchTerm:     cfg.Verify.DefaultSearchTerm,
		ChallengeSelectors:    cfg.Verify.ChallengeSelectors,
		DefaultService: domain.ProfileServiceParams{
			APIURL:    cfg.ProfileService.APIURL,
			AppID:     cfg.ProfileService.AppID,
			SecretKey: cfg.ProfileService.SecretKey,
		},
		AllowUnauthenticated: cfg.ProfileService.AllowUnauthenticated,
	}
}

// DefaultPolicy returns the policy of the default configuration.
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.Defaults())
}

// serviceParams merges request connection fields over the defaults.
func (p Policy) serviceParams(req domain.PipelineRequest) domain.ProfileServiceParams {
	params := p.DefaultService
	if req.APIURL != "" {
		params.APIURL = req.APIURL
	}
	if req.AppID != "" || req.SecretKey != "" {
		params.AppID = req.AppID
		params.SecretKey = req.SecretKey
	}
	return params
}
