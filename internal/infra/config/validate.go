package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// MaxConcurrency caps orchestrator workers.
const MaxConcurrency = 10

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateProfileService(cfg, ve)
	validateBrowser(cfg, ve)
	validateVerify(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateGateway(cfg, ve)
	validateStore(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateProfileService(cfg *Config, ve *ValidationError) {
	ps := cfg.ProfileService
	if ps.APIURL == "" {
		ve.Add("profile_service.api_url must not be empty")
	} else if u, err := url.Parse(ps.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("profile_service.api_url %q is not an absolute URL", ps.APIURL)
	}
	if (ps.AppID == "") != (ps.SecretKey == "") {
		ve.Add("profile_service.app_id and profile_service.secret_key must be set together")
	}
	if strings.HasPrefix(ps.SecretKey, "enc:") {
		ve.Add("profile_service.secret_key is encrypted but LOGINPILOT_CONFIG_KEY is not set")
	}
	if ps.Timeout <= 0 {
		ve.Add("profile_service.timeout must be > 0")
	}
	if ps.DebugHost == "" {
		ve.Add("profile_service.debug_host must not be empty")
	}
	if ps.Rate.RequestsPerSecond < 0 {
		ve.Add("profile_service.rate.requests_per_second must be >= 0")
	}
	if ps.Rate.RequestsPerSecond > 0 && ps.Rate.Burst <= 0 {
		ve.Add("profile_service.rate.burst must be > 0 when rate limiting is enabled")
	}
	if ps.Breaker.Enabled {
		if ps.Breaker.ConsecutiveFailures == 0 {
			ve.Add("profile_service.breaker.consecutive_failures must be > 0")
		}
		if ps.Breaker.Timeout <= 0 {
			ve.Add("profile_service.breaker.timeout must be > 0")
		}
	}
}

func validateBrowser(cfg *Config, ve *ValidationError) {
	for name, raw := range map[string]string{
		"browser.login_url":   cfg.Browser.LoginURL,
		"browser.landing_url": cfg.Browser.LandingURL,
	} {
		u, err := url.Parse(raw)
		if raw == "" || err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("%s %q is not an absolute URL", name, raw)
		}
	}
	if cfg.Browser.NavigationTimeout <= 0 {
		ve.Add("browser.navigation_timeout must be > 0")
	}
	if cfg.Browser.EvaluateTimeout <= 0 {
		ve.Add("browser.evaluate_timeout must be > 0")
	}
}

func validateVerify(cfg *Config, ve *ValidationError) {
	v := cfg.Verify
	if v.InitialSettle < 0 {
		ve.Add("verify.initial_settle must be >= 0")
	}
	if v.PollInterval <= 0 {
		ve.Add("verify.poll_interval must be > 0")
	}
	if v.MaxRetries <= 0 {
		ve.Add("verify.max_retries must be > 0")
	}
	if v.StuckOnLoginAfter < 0 || v.SoftRejectGraceAfter < 0 || v.UnknownUserGraceAfter < 0 {
		ve.Add("verify grace thresholds must be >= 0")
	}
	if v.ReleaseDelay < 0 {
		ve.Add("verify.release_delay must be >= 0")
	}
	if v.CleanupTimeout <= 0 {
		ve.Add("verify.cleanup_timeout must be > 0")
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.Concurrency < 1 || o.Concurrency > MaxConcurrency {
		ve.Add("orchestrator.concurrency must be between 1 and %d, got %d", MaxConcurrency, o.Concurrency)
	}
	if o.StaggerDelay < 0 {
		ve.Add("orchestrator.stagger_delay must be >= 0")
	}
	if o.PausePoll <= 0 {
		ve.Add("orchestrator.pause_poll must be > 0")
	}
	if o.LogCapacity <= 0 {
		ve.Add("orchestrator.log_capacity must be > 0")
	}
	if o.PipelineURL != "" {
		if u, err := url.Parse(o.PipelineURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("orchestrator.pipeline_url %q is not an absolute URL", o.PipelineURL)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is invalid: %v", cfg.Gateway.Addr, err)
	}
	if cfg.Gateway.ShutdownTimeout <= 0 {
		ve.Add("gateway.shutdown_timeout must be > 0")
	}
	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			ve.Add("gateway.rate_limit.requests_per_second must be > 0")
		}
		if rl.Burst <= 0 {
			ve.Add("gateway.rate_limit.burst must be > 0")
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Enabled && cfg.Store.Path == "" {
		ve.Add("store.path must not be empty when the store is enabled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
}
