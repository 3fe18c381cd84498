package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	ProfileService ProfileServiceConfig `yaml:"profile_service"`
	Browser        BrowserConfig        `yaml:"browser"`
	Verify         VerifyConfig         `yaml:"verify"`
	Orchestrator   OrchestratorConfig   `yaml:"orchestrator"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Store          StoreConfig          `yaml:"store"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
}

// ProfileServiceConfig holds the MoreLogin local API connection.
type ProfileServiceConfig struct {
	APIURL    string `yaml:"api_url"`
	AppID     string `yaml:"app_id"`
	SecretKey string `yaml:"secret_key"` // may be "enc:..."
	// AllowUnauthenticated enables the fallback strategies that omit the
	// signature headers.
	AllowUnauthenticated bool          `yaml:"allow_unauthenticated"`
	Timeout              time.Duration `yaml:"timeout"`
	// DebugHost is the host used to reach a started profile's debugging port.
	DebugHost string        `yaml:"debug_host"`
	Rate      RateConfig    `yaml:"rate"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// RateConfig paces outbound profile service calls.
type RateConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int     `yaml:"burst"`
}

// BreakerConfig holds circuit breaker settings for the profile service transport.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
}

// BrowserConfig holds remote browser session settings.
type BrowserConfig struct {
	LoginURL          string        `yaml:"login_url"`
	LandingURL        string        `yaml:"landing_url"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	EvaluateTimeout   time.Duration `yaml:"evaluate_timeout"`
}

// VerifyConfig holds the verification loop policy.
type VerifyConfig struct {
	InitialSettle         time.Duration `yaml:"initial_settle"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	MaxRetries            int           `yaml:"max_retries"`
	StuckOnLoginAfter     int           `yaml:"stuck_on_login_after"`
	SoftRejectGraceAfter  int           `yaml:"soft_reject_grace_after"`
	UnknownUserGraceAfter int           `yaml:"unknown_user_grace_after"`
	ReleaseDelay          time.Duration `yaml:"release_delay"`
	CleanupTimeout        time.Duration `yaml:"cleanup_timeout"`
	DefaultSearchTerm     string        `yaml:"default_search_term"`
	ChallengeSelectors    []string      `yaml:"challenge_selectors"`
}

// OrchestratorConfig holds bulk run settings.
type OrchestratorConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	StaggerDelay    time.Duration `yaml:"stagger_delay"`
	PausePoll       time.Duration `yaml:"pause_poll"`
	LogCapacity     int           `yaml:"log_capacity"`
	CloseAfterLogin bool          `yaml:"close_after_login"`
	// PipelineURL points at a remote pipeline endpoint. Empty runs the
	// pipeline in process.
	PipelineURL string `yaml:"pipeline_url"`
}

// GatewayConfig holds the HTTP pipeline server settings.
type GatewayConfig struct {
	Addr            string          `yaml:"addr"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	// AllowedAPIHosts lists non-loopback hosts a request may name in apiUrl.
	AllowedAPIHosts []string `yaml:"allowed_api_hosts"`
}

// RateLimitConfig holds per-IP rate limiting for the gateway.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StoreConfig holds run history persistence settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.loginpilot.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".loginpilot")
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		ProfileService: ProfileServiceConfig{
			APIURL:    "http://127.0.0.1:40000",
			Timeout:   30 * time.Second,
			DebugHost: "127.0.0.1",
			Rate:      RateConfig{RequestsPerSecond: 5, Burst: 5},
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
			},
		},
		Browser: BrowserConfig{
			LoginURL:          "https://discord.com/login",
			LandingURL:        "https://discord.com/channels/@me",
			NavigationTimeout: 15 * time.Second,
			EvaluateTimeout:   10 * time.Second,
		},
		Verify: VerifyConfig{
			InitialSettle:         5 * time.Second,
			PollInterval:          2 * time.Second,
			MaxRetries:            60,
			StuckOnLoginAfter:     15,
			SoftRejectGraceAfter:  5,
			UnknownUserGraceAfter: 20,
			ReleaseDelay:          2 * time.Second,
			CleanupTimeout:        30 * time.Second,
			DefaultSearchTerm:     "Discord",
			ChallengeSelectors: []string{
				`iframe[src*="hcaptcha"]`,
				`iframe[src*="recaptcha"]`,
				`iframe[title*="captcha" i]`,
			},
		},
		Orchestrator: OrchestratorConfig{
			Concurrency:     1,
			StaggerDelay:    3 * time.Second,
			PausePoll:       500 * time.Millisecond,
			LogCapacity:     1000,
			CloseAfterLogin: true,
		},
		Gateway: GatewayConfig{
			Addr:            "127.0.0.1:3000",
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       RateLimitConfig{Enabled: true, RequestsPerSecond: 2, Burst: 10},
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "runs.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and returns a Config. A missing file yields
// the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("LOGINPILOT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overrides config values from LOGINPILOT_* environment variables.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOGINPILOT_API_URL"); v != "" {
		cfg.ProfileService.APIURL = v
	}
	if v := os.Getenv("LOGINPILOT_APP_ID"); v != "" {
		cfg.ProfileService.AppID = v
	}
	if v := os.Getenv("LOGINPILOT_SECRET_KEY"); v != "" {
		cfg.ProfileService.SecretKey = v
	}
	if v := os.Getenv("LOGINPILOT_ALLOW_UNAUTHENTICATED"); v != "" {
		cfg.ProfileService.AllowUnauthenticated = v == "true"
	}
	if v := os.Getenv("LOGINPILOT_DEBUG_HOST"); v != "" {
		cfg.ProfileService.DebugHost = v
	}
	if v := os.Getenv("LOGINPILOT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.Concurrency = n
		}
	}
	if v := os.Getenv("LOGINPILOT_PIPELINE_URL"); v != "" {
		cfg.Orchestrator.PipelineURL = v
	}
	if v := os.Getenv("LOGINPILOT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("LOGINPILOT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LOGINPILOT_STORE_ENABLED"); v == "false" {
		cfg.Store.Enabled = false
	}
	if v := os.Getenv("LOGINPILOT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Verify.MaxRetries = n
		}
	}
	if v := os.Getenv("LOGINPILOT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Verify.PollInterval = d
		}
	}
	if v := os.Getenv("LOGINPILOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LOGINPILOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LOGINPILOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LOGINPILOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	key := cfg.ProfileService.SecretKey
	if !strings.HasPrefix(key, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
	if err != nil {
		return fmt.Errorf("profile_service secret_key: %w", err)
	}
	cfg.ProfileService.SecretKey = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) ":" hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
// The file may carry the profile service secret.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
