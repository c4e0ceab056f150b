// ABOUTME: Configuration loading and parsing for coven-directline
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-directline/internal/apierr"
	"github.com/2389/coven-directline/internal/directline"
	"github.com/2389/coven-directline/internal/identity"
)

// Config represents the complete coven-directline configuration
type Config struct {
	Identity   IdentityConfig   `yaml:"identity" toml:"identity"`
	DirectLine DirectLineConfig `yaml:"directline" toml:"directline"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Schedule   ScheduleConfig   `yaml:"schedule" toml:"schedule"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// IdentityConfig holds the app registration used to obtain identity tokens
type IdentityConfig struct {
	TenantID     string   `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	Flow         string   `yaml:"flow" toml:"flow"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
	Authority    string   `yaml:"authority" toml:"authority"`
	RedirectPort int      `yaml:"redirect_port" toml:"redirect_port"`

	InteractionTimeout    time.Duration `yaml:"-" toml:"-"`
	InteractionTimeoutRaw string        `yaml:"interaction_timeout" toml:"interaction_timeout"`
}

// Configured reports whether an app registration is present.
func (c IdentityConfig) Configured() bool {
	return c.ClientID != ""
}

// DirectLineConfig holds the service connection settings
type DirectLineConfig struct {
	Secret    string          `yaml:"secret" toml:"secret"`
	Region    string          `yaml:"region" toml:"region"`
	Endpoint  string          `yaml:"endpoint" toml:"endpoint"` // overrides region
	Retry     RetryConfig     `yaml:"retry" toml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// RetryConfig holds the retry policy for transient failures
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts" toml:"max_attempts"`
	Jitter      float64 `yaml:"jitter" toml:"jitter"`
	RetrySends  bool    `yaml:"retry_sends" toml:"retry_sends"`

	BaseDelay    time.Duration `yaml:"-" toml:"-"`
	MaxDelay     time.Duration `yaml:"-" toml:"-"`
	BaseDelayRaw string        `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string        `yaml:"max_delay" toml:"max_delay"`
}

// RateLimitConfig throttles outgoing requests; RPS 0 disables it
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" toml:"rps"`
	Burst int     `yaml:"burst" toml:"burst"`
}

// SessionConfig holds per-conversation settings
type SessionConfig struct {
	UserID                string   `yaml:"user_id" toml:"user_id"`
	UserName              string   `yaml:"user_name" toml:"user_name"`
	EnhancedAuth          bool     `yaml:"enhanced_auth" toml:"enhanced_auth"`
	AllowUnprefixedUserID bool     `yaml:"allow_unprefixed_user_id" toml:"allow_unprefixed_user_id"`
	TrustedOrigins        []string `yaml:"trusted_origins" toml:"trusted_origins"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// ScheduleConfig holds poll and refresh loop timing. Zero values take the
// loop defaults.
type ScheduleConfig struct {
	MinInterval     time.Duration `yaml:"-" toml:"-"`
	MaxInterval     time.Duration `yaml:"-" toml:"-"`
	IdleTimeout     time.Duration `yaml:"-" toml:"-"`
	RefreshInterval time.Duration `yaml:"-" toml:"-"`

	MinIntervalRaw     string `yaml:"min_interval" toml:"min_interval"`
	MaxIntervalRaw     string `yaml:"max_interval" toml:"max_interval"`
	IdleTimeoutRaw     string `yaml:"idle_timeout" toml:"idle_timeout"`
	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
}

// StoreConfig holds the checkpoint database location; empty disables it
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultRedirectPort   = 8400
	DefaultMetricsAddr    = "127.0.0.1:9464"
	DefaultMetricsPath    = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// FromEnv builds a Config from environment variables alone. The result is
// not validated.
func FromEnv() (*Config, error) {
	cfg := Config{
		Identity: IdentityConfig{
			TenantID:     os.Getenv("ENTRA_TENANT_ID"),
			ClientID:     os.Getenv("ENTRA_CLIENT_ID"),
			ClientSecret: os.Getenv("ENTRA_CLIENT_SECRET"),
		},
		DirectLine: DirectLineConfig{
			Secret:   os.Getenv("DIRECT_LINE_SECRET"),
			Region:   os.Getenv("DIRECT_LINE_REGION"),
			Endpoint: os.Getenv("DIRECT_LINE_ENDPOINT"),
		},
		Session: SessionConfig{
			UserID: os.Getenv("DIRECT_LINE_USER_ID"),
		},
		Logging: LoggingConfig{
			Level: os.Getenv("LOG_LEVEL"),
			File:  os.Getenv("LOG_FILE"),
		},
	}
	cfg.Session.EnhancedAuth = cfg.Identity.Configured()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultPath returns the first config file that exists, checking
// COVEN_DIRECTLINE_CONFIG, ./directline.yaml, ./directline.toml and
// ~/.config/coven/directline.yaml. It returns "" when none exists.
func DefaultPath() string {
	candidates := []string{os.Getenv("COVEN_DIRECTLINE_CONFIG"), "directline.yaml", "directline.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "coven", "directline.yaml"))
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.DirectLine.Region == "" {
		c.DirectLine.Region = "global"
	}
	if c.DirectLine.RequestTimeout == 0 {
		c.DirectLine.RequestTimeout = DefaultRequestTimeout
	}
	if c.DirectLine.Retry.MaxAttempts == 0 {
		c.DirectLine.Retry.MaxAttempts = 1
	}
	if c.Identity.InteractionTimeout == 0 {
		c.Identity.InteractionTimeout = identity.DefaultInteractionTimeout
	}
	if c.Identity.RedirectPort == 0 {
		c.Identity.RedirectPort = DefaultRedirectPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	c.Store.Path = expandHome(c.Store.Path)
	c.Logging.File = expandHome(c.Logging.File)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Enhanced sessions are issued with the identity token. Anonymous
	// sessions, generated tokens and resumes need the secret.
	if c.DirectLine.Secret == "" && !c.Session.EnhancedAuth {
		return invalid("directline.secret is required unless session.enhanced_auth is on")
	}
	if c.DirectLine.Endpoint == "" {
		if _, err := directline.EndpointForRegion(c.DirectLine.Region); err != nil {
			return invalid("directline.region %q is not one of global, europe, india", c.DirectLine.Region)
		}
	}
	if c.DirectLine.Retry.MaxAttempts < 1 {
		return invalid("directline.retry.max_attempts must be at least 1")
	}
	if j := c.DirectLine.Retry.Jitter; j < 0 || j > 1 {
		return invalid("directline.retry.jitter must be between 0 and 1")
	}
	if c.DirectLine.RateLimit.RPS < 0 {
		return invalid("directline.rate_limit.rps must not be negative")
	}

	switch identity.Flow(c.Identity.Flow) {
	case "", identity.FlowInteractive:
	case identity.FlowClientCredentials:
		if c.Identity.ClientSecret == "" {
			return invalid("identity.client_secret is required for the client_credentials flow")
		}
	default:
		return invalid("identity.flow %q must be interactive or client_credentials", c.Identity.Flow)
	}
	if c.Session.EnhancedAuth {
		if c.Identity.ClientID == "" {
			return invalid("identity.client_id is required when session.enhanced_auth is on")
		}
		if c.Identity.TenantID == "" && c.Identity.Authority == "" {
			return invalid("identity.tenant_id is required when session.enhanced_auth is on")
		}
	}
	if c.Identity.InteractionTimeout != 0 && c.Identity.InteractionTimeout < identity.MinInteractionTimeout {
		return invalid("identity.interaction_timeout must be at least %s", identity.MinInteractionTimeout)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return invalid("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return apierr.New(apierr.KindConfiguration, "config", fmt.Sprintf(format, args...))
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"identity.interaction_timeout", cfg.Identity.InteractionTimeoutRaw, &cfg.Identity.InteractionTimeout},
		{"directline.request_timeout", cfg.DirectLine.RequestTimeoutRaw, &cfg.DirectLine.RequestTimeout},
		{"directline.retry.base_delay", cfg.DirectLine.Retry.BaseDelayRaw, &cfg.DirectLine.Retry.BaseDelay},
		{"directline.retry.max_delay", cfg.DirectLine.Retry.MaxDelayRaw, &cfg.DirectLine.Retry.MaxDelay},
		{"session.dedupe_ttl", cfg.Session.DedupeTTLRaw, &cfg.Session.DedupeTTL},
		{"schedule.min_interval", cfg.Schedule.MinIntervalRaw, &cfg.Schedule.MinInterval},
		{"schedule.max_interval", cfg.Schedule.MaxIntervalRaw, &cfg.Schedule.MaxInterval},
		{"schedule.idle_timeout", cfg.Schedule.IdleTimeoutRaw, &cfg.Schedule.IdleTimeout},
		{"schedule.refresh_interval", cfg.Schedule.RefreshIntervalRaw, &cfg.Schedule.RefreshInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
