// Package config provides YAML configuration loading with validation and
// environment variable substitution for the governor daemon.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Admin    AdminConfig    `yaml:"admin" json:"admin"`
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	Governor GovernorConfig `yaml:"governor" json:"governor"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// AdminConfig holds diagnostics API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// UpstreamConfig holds CRM API connection settings.
type UpstreamConfig struct {
	BaseURL string             `yaml:"base_url" json:"base_url"`
	Timeout time.Duration      `yaml:"timeout" json:"timeout"`
	Auth    UpstreamAuthConfig `yaml:"auth" json:"auth"`
}

// UpstreamAuthConfig holds the service-account credentials for the bearer
// assertion presented to the CRM.
type UpstreamAuthConfig struct {
	Issuer     string        `yaml:"issuer" json:"issuer"`
	Subject    string        `yaml:"subject" json:"subject"`
	Audience   string        `yaml:"audience" json:"audience"`
	SigningKey string        `yaml:"signing_key" json:"-"`
	TokenTTL   time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// Governor profiles. The server profile is the conservative default tuned to
// stay under the CRM's rate limit; the client profile is the interactive
// variant: single dispatch lane, shorter cache, newer submissions supersede
// queued ones for the same key.
const (
	ProfileServer = "server"
	ProfileClient = "client"
)

// GovernorConfig holds governor tuning. Zero fields take profile defaults.
type GovernorConfig struct {
	Profile             string        `yaml:"profile" json:"profile"`
	MaxConcurrent       int           `yaml:"max_concurrent" json:"max_concurrent"`
	MinDispatchInterval time.Duration `yaml:"min_dispatch_interval" json:"min_dispatch_interval"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	BaseRetryDelay      time.Duration `yaml:"base_retry_delay" json:"base_retry_delay"`
	CacheTTL            time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	CacheSweepInterval  time.Duration `yaml:"cache_sweep_interval" json:"cache_sweep_interval"`
	FailureThreshold    int           `yaml:"failure_threshold" json:"failure_threshold"`
	MonitoringPeriod    time.Duration `yaml:"monitoring_period" json:"monitoring_period"`
	ResetTimeout        time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	Supersede           *bool         `yaml:"supersede" json:"supersede"`
}

// SupersedeEnabled returns the supersede policy, defaulting by profile.
func (g GovernorConfig) SupersedeEnabled() bool {
	if g.Supersede != nil {
		return *g.Supersede
	}
	return g.Profile == ProfileClient
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 15 * time.Second
	}
	if cfg.Upstream.Auth.TokenTTL == 0 {
		cfg.Upstream.Auth.TokenTTL = 5 * time.Minute
	}

	g := &cfg.Governor
	if g.Profile == "" {
		g.Profile = ProfileServer
	}
	if g.MaxConcurrent == 0 {
		if g.Profile == ProfileClient {
			g.MaxConcurrent = 1
		} else {
			g.MaxConcurrent = 2
		}
	}
	if g.MinDispatchInterval == 0 {
		g.MinDispatchInterval = 300 * time.Millisecond
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.BaseRetryDelay == 0 {
		g.BaseRetryDelay = 1 * time.Second
	}
	if g.CacheTTL == 0 {
		if g.Profile == ProfileClient {
			g.CacheTTL = 30 * time.Second
		} else {
			g.CacheTTL = 60 * time.Second
		}
	}
	if g.CacheSweepInterval == 0 {
		g.CacheSweepInterval = 30 * time.Second
	}
	if g.FailureThreshold == 0 {
		g.FailureThreshold = 5
	}
	if g.MonitoringPeriod == 0 {
		g.MonitoringPeriod = 60 * time.Second
	}
	if g.ResetTimeout == 0 {
		g.ResetTimeout = 30 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url: host is required")
	}
	if cfg.Upstream.Auth.SigningKey == "" {
		return fmt.Errorf("upstream.auth.signing_key is required")
	}
	if cfg.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must be non-negative")
	}

	g := cfg.Governor
	if g.Profile != ProfileServer && g.Profile != ProfileClient {
		return fmt.Errorf("governor.profile must be %q or %q, got %q", ProfileServer, ProfileClient, g.Profile)
	}
	if g.MaxConcurrent < 1 {
		return fmt.Errorf("governor.max_concurrent must be positive")
	}
	if g.MinDispatchInterval < 0 {
		return fmt.Errorf("governor.min_dispatch_interval must be non-negative")
	}
	if g.MaxRetries < 1 {
		return fmt.Errorf("governor.max_retries must be positive")
	}
	if g.BaseRetryDelay <= 0 {
		return fmt.Errorf("governor.base_retry_delay must be positive")
	}
	if g.CacheTTL <= 0 {
		return fmt.Errorf("governor.cache_ttl must be positive")
	}
	if g.CacheSweepInterval < 0 {
		return fmt.Errorf("governor.cache_sweep_interval must be non-negative")
	}
	if g.FailureThreshold < 1 {
		return fmt.Errorf("governor.failure_threshold must be positive")
	}
	if g.MonitoringPeriod <= 0 {
		return fmt.Errorf("governor.monitoring_period must be positive")
	}
	if g.ResetTimeout <= 0 {
		return fmt.Errorf("governor.reset_timeout must be positive")
	}

	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Upstream.Auth.SigningKey, "${") {
		warnings = append(warnings, "upstream.auth.signing_key contains unresolved environment variable")
	}
	if cfg.Governor.Profile == ProfileClient && cfg.Governor.MaxConcurrent > 1 {
		warnings = append(warnings, "client profile normally runs with max_concurrent 1")
	}
	return warnings
}
