package config

import (
	"time"
)

// Config represents the complete application configuration.
//
// Layers, lowest precedence first:
//  1. Built-in defaults (Defaults)
//  2. YAML user file (~/.config/cursorgate/config.yaml or --config)
//  3. Environment variables, including the legacy unprefixed names
//  4. Runtime overrides (command flags)
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Rotation  RotationConfig  `mapstructure:"rotation"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	API       APIConfig       `mapstructure:"api"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// RotationConfig controls how the credential pool is walked.
type RotationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval is "<n>[smh]"; anything else falls back to five minutes.
	Interval string        `mapstructure:"interval"`
	Delay    time.Duration `mapstructure:"delay"`
	Ceiling  int           `mapstructure:"ceiling"`
	// ResetWindow clears failure marks after this long without a failure.
	ResetWindow time.Duration `mapstructure:"reset_window"`
}

// ProxyConfig routes upstream traffic through an HTTP proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// RateLimitConfig toggles provider rate-limit detection. When disabled, no
// response body is inspected and no credential is ever banned.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// PoolConfig holds credentials supplied outside the store.
type PoolConfig struct {
	// Credentials is the comma-separated AUTH_COOKIE list.
	Credentials string `mapstructure:"credentials"`
	// Privileged routes X-Cursor-Tier: premium requests to premium records.
	Privileged bool `mapstructure:"privileged"`
}

// UpstreamConfig describes the chat provider endpoint.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ClientVersion  string        `mapstructure:"client_version"`
	Timezone       string        `mapstructure:"timezone"`
	ProbeModel     string        `mapstructure:"probe_model"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	HeaderTimeout  time.Duration `mapstructure:"header_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	// RetryBackoff is the pause before retrying after a failed attempt.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RecoveryConfig schedules the background recovery pass.
type RecoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	// MinGap debounces passes nudged by live traffic.
	MinGap time.Duration `mapstructure:"min_gap"`
}

// APIConfig shapes the OpenAI-compatible surface.
type APIConfig struct {
	// KeyRateLimit is chat requests per minute per client key. Zero disables it.
	KeyRateLimit int      `mapstructure:"key_rate_limit"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
}

// AdminConfig guards the admin API. An empty token disables it.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// LoggingConfig controls the server logger. The CLI always logs SIMPLE.
type LoggingConfig struct {
	// Level is trace, debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Profile is SIMPLE (console text) or STRUCTURED (JSON, the default).
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	// Metrics are also available at the main HTTP port in JSON format
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
