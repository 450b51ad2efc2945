// Package config provides centralized configuration management for cursorgate.
// It layers built-in defaults, an optional YAML user file, environment
// variables and runtime overrides, then decodes the merged tree into Config.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/cursorgate/cursorgate/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appidentity.Identity

	// configFile, when set, replaces user config discovery.
	configFile string
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetConfigFile pins the YAML user file. An empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host":                "0.0.0.0",
			"port":                3010,
			"read_header_timeout": "30s",
			"idle_timeout":        "120s",
			"shutdown_timeout":    "10s",
		},
		"store": map[string]any{
			"driver": "libsql",
		},
		"rotation": map[string]any{
			"enabled":  false,
			"interval": "5m",
			"delay":        "2s",
			"ceiling":      50,
			"reset_window": "5m",
		},
		"proxy": map[string]any{
			"enabled": false,
			"url":     "http://127.0.0.1:7890",
		},
		"rate_limit": map[string]any{
			"enabled": true,
		},
		"pool": map[string]any{
			"credentials": "",
			"privileged":  false,
		},
		"upstream": map[string]any{
			"base_url":        "https://api2.cursor.sh",
			"client_version":  "0.48.7",
			"timezone":        "Asia/Shanghai",
			"probe_model":     "claude-3.5-sonnet",
			"connect_timeout": "5s",
			"header_timeout":  "30s",
			"max_attempts":    20,
			"retry_backoff":   "500ms",
		},
		"recovery": map[string]any{
			"enabled":  true,
			"schedule": "*/10 * * * *",
			"min_gap":  "1m",
		},
		"api": map[string]any{
			"key_rate_limit": 0,
			"cors_origins":   []any{},
		},
		"admin": map[string]any{
			"token": "",
		},
		"logging": map[string]any{
			"level":   "info",
			"profile": "structured",
		},
		"metrics": map[string]any{
			"enabled": true,
			"port":    9090,
		},
		"health": map[string]any{
			"enabled": true,
		},
	}
}

// Load loads configuration using the layered pattern described on Config.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	merged := Defaults()

	userFile, err := readUserConfig()
	if err != nil {
		return nil, err
	}
	mergeMaps(merged, userFile)

	// Legacy names first so the prefixed form wins when both are set.
	legacy, err := gfconfig.LoadEnvOverrides(legacyEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load legacy environment overrides: %w", err)
	}
	mergeMaps(merged, legacy)

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	mergeMaps(merged, envOverrides)

	for _, override := range runtimeOverrides {
		mergeMaps(merged, override)
	}

	cfg, err := Decode(merged)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Decode converts a merged config tree into a typed Config.
func Decode(tree map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(tree); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Proxy.Enabled && strings.TrimSpace(c.Proxy.URL) == "" {
		return errors.New("proxy.enabled requires proxy.url")
	}
	if c.Upstream.MaxAttempts < 0 {
		return fmt.Errorf("upstream.max_attempts %d must not be negative", c.Upstream.MaxAttempts)
	}
	if c.Upstream.RetryBackoff < 0 {
		return fmt.Errorf("upstream.retry_backoff %s must not be negative", c.Upstream.RetryBackoff)
	}
	if c.Rotation.ResetWindow < 0 {
		return fmt.Errorf("rotation.reset_window %s must not be negative", c.Rotation.ResetWindow)
	}
	if c.API.KeyRateLimit < 0 {
		return fmt.Errorf("api.key_rate_limit %d must not be negative", c.API.KeyRateLimit)
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// readUserConfig returns the first YAML user file found, or an empty layer.
func readUserConfig() (map[string]any, error) {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	paths := getUserConfigPaths()
	if explicit != "" {
		paths = []string{explicit}
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && explicit == "" {
				continue
			}
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}

		layer := map[string]any{}
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		return layer, nil
	}
	return map[string]any{}, nil
}

// mergeMaps deep-merges src into dst. Nested maps merge; other values replace.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// getUserConfigPaths returns the list of user config file paths to check
// Uses gofulmen/config for XDG-compliant path discovery
func getUserConfigPaths() []string {
	configName, binaryName := appNamesForPaths()

	var legacyNames []string
	if binaryName != configName {
		legacyNames = append(legacyNames, binaryName)
	}
	return gfconfig.GetAppConfigPaths(configName, legacyNames...)
}

func envPrefix() string {
	return appid.EnvPrefix(appIdentity)
}

// EnvPrefix returns the prefix applied to environment overrides.
func EnvPrefix() string {
	return envPrefix()
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := envPrefix()

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_HEADER_TIMEOUT", Path: []string{"server", "read_header_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		{Name: prefix + "ROTATION_ENABLED", Path: []string{"rotation", "enabled"}, Type: EnvBool},
		{Name: prefix + "ROTATION_INTERVAL", Path: []string{"rotation", "interval"}, Type: EnvString},
		{Name: prefix + "ROTATION_DELAY", Path: []string{"rotation", "delay"}, Type: EnvString},
		{Name: prefix + "ROTATION_RESET_WINDOW", Path: []string{"rotation", "reset_window"}, Type: EnvString},

		{Name: prefix + "PROXY_ENABLED", Path: []string{"proxy", "enabled"}, Type: EnvBool},
		{Name: prefix + "PROXY_URL", Path: []string{"proxy", "url"}, Type: EnvString},

		{Name: prefix + "RATE_LIMIT_ENABLED", Path: []string{"rate_limit", "enabled"}, Type: EnvBool},

		{Name: prefix + "CREDENTIALS", Path: []string{"pool", "credentials"}, Type: EnvString},
		{Name: prefix + "PRIVILEGED", Path: []string{"pool", "privileged"}, Type: EnvBool},

		{Name: prefix + "UPSTREAM_BASE_URL", Path: []string{"upstream", "base_url"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_CLIENT_VERSION", Path: []string{"upstream", "client_version"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_TIMEZONE", Path: []string{"upstream", "timezone"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_PROBE_MODEL", Path: []string{"upstream", "probe_model"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_MAX_ATTEMPTS", Path: []string{"upstream", "max_attempts"}, Type: EnvInt},
		{Name: prefix + "UPSTREAM_RETRY_BACKOFF", Path: []string{"upstream", "retry_backoff"}, Type: EnvString},

		{Name: prefix + "RECOVERY_ENABLED", Path: []string{"recovery", "enabled"}, Type: EnvBool},
		{Name: prefix + "RECOVERY_SCHEDULE", Path: []string{"recovery", "schedule"}, Type: EnvString},

		{Name: prefix + "KEY_RATE_LIMIT", Path: []string{"api", "key_rate_limit"}, Type: EnvInt},
		{Name: prefix + "CORS_ORIGINS", Path: []string{"api", "cors_origins"}, Type: EnvString},

		{Name: prefix + "ADMIN_TOKEN", Path: []string{"admin", "token"}, Type: EnvString},

		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
	}
}

// legacyEnvSpecs maps the unprefixed names older deployments export.
func legacyEnvSpecs() []EnvVarSpec {
	return []EnvVarSpec{
		{Name: "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: "AUTH_COOKIE", Path: []string{"pool", "credentials"}, Type: EnvString},
		{Name: "COOKIE_ROTATION", Path: []string{"rotation", "enabled"}, Type: EnvBool},
		{Name: "COOKIE_TIME", Path: []string{"rotation", "interval"}, Type: EnvString},
		{Name: "PROXY_ENABLED", Path: []string{"proxy", "enabled"}, Type: EnvBool},
		{Name: "PROXY_URL", Path: []string{"proxy", "url"}, Type: EnvString},
		{Name: "RATELIMIT_WORK", Path: []string{"rate_limit", "enabled"}, Type: EnvBool},
		{Name: "ADMIN_PASSWORD", Path: []string{"admin", "token"}, Type: EnvString},
	}
}

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "cursorgate" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = appid.DefaultBinaryName
	binaryName = appid.DefaultBinaryName
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppDataDir(configName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}
