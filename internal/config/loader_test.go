package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate pins a known identity and points every XDG root at a temp dir.
func isolate(t *testing.T) {
	t.Helper()

	prev := appIdentity
	appIdentity = &appidentity.Identity{
		BinaryName: "cursorgate",
		ConfigName: "cursorgate",
		EnvPrefix:  "CURSORGATE_",
	}
	t.Cleanup(func() {
		appIdentity = prev
		SetConfigFile("")
	})

	root := t.TempDir()
	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))
	for _, key := range []string{"PORT", "AUTH_COOKIE", "COOKIE_ROTATION", "COOKIE_TIME",
		"PROXY_ENABLED", "PROXY_URL", "RATELIMIT_WORK", "ADMIN_PASSWORD"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 3010, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadHeaderTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "libsql", cfg.Store.Driver)
		assert.Equal(t, "cursorgate.db", filepath.Base(cfg.Store.Path))

		assert.False(t, cfg.Rotation.Enabled)
		assert.Equal(t, "5m", cfg.Rotation.Interval)
		assert.Equal(t, 2*time.Second, cfg.Rotation.Delay)
		assert.Equal(t, 5*time.Minute, cfg.Rotation.ResetWindow)
		assert.True(t, cfg.RateLimit.Enabled)
		assert.False(t, cfg.Proxy.Enabled)

		assert.Equal(t, "https://api2.cursor.sh", cfg.Upstream.BaseURL)
		assert.Equal(t, 20, cfg.Upstream.MaxAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.Upstream.RetryBackoff)
		assert.Equal(t, 5*time.Second, cfg.Upstream.ConnectTimeout)

		assert.True(t, cfg.Recovery.Enabled)
		assert.Equal(t, "*/10 * * * *", cfg.Recovery.Schedule)
		assert.Equal(t, time.Minute, cfg.Recovery.MinGap)

		assert.Empty(t, cfg.Admin.Token)
		assert.Equal(t, "info", cfg.Logging.Level)

		assert.Same(t, cfg, GetConfig())
	})

	t.Run("LegacyEnvironment", func(t *testing.T) {
		isolate(t)
		t.Setenv("PORT", "4000")
		t.Setenv("AUTH_COOKIE", "user_1::a,user_2::b")
		t.Setenv("COOKIE_ROTATION", "true")
		t.Setenv("COOKIE_TIME", "30s")
		t.Setenv("RATELIMIT_WORK", "false")
		t.Setenv("PROXY_ENABLED", "true")
		t.Setenv("PROXY_URL", "http://proxy:3128")
		t.Setenv("ADMIN_PASSWORD", "hunter2")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 4000, cfg.Server.Port)
		assert.Equal(t, "user_1::a,user_2::b", cfg.Pool.Credentials)
		assert.True(t, cfg.Rotation.Enabled)
		assert.Equal(t, "30s", cfg.Rotation.Interval)
		assert.False(t, cfg.RateLimit.Enabled)
		assert.True(t, cfg.Proxy.Enabled)
		assert.Equal(t, "http://proxy:3128", cfg.Proxy.URL)
		assert.Equal(t, "hunter2", cfg.Admin.Token)
	})

	t.Run("PrefixedEnvironmentWins", func(t *testing.T) {
		isolate(t)
		t.Setenv("PORT", "4000")
		t.Setenv("CURSORGATE_PORT", "5000")
		t.Setenv("CURSORGATE_CORS_ORIGINS", "https://a.example,https://b.example")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.CORSOrigins)
	})

	t.Run("RetryTimings", func(t *testing.T) {
		isolate(t)
		t.Setenv("CURSORGATE_UPSTREAM_RETRY_BACKOFF", "250ms")
		t.Setenv("CURSORGATE_ROTATION_RESET_WINDOW", "90s")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 250*time.Millisecond, cfg.Upstream.RetryBackoff)
		assert.Equal(t, 90*time.Second, cfg.Rotation.ResetWindow)
	})

	t.Run("YAMLFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8088
rotation:
  enabled: true
  interval: 2m
pool:
  privileged: true
api:
  key_rate_limit: 60
  cors_origins:
    - https://ui.example
`), 0o600))
		SetConfigFile(path)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 8088, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.True(t, cfg.Rotation.Enabled)
		assert.Equal(t, "2m", cfg.Rotation.Interval)
		assert.True(t, cfg.Pool.Privileged)
		assert.Equal(t, 60, cfg.API.KeyRateLimit)
		assert.Equal(t, []string{"https://ui.example"}, cfg.API.CORSOrigins)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("CURSORGATE_PORT", "5000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 6000},
		})
		require.NoError(t, err)
		assert.Equal(t, 6000, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	})

	t.Run("InvalidProxy", func(t *testing.T) {
		isolate(t)

		_, err := Load(ctx, map[string]any{
			"proxy": map[string]any{"enabled": true, "url": ""},
		})
		require.Error(t, err)
	})

	t.Run("NegativeRetryBackoff", func(t *testing.T) {
		isolate(t)

		_, err := Load(ctx, map[string]any{
			"upstream": map[string]any{"retry_backoff": "-1s"},
		})
		require.Error(t, err)
	})
}

func TestMergeMaps(t *testing.T) {
	dst := map[string]any{
		"server": map[string]any{"host": "a", "port": 1},
		"flat":   "x",
	}
	mergeMaps(dst, map[string]any{
		"server": map[string]any{"port": 2},
		"flat":   map[string]any{"now": "nested"},
	})

	assert.Equal(t, map[string]any{"host": "a", "port": 2}, dst["server"])
	assert.Equal(t, map[string]any{"now": "nested"}, dst["flat"])
}

func TestDecodeRejectsBadDuration(t *testing.T) {
	tree := Defaults()
	mergeMaps(tree, map[string]any{"server": map[string]any{"idle_timeout": "soon"}})

	_, err := Decode(tree)
	require.Error(t, err)
}
