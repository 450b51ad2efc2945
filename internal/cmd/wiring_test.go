package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cursorgate/cursorgate/internal/config"
)

func TestRotationConfig(t *testing.T) {
	cfg := &config.Config{Rotation: config.RotationConfig{
		Enabled:     true,
		Interval:    "90s",
		Delay:       3 * time.Second,
		Ceiling:     10,
		ResetWindow: time.Minute,
	}}

	got := rotationConfig(cfg)
	assert.True(t, got.Enabled)
	assert.Equal(t, 90*time.Second, got.Interval)
	assert.Equal(t, 3*time.Second, got.Delay)
	assert.Equal(t, 10, got.Ceiling)
	assert.Equal(t, time.Minute, got.ResetWindow)

	cfg.Rotation.Interval = "every so often"
	assert.Equal(t, 5*time.Minute, rotationConfig(cfg).Interval)
}

func TestNewUpstreamClientProxy(t *testing.T) {
	cfg := &config.Config{
		Proxy:    config.ProxyConfig{Enabled: false, URL: "::not a url"},
		Upstream: config.UpstreamConfig{BaseURL: "https://api2.cursor.sh"},
	}

	// A disabled proxy is never parsed.
	_, err := newUpstreamClient(cfg)
	require.NoError(t, err)

	cfg.Proxy.Enabled = true
	_, err = newUpstreamClient(cfg)
	require.Error(t, err)

	cfg.Proxy.URL = "http://127.0.0.1:7890"
	_, err = newUpstreamClient(cfg)
	require.NoError(t, err)
}

func TestBuildInitConfig(t *testing.T) {
	t.Run("WithToken", func(t *testing.T) {
		var tree map[string]any
		require.NoError(t, yaml.Unmarshal([]byte(buildInitConfig("s3cret")), &tree))

		cfg, err := config.Decode(tree)
		require.NoError(t, err)
		assert.Equal(t, "s3cret", cfg.Admin.Token)
		assert.Equal(t, 3010, cfg.Server.Port)
		assert.Equal(t, "*/10 * * * *", cfg.Recovery.Schedule)
		assert.True(t, cfg.RateLimit.Enabled)
	})

	t.Run("WithoutToken", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(buildInitConfig("")), 0o600))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var tree map[string]any
		require.NoError(t, yaml.Unmarshal(data, &tree))

		cfg, err := config.Decode(tree)
		require.NoError(t, err)
		assert.Empty(t, cfg.Admin.Token)
	})
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 bytes", formatFileSize(512))
	assert.Equal(t, "1.5 KB", formatFileSize(1536))
	assert.Equal(t, "2.0 MB", formatFileSize(2*1024*1024))
}
