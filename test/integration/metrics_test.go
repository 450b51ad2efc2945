package integration

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorgate/cursorgate/internal/metrics"
	"github.com/cursorgate/cursorgate/internal/observability"
	"github.com/cursorgate/cursorgate/internal/server"
	"github.com/cursorgate/cursorgate/internal/server/handlers"
)

// isPermissionError reports sandboxes that refuse loopback sockets.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted")
}

// initMetricsOrSkip starts the exporter on a random port and tears the
// global telemetry state down afterwards.
func initMetricsOrSkip(t *testing.T) {
	t.Helper()

	if err := observability.InitMetrics("cursorgate", 0, "cursorgate"); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		if observability.PrometheusExporter != nil {
			_ = observability.PrometheusExporter.Stop()
			observability.PrometheusExporter = nil
		}
		observability.TelemetrySystem = nil
	})
}

// newBareServer serves the router with no API surfaces mounted, bound to
// IPv4 loopback explicitly.
func newBareServer(t *testing.T) (*httptest.Server, *http.Client) {
	t.Helper()
	observability.InitServerLogger(observability.ServerLogOptions{Service: "cursorgate", Level: "error"})
	handlers.InitHealthManager("test")
	srv := server.New("127.0.0.1", 0, server.Options{})

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping server setup: %v", err)
		}
		require.NoError(t, err)
	}

	ts := &httptest.Server{Listener: listener, Config: &http.Server{Handler: srv.Handler()}}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, ts.Client()
}

func scrape(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	return resp, string(body)
}

func TestMetricsEndpointUnderLoad(t *testing.T) {
	initMetricsOrSkip(t)
	ts, client := newBareServer(t)

	paths := []string{"/health/live", "/version", "/v1/chat/completions", "/nope"}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if resp, err := client.Get(ts.URL + path); err == nil {
				_ = resp.Body.Close()
			}
		}(paths[i%len(paths)])
	}
	wg.Wait()

	resp, body := scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "cursorgate_http_requests_total")
	assert.Contains(t, body, "cursorgate_http_request_duration_ms")
	assert.Contains(t, body, "cursorgate_http_errors_total", "404s on unmounted routes count as errors")
}

func TestMetricsEndpointExposesGatewaySeries(t *testing.T) {
	initMetricsOrSkip(t)
	ts, client := newBareServer(t)

	metrics.RecordRotation()
	metrics.RecordRateLimitHit()
	metrics.SetUsableCredentials("normal", 2)

	resp, body := scrape(t, client, ts.URL)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	for _, series := range []string{metrics.RotationsTotal, metrics.RateLimitHitsTotal, metrics.UsableCredentials} {
		assert.Contains(t, body, series)
	}

	valueLines := 0
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			valueLines++
		}
	}
	assert.Greater(t, valueLines, 0)
}

func TestMetricsEndpointWithoutExporter(t *testing.T) {
	originalExporter := observability.PrometheusExporter
	originalTelemetry := observability.TelemetrySystem
	observability.PrometheusExporter = nil
	observability.TelemetrySystem = nil
	t.Cleanup(func() {
		observability.PrometheusExporter = originalExporter
		observability.TelemetrySystem = originalTelemetry
	})

	ts, client := newBareServer(t)

	resp, err := client.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = scrape(t, client, ts.URL)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
