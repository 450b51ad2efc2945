package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/observability"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: collector})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	return collector
}

func statusHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if body != "" {
			_, _ = w.Write([]byte(body))
		}
	})
}

func TestRequestMetricsEmitsRequestSeries(t *testing.T) {
	collector := setupTelemetry(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	RequestMetrics(statusHandler(http.StatusOK, `{"id":"chatcmpl-1"}`)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":"chatcmpl-1"}`, rec.Body.String())
	for _, name := range []string{
		"http_requests_total",
		"http_request_duration_ms",
		"http_request_size_bytes",
		"http_response_size_bytes",
	} {
		assert.Greater(t, collector.CountMetricsByName(name), 0, name)
	}
	assert.Zero(t, collector.CountMetricsByName("http_errors_total"))
}

func TestRequestMetricsCountsErrors(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			collector := setupTelemetry(t)

			rec := httptest.NewRecorder()
			RequestMetrics(statusHandler(status, "")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

			assert.Equal(t, status, rec.Code)
			assert.Equal(t, 1, collector.CountMetricsByName("http_errors_total"))
		})
	}
}

func TestRequestMetricsWithoutTelemetry(t *testing.T) {
	original := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	t.Cleanup(func() { observability.TelemetrySystem = original })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req = req.WithContext(WithAPIKey(req.Context(), core.APIKey{ID: "key-1"}))

	RequestMetrics(statusHandler(http.StatusOK, "ok")).ServeHTTP(rec, req)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequestMetricsBehindRequestID(t *testing.T) {
	collector := setupTelemetry(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set(RequestIDHeader, "caller-supplied")
	RequestID(RequestMetrics(statusHandler(http.StatusOK, ""))).ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied", rec.Header().Get(RequestIDHeader))
	assert.Greater(t, collector.CountMetricsByName("http_requests_total"), 0)
}

func TestRequestMetricsPreservesFlusher(t *testing.T) {
	setupTelemetry(t)

	flushed := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {}\n\n"))
		flushed = http.NewResponseController(w).Flush() == nil
	})

	rec := httptest.NewRecorder()
	RequestMetrics(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	assert.True(t, flushed)
	assert.True(t, rec.Flushed)
}

func TestGetEndpointPattern(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/health", "/health/*"},
		{"/health/live", "/health/*"},
		{"/health/ready", "/health/*"},
		{"/health/startup", "/health/*"},
		{"/version", "/version"},
		{"/metrics", "/metrics"},
		{"/v1/chat/completions", "/v1/*"},
		{"/admin/api/credentials/abc", "/admin/*"},
		{"/api/users/123", "/unknown"},
		{"/", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, getEndpointPattern(httptest.NewRequest(http.MethodGet, tt.path, nil)))
		})
	}
}

func TestGetEndpointPatternPrefersRoute(t *testing.T) {
	var pattern string
	r := chi.NewRouter()
	r.Delete("/admin/api/credentials/{id}", func(w http.ResponseWriter, req *http.Request) {
		pattern = getEndpointPattern(req)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/admin/api/credentials/abc", nil))
	assert.Equal(t, "/admin/api/credentials/{id}", pattern)
}
