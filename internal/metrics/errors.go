package metrics

import (
	"strconv"
	"time"

	"github.com/cursorgate/cursorgate/internal/observability"
)

// Error metrics
const (
	ErrorsTotalName      = "errors_total"
	PanicsTotalName      = "panics_total"
	ErrorsByEndpointName = "errors_by_endpoint"
)

// counter, gauge and histogram are no-ops until serve installs telemetry.
func counter(name string, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(name, 1, labels)
	}
}

func gauge(name string, value float64, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Gauge(name, value, labels)
	}
}

func histogram(name string, d time.Duration, labels map[string]string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Histogram(name, d, labels)
	}
}

// RecordError counts an error response by envelope code and HTTP status.
func RecordError(errorCode string, httpStatus int) {
	counter(ErrorsTotalName, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordPanic counts a handler panic caught by the recovery middleware.
func RecordPanic() {
	counter(PanicsTotalName, nil)
}

// RecordErrorByEndpoint counts an error against the route that produced it.
// Callers pass a route pattern, never a raw path with ids in it.
func RecordErrorByEndpoint(endpoint string, errorCode string) {
	counter(ErrorsByEndpointName, map[string]string{
		"endpoint":   endpoint,
		"error_code": errorCode,
	})
}
