package observability

import (
	"fmt"
	"net"
	"strconv"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"
)

var (
	// TelemetrySystem receives every gateway metric. Nil means metrics are off.
	TelemetrySystem *telemetry.System

	// PrometheusExporter serves TelemetrySystem on its own port; /metrics on
	// the gateway relays it.
	PrometheusExporter *exporters.PrometheusExporter

	metricsPort int
)

// InitMetrics starts the Prometheus exporter on port (0 picks a free port)
// and installs TelemetrySystem. Metric names are prefixed with namespace,
// or serviceName when namespace is empty.
func InitMetrics(serviceName string, port int, namespace ...string) error {
	port = max(port, 0)
	metricsPort = port

	prefix := serviceName
	if len(namespace) > 0 && namespace[0] != "" {
		prefix = namespace[0]
	}

	exporter := exporters.NewPrometheusExporter(prefix, fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start prometheus exporter: %w", err)
	}
	PrometheusExporter = exporter

	// The exporter knows the real port even when we asked for :0.
	if bound, err := portOf(exporter.GetAddr()); err == nil {
		metricsPort = bound
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: true, Emitter: exporter})
	if err != nil {
		return fmt.Errorf("create telemetry system: %w", err)
	}
	TelemetrySystem = sys
	return nil
}

// GetMetricsPort returns the exporter's port, or 0 when it is unknown.
func GetMetricsPort() int {
	return metricsPort
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
