package metrics

import "time"

// Gateway metric names.
const (
	UpstreamAttemptsTotal = "cursorgate_upstream_attempts_total"
	RotationsTotal        = "cursorgate_rotations_total"
	RateLimitHitsTotal    = "cursorgate_rate_limit_hits_total"
	ProbeResultsTotal     = "cursorgate_probe_results_total"
	UsableCredentials     = "cursorgate_usable_credentials"
	UpstreamDuration      = "cursorgate_upstream_duration_ms"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	ServerStartTime = "app_server_start_time_seconds"
)

// RecordUpstreamAttempt counts one upstream attempt by outcome
// (success, error, rate_limited).
func RecordUpstreamAttempt(outcome string) {
	counter(UpstreamAttemptsTotal, map[string]string{"outcome": outcome})
}

// RecordRotation counts a forced credential rotation.
func RecordRotation() {
	counter(RotationsTotal, nil)
}

// RecordRateLimitHit counts a provider rate-limit sentinel.
func RecordRateLimitHit() {
	counter(RateLimitHitsTotal, nil)
}

// RecordProbeResult counts a recovery probe by result
// (recovered, limited, error).
func RecordProbeResult(result string) {
	counter(ProbeResultsTotal, map[string]string{"result": result})
}

// SetUsableCredentials publishes the size of the usable pool for a tier.
func SetUsableCredentials(kind string, count int) {
	gauge(UsableCredentials, float64(count), map[string]string{"kind": kind})
}

// RecordUpstreamDuration records the latency of an upstream call.
func RecordUpstreamDuration(endpoint string, duration time.Duration) {
	histogram(UpstreamDuration, duration, map[string]string{"endpoint": endpoint})
}

// RecordHealthCheck records one dependency check run by the health manager.
func RecordHealthCheck(checkName, status string, duration time.Duration) {
	counter(HealthCheckTotal, map[string]string{"check": checkName, "status": status})
	histogram(HealthCheckDuration, duration, map[string]string{"check": checkName})
}

// SetServerStartTime records the server start time as a Unix timestamp.
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}
