package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	fulerrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/metrics"
)

// Check results.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
)

// HealthResponse is the aggregate /health body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Pool      *core.PoolStats   `json:"pool,omitempty"`
}

// ProbeResponse is the body of the live/ready/startup probes.
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker is a component the gateway depends on.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// DegradedError marks a check that failed without taking the gateway down,
// such as an exhausted credential pool that recovery may refill.
type DegradedError struct{ Reason string }

func (e *DegradedError) Error() string { return e.Reason }

// PoolReporter summarizes the credential pool for /health.
type PoolReporter func(ctx context.Context) (core.PoolStats, error)

// HealthManager runs registered checks for the health endpoints.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	pool     PoolReporter
	version  string
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker adds or replaces a named check.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// SetPoolReporter attaches the pool summary shown by /health.
func (hm *HealthManager) SetPoolReporter(fn PoolReporter) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.pool = fn
}

// runHealthChecks runs every check concurrently. A check still running when
// ctx expires is reported as a timeout.
func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, c := range hm.checkers {
		checkers[name] = c
	}
	hm.mu.RUnlock()

	type result struct{ name, status string }
	results := make(chan result, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker HealthChecker) {
			start := time.Now()
			status := classify(checker.CheckHealth(ctx))
			metrics.RecordHealthCheck(name, status, time.Since(start))
			results <- result{name, status}
		}(name, checker)
	}

	checks := make(map[string]string, len(checkers))
	for name := range checkers {
		checks[name] = statusTimeout
	}
	for range checkers {
		select {
		case res := <-results:
			checks[res.name] = res.status
		case <-ctx.Done():
			return checks
		}
	}
	return checks
}

func classify(err error) string {
	var degraded *DegradedError
	switch {
	case err == nil:
		return statusHealthy
	case errors.As(err, &degraded):
		return statusDegraded
	default:
		return statusUnhealthy
	}
}

// determineOverallStatus folds check results: any unhealthy wins, then any
// degraded or timed-out check.
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := statusHealthy
	for _, status := range checks {
		switch status {
		case statusUnhealthy:
			return statusUnhealthy
		case statusDegraded, statusTimeout:
			overall = statusDegraded
		}
	}
	return overall
}

// HealthHandler serves GET /health.
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := hm.determineOverallStatus(checks)
	if status == statusUnhealthy {
		respondWithError(w, r, healthEnvelope("aggregate health check failed", "", status, checks))
		return
	}

	response := HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	hm.mu.RLock()
	pool := hm.pool
	hm.mu.RUnlock()
	if pool != nil {
		if stats, err := pool(ctx); err == nil {
			response.Pool = &stats
		}
	}

	writeHealthJSON(w, response)
}

// LivenessHandler serves /health/live. Liveness only says the process can
// answer; dependency failures belong to readiness.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, ProbeResponse{Status: statusHealthy, Timestamp: time.Now().UTC()})
}

// ReadinessHandler serves /health/ready.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "ready", 5*time.Second)
}

// StartupHandler serves /health/startup.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.probe(w, r, "startup", 3*time.Second)
}

func (hm *HealthManager) probe(w http.ResponseWriter, r *http.Request, name string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := hm.determineOverallStatus(checks)
	if status == statusUnhealthy {
		respondWithError(w, r, healthEnvelope(name+" probe failed", name, status, checks))
		return
	}
	writeHealthJSON(w, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
}

func writeHealthJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func healthEnvelope(message, probe, status string, checks map[string]string) *fulerrors.ErrorEnvelope {
	details := map[string]interface{}{"status": status}
	contextData := map[string]interface{}{"status": status}
	if probe != "" {
		details["probe"] = probe
		contextData["probe"] = probe
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}

	var failing []string
	for name, result := range checks {
		if result != statusHealthy {
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		contextData["unhealthy_checks"] = failing
	}

	envelope := fulerrors.NewErrorEnvelope("SERVICE_UNAVAILABLE", message).WithDetails(details)
	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

var globalHealthManager *HealthManager

// InitHealthManager replaces the process-wide manager used by the route handlers.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil before InitHealthManager.
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func withManager(probe string, serve func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm := globalHealthManager; hm != nil {
			serve(hm, w, r)
			return
		}
		respondWithError(w, r, healthEnvelope("health manager not initialized", probe, "unknown", nil))
	}
}

// Route handlers backed by the process-wide manager.
var (
	HealthHandler    = withManager("aggregate", (*HealthManager).HealthHandler)
	LivenessHandler  = withManager("live", (*HealthManager).LivenessHandler)
	ReadinessHandler = withManager("ready", (*HealthManager).ReadinessHandler)
	StartupHandler   = withManager("startup", (*HealthManager).StartupHandler)
)
