// Package recovery returns throttled credentials to service: expired
// throttles are swept and due credentials are probed upstream.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/metrics"
)

// Registry is the slice of the credential store recovery needs.
type Registry interface {
	SweepExpired(ctx context.Context) (bool, error)
	CandidatesForProbe(ctx context.Context) ([]core.Credential, error)
	ClearRateLimit(ctx context.Context, id string) error
	PushNextRetry(ctx context.Context, id string) error
}

// Prober sends a minimal request with a credential value and reports
// whether the upstream still rate-limits it.
type Prober interface {
	Probe(ctx context.Context, value string) (limited bool, err error)
}

// Report summarizes one recovery pass.
type Report struct {
	Swept        bool      `json:"swept"`
	Probed       int       `json:"probed"`
	Recovered    int       `json:"recovered"`
	StillLimited int       `json:"still_limited"`
	Errors       int       `json:"errors"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Recoverer runs recovery passes.
type Recoverer struct {
	Registry Registry
	Prober   Prober
	Logger   *logging.Logger
	Clock    func() time.Time

	// MinGap debounces Nudge.
	MinGap time.Duration

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// RunOnce sweeps expired throttles then probes every due credential. Probe
// failures are inconclusive and push the next retry forward.
func (r *Recoverer) RunOnce(ctx context.Context) (Report, error) {
	if r == nil || r.Registry == nil {
		return Report{}, errors.New("recoverer is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	report := Report{StartedAt: r.now()}
	defer func() {
		r.mu.Lock()
		r.lastRun = report.StartedAt
		r.mu.Unlock()
	}()

	swept, err := r.Registry.SweepExpired(ctx)
	if err != nil {
		return report, fmt.Errorf("sweep expired throttles: %w", err)
	}
	report.Swept = swept
	if swept {
		r.info("cleared throttles older than ceiling", zap.Duration("ceiling", core.ThrottleCeiling))
	}

	candidates, err := r.Registry.CandidatesForProbe(ctx)
	if err != nil {
		return report, fmt.Errorf("list probe candidates: %w", err)
	}

	for _, cred := range candidates {
		if ctx.Err() != nil {
			break
		}
		report.Probed++
		r.probe(ctx, cred, &report)
	}

	report.FinishedAt = r.now()
	return report, nil
}

func (r *Recoverer) probe(ctx context.Context, cred core.Credential, report *Report) {
	fields := []zap.Field{zap.String("credential_id", cred.ID), zap.String("name", cred.Name)}

	limited := true
	var probeErr error
	if r.Prober == nil {
		probeErr = errors.New("no prober configured")
	} else {
		limited, probeErr = r.Prober.Probe(ctx, cred.Value)
	}

	switch {
	case probeErr != nil:
		report.Errors++
		metrics.RecordProbeResult("error")
		r.warn("probe failed, rescheduling", append(fields, zap.Error(probeErr))...)
	case !limited:
		if err := r.Registry.ClearRateLimit(ctx, cred.ID); err != nil {
			report.Errors++
			r.warn("failed to clear rate limit", append(fields, zap.Error(err))...)
			return
		}
		report.Recovered++
		metrics.RecordProbeResult("recovered")
		r.info("credential recovered", fields...)
		return
	default:
		report.StillLimited++
		metrics.RecordProbeResult("limited")
		r.info("credential still rate limited", fields...)
	}

	if err := r.Registry.PushNextRetry(ctx, cred.ID); err != nil {
		report.Errors++
		r.warn("failed to reschedule probe", append(fields, zap.Error(err))...)
	}
}

// Nudge starts a background pass unless one is running or the last pass
// started within MinGap.
func (r *Recoverer) Nudge(ctx context.Context) bool {
	if r == nil || r.Registry == nil {
		return false
	}

	r.mu.Lock()
	if r.running || (!r.lastRun.IsZero() && r.now().Sub(r.lastRun) < r.MinGap) {
		r.mu.Unlock()
		return false
	}
	r.running = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}()
		if _, err := r.RunOnce(context.WithoutCancel(ctx)); err != nil {
			r.warn("recovery pass failed", zap.Error(err))
		}
	}()
	return true
}

func (r *Recoverer) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Recoverer) info(msg string, fields ...zap.Field) {
	if r.Logger != nil {
		r.Logger.Info(msg, fields...)
	}
}

func (r *Recoverer) warn(msg string, fields ...zap.Field) {
	if r.Logger != nil {
		r.Logger.Warn(msg, fields...)
	}
}
