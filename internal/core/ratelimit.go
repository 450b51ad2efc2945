package core

import "time"

const (
	// ProbeInterval is the delay between recovery probes of a throttled credential.
	ProbeInterval = 2 * time.Hour

	// ThrottleCeiling is the age after which a throttle clears without a probe.
	ThrottleCeiling = 12 * time.Hour
)

// Throttle captures the provider-side rate limit state of a credential.
type Throttle struct {
	RateLimited   bool       `json:"rate_limited"`
	RateLimitedAt *time.Time `json:"rate_limited_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// Limit returns the throttle state entered at now.
func Limit(now time.Time) Throttle {
	at := now.UTC()
	next := at.Add(ProbeInterval)
	return Throttle{RateLimited: true, RateLimitedAt: &at, NextRetryAt: &next}
}

// Expired reports whether the throttle is old enough to clear unconditionally.
func (t Throttle) Expired(now time.Time) bool {
	if !t.RateLimited || t.RateLimitedAt == nil {
		return false
	}
	return now.Sub(*t.RateLimitedAt) >= ThrottleCeiling
}

// DueForProbe reports whether a recovery probe should run.
func (t Throttle) DueForProbe(now time.Time) bool {
	if !t.RateLimited || t.NextRetryAt == nil {
		return false
	}
	return !t.NextRetryAt.After(now)
}
