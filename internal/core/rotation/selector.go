// Package rotation picks which pooled credential is presented upstream and
// rotates away from credentials that fail.
//
// The cursor is process-wide: concurrent requests sharing a pool advance the
// same cursor, so a rotation triggered by one request is observed by the next.
package rotation

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// Defaults for Config fields left zero.
const (
	DefaultDelay       = 2 * time.Second
	DefaultCeiling     = 50
	DefaultResetWindow = 5 * time.Minute
)

// Config controls rotation policy.
type Config struct {
	// Enabled turns on cursor-based rotation. When false, multi-entry pools
	// are sampled at random unless a rotation is forced.
	Enabled bool
	// Interval is how long a selection is reused before rotating. Zero
	// rotates on every selection.
	Interval time.Duration
	// Delay is the pause Advance takes after rotating.
	Delay time.Duration
	// Ceiling bounds forced rotations within one failure cycle.
	Ceiling int
	// ResetWindow clears failure state after this much time without a failure.
	ResetWindow time.Duration
}

// Cursor is a point-in-time copy of the rotation state.
type Cursor struct {
	LastSelectedIndex int       `json:"last_selected_index"`
	LastSelectionTime time.Time `json:"last_selection_time"`
	FailedIndices     []int     `json:"failed_indices"`
	AttemptCounter    int       `json:"attempt_counter"`
	LastFailureAt     time.Time `json:"last_failure_at"`
}

// Selector owns the shared rotation cursor.
type Selector struct {
	Clock  func() time.Time
	Rand   func(n int) int
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logging.Logger

	mu            sync.Mutex
	cfg           Config
	lastIndex     int
	lastSelection time.Time
	failed        map[int]struct{}
	attempts      int
	lastFailure   time.Time
}

// NewSelector returns a selector with an empty cursor.
func NewSelector(cfg Config) *Selector {
	return &Selector{
		cfg:       withDefaults(cfg),
		lastIndex: -1,
		failed:    make(map[int]struct{}),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = DefaultResetWindow
	}
	return cfg
}

// Configure replaces the rotation policy. The cursor itself is kept.
func (s *Selector) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = withDefaults(cfg)
}

// Config returns the active rotation policy.
func (s *Selector) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Select returns the token to present for raw. An empty string means raw
// holds no usable entry.
func (s *Selector) Select(raw string, force bool) string {
	entries := Split(raw)
	switch len(entries) {
	case 0:
		return ""
	case 1:
		return ExtractToken(entries[0])
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled && !force {
		return ExtractToken(entries[s.randIndex(len(entries))])
	}

	now := s.now()
	s.expireFailures(now)

	if force {
		s.attempts++
		if s.attempts > s.cfg.Ceiling {
			s.log("rotation ceiling reached, clearing failed credentials",
				zap.Int("ceiling", s.cfg.Ceiling))
			clear(s.failed)
			s.attempts = 1
		}
	}

	n := len(entries)
	if force || s.lastIndex < 0 || now.Sub(s.lastSelection) >= s.cfg.Interval {
		s.lastIndex = s.nextIndex(n)
		s.lastSelection = now
	}

	return ExtractToken(entries[s.lastIndex%n])
}

// nextIndex probes forward from the last selection, skipping failed indices.
// When every index has failed the failure set is cleared and 0 is returned.
func (s *Selector) nextIndex(n int) int {
	idx := (s.lastIndex + 1) % n
	if s.lastIndex < 0 {
		idx = 0
	}
	for probes := 0; probes < n; probes++ {
		if _, failed := s.failed[idx]; !failed {
			return idx
		}
		idx = (idx + 1) % n
	}
	s.log("all credentials failed, wrapping to first", zap.Int("entries", n))
	clear(s.failed)
	return 0
}

// expireFailures clears failure state once ResetWindow has passed since the
// last failure.
func (s *Selector) expireFailures(now time.Time) {
	if s.lastFailure.IsZero() || now.Sub(s.lastFailure) < s.cfg.ResetWindow {
		return
	}
	clear(s.failed)
	s.attempts = 0
	s.lastFailure = time.Time{}
}

// MarkFailed excludes the last selected entry from rotation until the
// failure cycle resets. It has no effect on single-entry pools.
func (s *Selector) MarkFailed(raw string) {
	if len(Split(raw)) <= 1 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastIndex < 0 {
		return
	}
	s.failed[s.lastIndex] = struct{}{}
	s.lastFailure = s.now()
}

// Advance forces a rotation and then waits the configured delay.
func (s *Selector) Advance(ctx context.Context, raw string) (string, error) {
	token := s.Select(raw, true)

	s.mu.Lock()
	delay := s.cfg.Delay
	s.mu.Unlock()

	return token, s.sleep(ctx, delay)
}

// Snapshot returns a copy of the cursor.
func (s *Selector) Snapshot() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := make([]int, 0, len(s.failed))
	for idx := range s.failed {
		failed = append(failed, idx)
	}
	sort.Ints(failed)

	return Cursor{
		LastSelectedIndex: s.lastIndex,
		LastSelectionTime: s.lastSelection,
		FailedIndices:     failed,
		AttemptCounter:    s.attempts,
		LastFailureAt:     s.lastFailure,
	}
}

// Reset returns the cursor to its initial state.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastIndex = -1
	s.lastSelection = time.Time{}
	clear(s.failed)
	s.attempts = 0
	s.lastFailure = time.Time{}
}

func (s *Selector) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Selector) randIndex(n int) int {
	if s.Rand != nil {
		return s.Rand(n)
	}
	return rand.IntN(n) // #nosec G404 -- load spreading, not security sensitive
}

func (s *Selector) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	return Wait(ctx, d)
}

// Wait blocks for d or until ctx is done, returning ctx.Err() in the latter case.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Selector) log(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Debug(msg, fields...)
	}
}
