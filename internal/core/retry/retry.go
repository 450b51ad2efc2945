// Package retry drives bounded upstream attempts across pooled credentials.
package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/core/frame"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
	"github.com/cursorgate/cursorgate/internal/metrics"
)

const (
	// MaxTotalAttempts caps attempts within a single Run regardless of maxAttempts.
	MaxTotalAttempts = 50

	// DefaultBackoff is the pause before retrying a failed attempt.
	DefaultBackoff = 500 * time.Millisecond

	peekSize = 32 * 1024
)

var (
	// ErrNoCredential is returned when the raw credential string resolves to nothing.
	ErrNoCredential = errors.New("no credential available")

	// ErrAttemptCeiling is returned when MaxTotalAttempts is reached.
	ErrAttemptCeiling = errors.New("attempt ceiling reached")

	// ErrRateLimited marks an attempt rejected by the provider's rate limit.
	ErrRateLimited = errors.New("credential rate limited by provider")

	errEmptyBody = errors.New("upstream returned an empty body")
)

// AttemptFunc performs one upstream call with token.
type AttemptFunc func(ctx context.Context, token string) (*http.Response, error)

// Rotator resolves and rotates credentials.
type Rotator interface {
	Select(raw string, force bool) string
	MarkFailed(raw string)
	Advance(ctx context.Context, raw string) (string, error)
}

// Banner records a long-term ban for a credential token.
type Banner interface {
	BanValue(ctx context.Context, token string) error
}

// StatusError is returned for a non-200 upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Result is a successful attempt. Body replays the inspected prefix followed
// by the rest of the upstream stream and must be closed by the caller.
type Result struct {
	Response *http.Response
	Body     io.ReadCloser
	Token    string
	Attempts int
}

// Orchestrator runs attempts, rotating credentials between them.
type Orchestrator struct {
	Rotator Rotator
	Banner  Banner
	Decoder frame.Decoder
	Logger  *logging.Logger

	// RateLimitEnabled turns on sentinel inspection and Banner calls.
	RateLimitEnabled bool
	// Backoff is the constant pause before retrying a failed attempt.
	// Zero uses DefaultBackoff.
	Backoff time.Duration
	// Sleep waits between attempts. Nil uses rotation.Wait.
	Sleep func(ctx context.Context, d time.Duration) error
	// MaxTotalAttempts overrides the package ceiling when positive.
	MaxTotalAttempts int
	// InspectBody enables peeking the first chunk. Disabled for endpoints
	// that do not answer with frames.
	InspectBody bool
}

// Run calls attempt up to maxAttempts times. The first attempt uses the
// credential selected for raw; each failure marks it failed and rotates.
func (o *Orchestrator) Run(ctx context.Context, attempt AttemptFunc, maxAttempts int, raw string) (*Result, error) {
	if o == nil || o.Rotator == nil {
		return nil, errors.New("orchestrator is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	ceiling := o.MaxTotalAttempts
	if ceiling <= 0 {
		ceiling = MaxTotalAttempts
	}

	token := o.Rotator.Select(raw, false)
	if token == "" {
		return nil, ErrNoCredential
	}

	pause := o.Backoff
	if pause <= 0 {
		pause = DefaultBackoff
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(pause), ctx)

	var lastErr error
	for n := 1; ; n++ {
		if n > ceiling {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrAttemptCeiling, n-1, lastErr)
		}

		result, err := o.try(ctx, attempt, token)
		if err == nil {
			result.Attempts = n
			metrics.RecordUpstreamAttempt("success")
			return result, nil
		}
		lastErr = err

		// Requests the codec rejects fail the same way on every credential.
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			metrics.RecordUpstreamAttempt("rejected")
			return nil, permanent.Err
		}

		rateLimited := errors.Is(err, ErrRateLimited)
		if rateLimited {
			metrics.RecordUpstreamAttempt("rate_limited")
			o.ban(ctx, token)
		} else {
			metrics.RecordUpstreamAttempt("error")
			o.warn("upstream attempt failed", zap.Int("attempt", n), zap.Error(err))
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("attempt %d: %w", n, lastErr)
		}
		if n >= maxAttempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", n, lastErr)
		}

		if !rateLimited {
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				return nil, fmt.Errorf("attempt %d: %w", n, lastErr)
			}
			if err := o.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("attempt %d: %w", n, lastErr)
			}
		}

		o.Rotator.MarkFailed(raw)
		next, err := o.Rotator.Advance(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", n, lastErr)
		}
		metrics.RecordRotation()
		if next != "" {
			token = next
		}
	}
}

func (o *Orchestrator) try(ctx context.Context, attempt AttemptFunc, token string) (*Result, error) {
	resp, err := attempt(ctx, token)
	if errors.Is(err, frame.ErrSchema) {
		return nil, backoff.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("upstream returned no response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	if resp.Body == nil {
		return nil, errEmptyBody
	}
	if !o.InspectBody {
		return &Result{Response: resp, Body: resp.Body, Token: token}, nil
	}

	buf := make([]byte, peekSize)
	n, readErr := resp.Body.Read(buf)
	head := buf[:n]
	if n == 0 && readErr != nil {
		_ = resp.Body.Close()
		if errors.Is(readErr, io.EOF) {
			return nil, errEmptyBody
		}
		return nil, fmt.Errorf("read upstream body: %w", readErr)
	}

	if o.RateLimitEnabled {
		frag := o.Decoder.DecodeFrameStream(head)
		if frag.RateLimited {
			_ = resp.Body.Close()
			return nil, ErrRateLimited
		}
	}

	return &Result{Response: resp, Body: replay(head, resp.Body, readErr), Token: token}, nil
}

func (o *Orchestrator) ban(ctx context.Context, token string) {
	metrics.RecordRateLimitHit()
	if o.Banner == nil {
		return
	}
	if err := o.Banner.BanValue(ctx, token); err != nil {
		o.warn("failed to record credential rate limit", zap.Error(err))
	}
}

func (o *Orchestrator) warn(msg string, fields ...zap.Field) {
	if o.Logger != nil {
		o.Logger.Warn(msg, fields...)
	}
}

func statusError(resp *http.Response) error {
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (r *replayBody) Close() error { return r.closer.Close() }

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// replay yields head before rest. When the first read already ended the
// stream, rest is not read again and the original read error is surfaced.
func replay(head []byte, rest io.ReadCloser, readErr error) io.ReadCloser {
	prefix := bytes.NewReader(append([]byte(nil), head...))
	switch {
	case readErr == nil:
		return &replayBody{Reader: io.MultiReader(prefix, rest), closer: rest}
	case errors.Is(readErr, io.EOF):
		return &replayBody{Reader: prefix, closer: rest}
	default:
		return &replayBody{Reader: io.MultiReader(prefix, errReader{err: readErr}), closer: rest}
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return rotation.Wait(ctx, d)
}
