package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cursorgate/cursorgate/internal/core/frame"
	"github.com/cursorgate/cursorgate/internal/core/retry"
	"github.com/cursorgate/cursorgate/internal/upstream"
)

func TestWrapUpstreamStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
		want int
	}{
		{"no credential", retry.ErrNoCredential, "UNAUTHORIZED", http.StatusUnauthorized},
		{"schema", fmt.Errorf("%w: unknown role", frame.ErrSchema), "INVALID_INPUT", http.StatusBadRequest},
		{"ceiling", fmt.Errorf("%w after 50 attempts: boom", retry.ErrAttemptCeiling), "UPSTREAM_EXHAUSTED", http.StatusGatewayTimeout},
		{"deadline", fmt.Errorf("attempt 3: %w", context.DeadlineExceeded), "TIMEOUT", http.StatusGatewayTimeout},
		{"rate limited", fmt.Errorf("giving up after 20 attempts: %w", retry.ErrRateLimited), "RATE_LIMITED", http.StatusTooManyRequests},
		{"status", fmt.Errorf("giving up: %w", &retry.StatusError{StatusCode: 503}), "EXTERNAL_SERVICE_ERROR", http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := WrapUpstream(context.Background(), tc.err)
			assert.Equal(t, tc.code, env.Code)
			assert.Equal(t, tc.want, HTTPStatusFromEnvelope(env))
		})
	}
}

func TestUpstreamStatusDetail(t *testing.T) {
	assert.Equal(t, 503, upstreamStatus(&retry.StatusError{StatusCode: 503}))
	assert.Equal(t, 403, upstreamStatus(fmt.Errorf("wrap: %w", &upstream.StatusError{StatusCode: 403})))
	assert.Zero(t, upstreamStatus(fmt.Errorf("plain")))
}
