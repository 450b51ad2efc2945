package errors

import (
	"context"
	stderrors "errors"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/cursorgate/cursorgate/internal/core/frame"
	"github.com/cursorgate/cursorgate/internal/core/retry"
	"github.com/cursorgate/cursorgate/internal/upstream"
)

// WrapUpstream maps a failed upstream round trip to an envelope.
func WrapUpstream(ctx context.Context, err error) *errors.ErrorEnvelope {
	switch {
	case stderrors.Is(err, retry.ErrNoCredential):
		return WrapUnauthorized(ctx, err, "No upstream credential available. Configure AUTH_COOKIE or send a token in the Authorization header")
	case stderrors.Is(err, frame.ErrSchema):
		return WrapInvalidInput(ctx, err, "Request cannot be encoded for the upstream")
	case stderrors.Is(err, retry.ErrAttemptCeiling):
		return WrapUpstreamExhausted(ctx, err, "Upstream did not answer within the attempt ceiling")
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapTimeout(ctx, err, "Upstream request timed out")
	case stderrors.Is(err, retry.ErrRateLimited):
		return WrapRateLimited(ctx, err, "Every pooled credential is rate limited by the upstream")
	}

	envelope := WrapExternalService(ctx, err, "Upstream request failed")
	if status := upstreamStatus(err); status != 0 {
		envelope = envelope.WithDetails(map[string]interface{}{"upstream_status": status})
	}
	return envelope
}

func upstreamStatus(err error) int {
	var retryErr *retry.StatusError
	if stderrors.As(err, &retryErr) {
		return retryErr.StatusCode
	}
	var clientErr *upstream.StatusError
	if stderrors.As(err, &clientErr) {
		return clientErr.StatusCode
	}
	return 0
}
