package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	fulerrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorgate/cursorgate/internal/server/middleware"
)

func TestWrapUsesRequestID(t *testing.T) {
	ctx := middleware.WithRequestID(context.Background(), "req-42")
	env := WrapNotFound(ctx, stderrors.New("no rows"), "credential not found")

	assert.Equal(t, CodeNotFound, env.Code)
	assert.Equal(t, "req-42", env.CorrelationID)
	assert.Equal(t, "no rows", env.Context["wrapped_error"])
}

func TestWrapWithoutRequestID(t *testing.T) {
	env := WrapInternal(context.Background(), nil, "boom")
	assert.NotEmpty(t, env.CorrelationID)
	assert.NotContains(t, env.Context, "wrapped_error")
}

func TestEnsureEnvelope(t *testing.T) {
	original := NewValidationError("bad name")
	assert.Same(t, original, EnsureEnvelope(original))

	foreign := EnsureEnvelope(stderrors.New("disk full"))
	assert.Equal(t, CodeInternal, foreign.Code)
	assert.Equal(t, fulerrors.SeverityHigh, foreign.Severity)

	assert.Equal(t, fulerrors.SeverityCritical, EnsureEnvelope(nil).Severity)
}

func TestHTTPStatusFromCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatusFromCode(CodeValidationFailed))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatusFromCode(CodeRateLimited))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusFromCode(CodeServiceUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromCode(CodeDatabase))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromCode("SOMETHING_NEW"))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFromEnvelope(nil))
}

func TestResponseDetailsPrecedence(t *testing.T) {
	env := NewInvalidInputError("bad").WithDetails(map[string]interface{}{"field": "name"})
	env, err := env.WithContext(map[string]interface{}{"field": "ignored", "hint": "trim it"})
	require.NoError(t, err)

	details := ResponseDetails(env)
	assert.Equal(t, "name", details["field"])
	assert.Equal(t, "trim it", details["hint"])

	assert.Nil(t, ResponseDetails(NewNotFoundError("gone")))
}

func TestRespondWithEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/admin/api/credentials/abc", nil)
	req = req.WithContext(middleware.WithRequestID(req.Context(), "req-7"))
	rec := httptest.NewRecorder()

	RespondWithEnvelope(rec, req, NewNotFoundError("credential not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "credential not found", body.Error.Message)
	assert.Equal(t, "req-7", body.Error.RequestID)
}

func TestRespondWithErrorFallbackCorrelation(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, nil, stderrors.New("sql: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(decodeRequestID(t, rec), "fallback-"))
}

func decodeRequestID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.RequestID
}
