package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/frame"
	"github.com/cursorgate/cursorgate/internal/core/retry"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
	apperrors "github.com/cursorgate/cursorgate/internal/errors"
	"github.com/cursorgate/cursorgate/internal/server/handlers"
	"github.com/cursorgate/cursorgate/internal/upstream"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0, Options{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	var body apperrors.HTTPErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected error code NOT_FOUND, got %s", body.Error.Code)
	}
}

type stubUpstream struct{}

func (stubUpstream) StreamChat(context.Context, string, upstream.Chat) (*http.Response, error) {
	rec := httptest.NewRecorder()
	_, _ = rec.Write(frame.EncodeResponseFrame("", "hello"))
	return rec.Result(), nil
}

func (stubUpstream) AvailableModels(context.Context, string, string) (*http.Response, error) {
	rec := httptest.NewRecorder()
	_, _ = rec.Write(frame.EncodeModels("gpt-4o"))
	return rec.Result(), nil
}

type stubKeys struct{}

func (stubKeys) LookupAPIKey(_ context.Context, secret string) (core.APIKey, error) {
	if secret == "sk-good" {
		return core.APIKey{ID: "k1", Enabled: true}, nil
	}
	return core.APIKey{}, assert.AnError
}

func (stubKeys) RecordAPIKeyUsage(context.Context, string) error { return nil }

func newGatewayServer(adminToken string) *Server {
	selector := rotation.NewSelector(rotation.Config{})
	api := &handlers.OpenAI{
		Upstream:       stubUpstream{},
		Retry:          &retry.Orchestrator{Rotator: selector, InspectBody: true, RateLimitEnabled: true},
		EnvCredentials: "user::tok",
	}
	return New("127.0.0.1", 0, Options{
		OpenAI:       api,
		Admin:        &handlers.Admin{},
		Keys:         stubKeys{},
		AdminToken:   adminToken,
		KeyRateLimit: 100,
	})
}

func TestServerChatCompletionRoute(t *testing.T) {
	srv := newGatewayServer("")

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"hello"`)
}

func TestServerRejectsUnknownAPIKey(t *testing.T) {
	srv := newGatewayServer("")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer sk-bad")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerModelsRoute(t *testing.T) {
	srv := newGatewayServer("")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"gpt-4o"`)
}

func TestServerAdminRoutes(t *testing.T) {
	disabled := newGatewayServer("")
	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	enabled := newGatewayServer("secret")
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/api/rotation", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	enabled.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
