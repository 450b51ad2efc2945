package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/observability"
)

// APIKeyPrefix marks bearer tokens that are client keys rather than raw
// upstream credentials.
const APIKeyPrefix = "sk-"

// KeyStore resolves and meters client API keys.
type KeyStore interface {
	LookupAPIKey(ctx context.Context, secret string) (core.APIKey, error)
	RecordAPIKeyUsage(ctx context.Context, id string) error
}

type apiKeyContextKey struct{}

// BearerToken returns the token of an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// APIKeyFromContext returns the client key authenticated for the request.
func APIKeyFromContext(ctx context.Context) (core.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey{}).(core.APIKey)
	return key, ok
}

// WithAPIKey stores key on ctx.
func WithAPIKey(ctx context.Context, key core.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, key)
}

// APIKeyAuth validates sk- bearer tokens against keys. Unknown or disabled
// keys are rejected with 401; other bearer values pass through untouched
// and are treated as raw credentials downstream. When recordUsage is set a
// successful lookup counts one request against the key.
func APIKeyAuth(keys KeyStore, recordUsage bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if keys == nil || !strings.HasPrefix(token, APIKeyPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			key, err := keys.LookupAPIKey(r.Context(), token)
			if err != nil || !key.Enabled {
				writeUnauthorized(w, r, "API key is invalid or disabled")
				return
			}

			if recordUsage {
				if err := keys.RecordAPIKeyUsage(r.Context(), key.ID); err != nil && observability.ServerLogger != nil {
					observability.ServerLogger.Warn("Failed to record API key usage",
						zap.String("key_id", key.ID),
						zap.Error(err))
				}
			}

			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}

// AdminAuth requires Authorization: Bearer <token>. An empty token disables
// every admin route.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeUnauthorized(w, r, "admin API is disabled")
				return
			}
			got := BearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeUnauthorized(w, r, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyOrIP buckets per-key request limits by client key, falling back to the
// remote address for unauthenticated callers.
func KeyOrIP(r *http.Request) (string, error) {
	if key, ok := APIKeyFromContext(r.Context()); ok {
		return "key:" + key.ID, nil
	}
	host := r.RemoteAddr
	if host == "" {
		return "", errors.New("request has no remote address")
	}
	return "ip:" + host, nil
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	response := ErrorResponse{
		Error: ErrorDetail{
			Code:      "UNAUTHORIZED",
			Message:   message,
			RequestID: GetRequestID(r.Context()),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(response)
}
