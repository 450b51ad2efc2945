//go:build cgo

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/recovery"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
	"github.com/cursorgate/cursorgate/internal/core/store"
)

type stubRecovery struct{ runs int }

func (s *stubRecovery) RunOnce(context.Context) (recovery.Report, error) {
	s.runs++
	return recovery.Report{Recovered: 1}, nil
}

func newAdminRouter(t *testing.T) (http.Handler, *store.Store, *stubRecovery) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	rec := &stubRecovery{}
	admin := &Admin{
		Store:    st,
		Cursor:   rotation.NewSelector(rotation.Config{Enabled: true}),
		Recovery: rec,
	}
	r := chi.NewRouter()
	admin.Routes(r)
	return r, st, rec
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminCredentialLifecycle(t *testing.T) {
	h, _, _ := newAdminRouter(t)

	rec := call(t, h, http.MethodPost, "/credentials", `{"name":"one","value":"user_1::tok1","kind":"premium"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created core.Credential
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "one", created.Name)
	assert.Equal(t, core.KindPremium, created.Kind)
	assert.True(t, created.Enabled)

	rec = call(t, h, http.MethodPost, "/credentials", `{"value":"user_1::tok1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, h, http.MethodPost, "/credentials/"+created.ID+"/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled core.Credential
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&toggled))
	assert.False(t, toggled.Enabled)

	rec = call(t, h, http.MethodPatch, "/credentials/"+created.ID, `{"description":"backup"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var patched core.Credential
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&patched))
	assert.Equal(t, "backup", patched.Description)

	rec = call(t, h, http.MethodGet, "/credentials?status=disabled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)

	rec = call(t, h, http.MethodDelete, "/credentials/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h, http.MethodGet, "/credentials/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRejectsInvalidCredential(t *testing.T) {
	h, _, _ := newAdminRouter(t)

	rec := call(t, h, http.MethodPost, "/credentials", `{"name":"no value"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "/credentials", `{"value":"a,b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "/credentials", `{"value":"x","color":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRateLimitReset(t *testing.T) {
	h, st, _ := newAdminRouter(t)
	ctx := context.Background()

	cred, err := st.CreateCredential(ctx, store.NewCredential{Value: "user_2::tok2"})
	require.NoError(t, err)
	require.NoError(t, st.MarkAsRateLimited(ctx, cred.ID))

	rec := call(t, h, http.MethodPost, "/credentials/reset", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "/credentials/reset", `{"status":"limited"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]int64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, int64(1), out["reset"])

	got, err := st.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.False(t, got.Throttle.RateLimited)
}

func TestAdminExportImport(t *testing.T) {
	h, st, _ := newAdminRouter(t)
	ctx := context.Background()

	_, err := st.CreateCredential(ctx, store.NewCredential{Name: "kept", Value: "user_3::tok3"})
	require.NoError(t, err)

	rec := call(t, h, http.MethodGet, "/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "credentials-export.json")
	exported := rec.Body.String()

	rec = call(t, h, http.MethodPost, "/import", exported)
	require.Equal(t, http.StatusOK, rec.Code)
	var res store.ImportResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Skipped)

	rec = call(t, h, http.MethodPost, "/import", `{"records":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminKeys(t *testing.T) {
	h, _, _ := newAdminRouter(t)

	rec := call(t, h, http.MethodPost, "/keys", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodPost, "/keys", `{"name":"ci","description":"pipeline"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var key core.APIKey
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&key))
	assert.True(t, strings.HasPrefix(key.Key, "sk-"))

	rec = call(t, h, http.MethodPatch, "/keys/"+key.ID, `{"enabled":false}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h, http.MethodGet, "/keys/"+key.ID+"/usage", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Keys core.KeyStats `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Keys.Total)
	assert.Equal(t, 0, stats.Keys.Enabled)

	rec = call(t, h, http.MethodDelete, "/keys/"+key.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminRotationAndProbe(t *testing.T) {
	h, _, runner := newAdminRouter(t)

	rec := call(t, h, http.MethodGet, "/rotation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":true`)

	rec = call(t, h, http.MethodPost, "/probe", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runner.runs)
}
