package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/recovery"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
	"github.com/cursorgate/cursorgate/internal/core/store"
	apperrors "github.com/cursorgate/cursorgate/internal/errors"
)

// CredentialStore is the store surface behind the admin API.
type CredentialStore interface {
	ListCredentials(ctx context.Context, q store.CredentialQuery) ([]core.Credential, error)
	GetCredential(ctx context.Context, id string) (core.Credential, error)
	CreateCredential(ctx context.Context, in store.NewCredential) (core.Credential, error)
	UpdateCredential(ctx context.Context, id string, upd store.CredentialUpdate) (core.Credential, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (core.Credential, error)
	DeleteCredential(ctx context.Context, id string) error
	ClearRateLimit(ctx context.Context, id string) error
	ResetRateLimits(ctx context.Context, q store.CredentialQuery) (int64, error)
	Stats(ctx context.Context) (core.PoolStats, error)
	Export(ctx context.Context) (store.ExportDocument, error)
	Import(ctx context.Context, doc store.ExportDocument) (store.ImportResult, error)

	CreateAPIKey(ctx context.Context, name, description string) (core.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]core.APIKey, error)
	SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error
	DeleteAPIKey(ctx context.Context, id string) error
	APIKeyDailyUsage(ctx context.Context, id string) (map[string]int64, error)
	KeyStats(ctx context.Context) (core.KeyStats, error)
}

// CursorSource exposes the rotation cursor.
type CursorSource interface {
	Snapshot() rotation.Cursor
	Config() rotation.Config
}

// RecoveryRunner runs one recovery pass on demand.
type RecoveryRunner interface {
	RunOnce(ctx context.Context) (recovery.Report, error)
}

// Admin serves the credential administration API.
type Admin struct {
	Store    CredentialStore
	Cursor   CursorSource
	Recovery RecoveryRunner
}

// Routes mounts the admin API on r.
func (a *Admin) Routes(r chi.Router) {
	r.Get("/credentials", a.listCredentials)
	r.Post("/credentials", a.createCredential)
	r.Get("/credentials/{id}", a.getCredential)
	r.Patch("/credentials/{id}", a.updateCredential)
	r.Delete("/credentials/{id}", a.deleteCredential)
	r.Post("/credentials/{id}/toggle", a.toggleCredential)
	r.Post("/credentials/{id}/clear", a.clearRateLimit)
	r.Post("/credentials/reset", a.resetRateLimits)

	r.Get("/stats", a.stats)
	r.Get("/export", a.export)
	r.Post("/import", a.importCredentials)
	r.Get("/rotation", a.rotation)
	r.Post("/probe", a.probe)

	r.Get("/keys", a.listKeys)
	r.Post("/keys", a.createKey)
	r.Patch("/keys/{id}", a.updateKey)
	r.Delete("/keys/{id}", a.deleteKey)
	r.Get("/keys/{id}/usage", a.keyUsage)
}

type credentialPayload struct {
	Name        *string `json:"name"`
	Value       *string `json:"value"`
	Description *string `json:"description"`
	Kind        *string `json:"kind"`
	Enabled     *bool   `json:"enabled"`
}

func (a *Admin) listCredentials(w http.ResponseWriter, r *http.Request) {
	q := store.CredentialQuery{
		Status: r.URL.Query().Get("status"),
		Kind:   r.URL.Query().Get("kind"),
	}
	if q.Status == "" || q.Status == store.StatusAll {
		q.All = q.Kind == ""
	}

	creds, err := a.Store.ListCredentials(r.Context(), q)
	if err != nil {
		a.storeError(w, r, err, "Unable to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds, "count": len(creds)})
}

func (a *Admin) getCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := a.Store.GetCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, r, err, "Unable to load credential")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *Admin) createCredential(w http.ResponseWriter, r *http.Request) {
	var in credentialPayload
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Value == nil || strings.TrimSpace(*in.Value) == "" {
		respondWithError(w, r, apperrors.NewValidationError("value is required"))
		return
	}

	nc := store.NewCredential{Value: *in.Value}
	if in.Name != nil {
		nc.Name = *in.Name
	}
	if in.Description != nil {
		nc.Description = *in.Description
	}
	if in.Kind != nil {
		nc.Kind = core.ParseKind(*in.Kind)
	}

	cred, err := a.Store.CreateCredential(r.Context(), nc)
	if err != nil {
		a.storeError(w, r, err, "Unable to create credential")
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (a *Admin) updateCredential(w http.ResponseWriter, r *http.Request) {
	var in credentialPayload
	if !decodeBody(w, r, &in) {
		return
	}

	upd := store.CredentialUpdate{
		Name:        in.Name,
		Value:       in.Value,
		Description: in.Description,
		Enabled:     in.Enabled,
	}
	if in.Kind != nil {
		kind := core.ParseKind(*in.Kind)
		upd.Kind = &kind
	}

	cred, err := a.Store.UpdateCredential(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		a.storeError(w, r, err, "Unable to update credential")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *Admin) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.DeleteCredential(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.storeError(w, r, err, "Unable to delete credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) toggleCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cred, err := a.Store.GetCredential(r.Context(), id)
	if err != nil {
		a.storeError(w, r, err, "Unable to load credential")
		return
	}
	cred, err = a.Store.SetEnabled(r.Context(), id, !cred.Enabled)
	if err != nil {
		a.storeError(w, r, err, "Unable to toggle credential")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *Admin) clearRateLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Store.ClearRateLimit(r.Context(), id); err != nil {
		a.storeError(w, r, err, "Unable to clear rate limit")
		return
	}
	cred, err := a.Store.GetCredential(r.Context(), id)
	if err != nil {
		a.storeError(w, r, err, "Unable to load credential")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *Admin) resetRateLimits(w http.ResponseWriter, r *http.Request) {
	var q struct {
		All    bool   `json:"all"`
		ID     string `json:"id"`
		Status string `json:"status"`
		Kind   string `json:"kind"`
	}
	if !decodeBody(w, r, &q) {
		return
	}

	query := store.CredentialQuery{All: q.All, ID: q.ID, Status: q.Status, Kind: q.Kind}
	if err := query.Validate(); err != nil {
		respondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, err.Error()))
		return
	}
	n, err := a.Store.ResetRateLimits(r.Context(), query)
	if err != nil {
		a.storeError(w, r, err, "Unable to reset rate limits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

func (a *Admin) stats(w http.ResponseWriter, r *http.Request) {
	pool, err := a.Store.Stats(r.Context())
	if err != nil {
		a.storeError(w, r, err, "Unable to compute credential stats")
		return
	}
	keys, err := a.Store.KeyStats(r.Context())
	if err != nil {
		a.storeError(w, r, err, "Unable to compute key stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": pool, "keys": keys})
}

func (a *Admin) export(w http.ResponseWriter, r *http.Request) {
	doc, err := a.Store.Export(r.Context())
	if err != nil {
		a.storeError(w, r, err, "Unable to export credentials")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="credentials-export.json"`)
	writeJSON(w, http.StatusOK, doc)
}

func (a *Admin) importCredentials(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Unable to read import document"))
		return
	}
	doc, err := store.ParseExport(data)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Import document is not valid"))
		return
	}
	res, err := a.Store.Import(r.Context(), doc)
	if err != nil {
		a.storeError(w, r, err, "Unable to import credentials")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *Admin) rotation(w http.ResponseWriter, r *http.Request) {
	if a.Cursor == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("rotation cursor is not available"))
		return
	}
	cfg := a.Cursor.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  cfg.Enabled,
		"interval": cfg.Interval.String(),
		"cursor":   a.Cursor.Snapshot(),
	})
}

func (a *Admin) probe(w http.ResponseWriter, r *http.Request) {
	if a.Recovery == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("recovery is not configured"))
		return
	}
	report, err := a.Recovery.RunOnce(r.Context())
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "Recovery pass failed"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *Admin) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.Store.ListAPIKeys(r.Context())
	if err != nil {
		a.storeError(w, r, err, "Unable to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
}

func (a *Admin) createKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		respondWithError(w, r, apperrors.NewValidationError("name is required"))
		return
	}
	key, err := a.Store.CreateAPIKey(r.Context(), in.Name, in.Description)
	if err != nil {
		a.storeError(w, r, err, "Unable to create API key")
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (a *Admin) updateKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Enabled == nil {
		respondWithError(w, r, apperrors.NewValidationError("enabled is required"))
		return
	}
	if err := a.Store.SetAPIKeyEnabled(r.Context(), chi.URLParam(r, "id"), *in.Enabled); err != nil {
		a.storeError(w, r, err, "Unable to update API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.DeleteAPIKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.storeError(w, r, err, "Unable to delete API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) keyUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := a.Store.APIKeyDailyUsage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, r, err, "Unable to load API key usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daily": usage})
}

func (a *Admin) storeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondWithError(w, r, apperrors.WrapNotFound(r.Context(), err, "Resource not found"))
	case errors.Is(err, store.ErrDuplicate):
		respondWithError(w, r, apperrors.WrapConflict(r.Context(), err, "A credential with this value already exists"))
	case errors.Is(err, store.ErrInvalid):
		respondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, err.Error()))
	default:
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, message))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "Request body is not valid JSON"))
		return false
	}
	return true
}
