package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cursorgate/cursorgate/internal/core"
)

// ExportVersion is the document version written by Export.
const ExportVersion = "1.0"

// ExportDocument is the portable credential dump.
type ExportDocument struct {
	Records    []ExportEntry `json:"records"`
	ExportedAt time.Time     `json:"exportedAt"`
	Version    string        `json:"version"`
}

// ExportEntry is one [id, record] pair.
type ExportEntry struct {
	ID     string
	Record ExportRecord
}

// ExportRecord is the serialized form of a credential.
type ExportRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Value         string     `json:"value"`
	Description   string     `json:"description"`
	Kind          string     `json:"kind"`
	Enabled       *bool      `json:"enabled"`
	RateLimited   bool       `json:"rateLimited"`
	RateLimitedAt *time.Time `json:"rateLimitedAt"`
	NextRetryAt   *time.Time `json:"nextRetryAt"`
	UsageCount    int64      `json:"usageCount"`
	LastUsedAt    *time.Time `json:"lastUsedAt"`
	CreatedAt     *time.Time `json:"createdAt"`

	// Field names written by older exports.
	LegacyType       string     `json:"type,omitempty"`
	LegacyNextTestAt *time.Time `json:"nextTestAt,omitempty"`
	LegacyLastUsed   *time.Time `json:"lastUsed,omitempty"`
}

// MarshalJSON writes the entry as a two-element array.
func (e ExportEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.ID, e.Record})
}

// UnmarshalJSON reads a two-element [id, record] array.
func (e *ExportEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("export entry must be an [id, record] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("export entry must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return fmt.Errorf("export entry id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Record); err != nil {
		return fmt.Errorf("export entry record: %w", err)
	}
	return nil
}

// ImportResult reports what an import did.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Export dumps every credential.
func (s *Store) Export(ctx context.Context) (ExportDocument, error) {
	creds, err := s.AllCredentials(ctx)
	if err != nil {
		return ExportDocument{}, err
	}

	doc := ExportDocument{
		Records:    make([]ExportEntry, 0, len(creds)),
		ExportedAt: s.now(),
		Version:    ExportVersion,
	}
	for _, c := range creds {
		enabled := c.Enabled
		created := c.CreatedAt
		doc.Records = append(doc.Records, ExportEntry{
			ID: c.ID,
			Record: ExportRecord{
				ID:            c.ID,
				Name:          c.Name,
				Value:         c.Value,
				Description:   c.Description,
				Kind:          string(c.Kind),
				Enabled:       &enabled,
				RateLimited:   c.Throttle.RateLimited,
				RateLimitedAt: c.Throttle.RateLimitedAt,
				NextRetryAt:   c.Throttle.NextRetryAt,
				UsageCount:    c.UsageCount,
				LastUsedAt:    c.LastUsedAt,
				CreatedAt:     &created,
			},
		})
	}
	return doc, nil
}

// ParseExport decodes an export document, accepting the legacy
// "authCookies" key in place of "records".
func ParseExport(data []byte) (ExportDocument, error) {
	var raw struct {
		ExportDocument
		AuthCookies []ExportEntry `json:"authCookies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ExportDocument{}, fmt.Errorf("parse export document: %w", err)
	}
	doc := raw.ExportDocument
	if len(doc.Records) == 0 && len(raw.AuthCookies) > 0 {
		doc.Records = raw.AuthCookies
	}
	return doc, nil
}

// Import adds every record whose value is not registered yet. Existing
// records are never overwritten.
func (s *Store) Import(ctx context.Context, doc ExportDocument) (ImportResult, error) {
	if err := s.ready(); err != nil {
		return ImportResult{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var result ImportResult
	for _, entry := range doc.Records {
		cred, err := s.fromExport(entry)
		if err != nil {
			return result, err
		}

		exists, err := s.valueExists(ctx, cred.Value)
		if err != nil {
			return result, err
		}
		if exists {
			result.Skipped++
			continue
		}
		if _, err := s.GetCredential(ctx, cred.ID); err == nil {
			cred.ID = uuid.NewString()
		} else if !errors.Is(err, ErrNotFound) {
			return result, err
		}

		if err := s.insertCredential(ctx, cred); err != nil {
			return result, err
		}
		result.Imported++
	}

	return result, s.refresh(ctx)
}

// fromExport fills defaults for fields older documents omit.
func (s *Store) fromExport(entry ExportEntry) (core.Credential, error) {
	rec := entry.Record
	value := strings.TrimSpace(rec.Value)
	if value == "" {
		return core.Credential{}, fmt.Errorf("import record %q has no value", entry.ID)
	}

	id := strings.TrimSpace(entry.ID)
	if id == "" {
		id = strings.TrimSpace(rec.ID)
	}
	if id == "" {
		id = uuid.NewString()
	}

	kind := rec.Kind
	if kind == "" {
		kind = rec.LegacyType
	}
	enabled := true
	if rec.Enabled != nil {
		enabled = *rec.Enabled
	}
	created := s.now().Truncate(time.Second)
	if rec.CreatedAt != nil {
		created = rec.CreatedAt.UTC()
	}
	next := rec.NextRetryAt
	if next == nil {
		next = rec.LegacyNextTestAt
	}
	lastUsed := rec.LastUsedAt
	if lastUsed == nil {
		lastUsed = rec.LegacyLastUsed
	}

	cred := core.Credential{
		ID:          id,
		Name:        strings.TrimSpace(rec.Name),
		Value:       value,
		Description: rec.Description,
		Kind:        core.ParseKind(kind),
		Enabled:     enabled,
		UsageCount:  rec.UsageCount,
		LastUsedAt:  lastUsed,
		CreatedAt:   created,
	}
	if rec.RateLimited {
		cred.Throttle = core.Throttle{RateLimited: true, RateLimitedAt: rec.RateLimitedAt, NextRetryAt: next}
		if cred.Throttle.RateLimitedAt == nil {
			cred.Throttle = core.Limit(s.now())
		}
	}
	return cred, nil
}
