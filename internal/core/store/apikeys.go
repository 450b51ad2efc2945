package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cursorgate/cursorgate/internal/core"
)

// UsageRetention is how long daily API key usage rows are kept.
const UsageRetention = 30 * 24 * time.Hour

const apiKeySelect = `
	SELECT id, name, description, key, enabled, total_requests, last_used_at, created_at
	FROM api_keys`

func scanAPIKey(row rowScanner) (core.APIKey, error) {
	var (
		k          core.APIKey
		enabled    int
		lastUsedAt sql.NullInt64
		createdAt  int64
	)
	if err := row.Scan(&k.ID, &k.Name, &k.Description, &k.Key, &enabled, &k.TotalRequests, &lastUsedAt, &createdAt); err != nil {
		return core.APIKey{}, err
	}
	k.Enabled = enabled != 0
	k.LastUsedAt = unixPtr(lastUsedAt)
	k.CreatedAt = time.Unix(createdAt, 0).UTC()
	return k, nil
}

// GenerateAPIKey returns a fresh client key of the form sk-<32 hex>.
func GenerateAPIKey() string {
	return "sk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateAPIKey issues a new enabled client key.
func (s *Store) CreateAPIKey(ctx context.Context, name, description string) (core.APIKey, error) {
	if err := s.ready(); err != nil {
		return core.APIKey{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return core.APIKey{}, errors.New("api key name is required")
	}

	key := core.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Key:         GenerateAPIKey(),
		Enabled:     true,
		CreatedAt:   s.now().Truncate(time.Second),
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, description, key, enabled, total_requests, created_at)
		VALUES (?, ?, ?, ?, 1, 0, ?)
	`, key.ID, key.Name, key.Description, key.Key, key.CreatedAt.Unix())
	if err != nil {
		return core.APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns every client key ordered by creation time.
func (s *Store) ListAPIKeys(ctx context.Context) ([]core.APIKey, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, apiKeySelect+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	out := []core.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return out, nil
}

// LookupAPIKey finds a client key by its secret value.
func (s *Store) LookupAPIKey(ctx context.Context, secret string) (core.APIKey, error) {
	if err := s.ready(); err != nil {
		return core.APIKey{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := scanAPIKey(s.DB.QueryRowContext(ctx, apiKeySelect+` WHERE key = ?`, strings.TrimSpace(secret)))
	if errors.Is(err, sql.ErrNoRows) {
		return core.APIKey{}, ErrNotFound
	}
	if err != nil {
		return core.APIKey{}, fmt.Errorf("lookup api key: %w", err)
	}
	return key, nil
}

// SetAPIKeyEnabled toggles a client key.
func (s *Store) SetAPIKeyEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.exec(ctx, "update api key", `UPDATE api_keys SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
}

// DeleteAPIKey removes a client key and its usage history.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.exec(ctx, "delete api key", `DELETE FROM api_keys WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM api_key_usage WHERE key_id = ?`, id); err != nil {
		return fmt.Errorf("delete api key usage: %w", err)
	}
	return nil
}

// RecordAPIKeyUsage counts one request against a client key and prunes
// daily rows older than UsageRetention.
func (s *Store) RecordAPIKeyUsage(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now()
	if err := s.exec(ctx, "record api key usage", `
		UPDATE api_keys SET total_requests = total_requests + 1, last_used_at = ? WHERE id = ?
	`, now.Unix(), id); err != nil {
		return err
	}

	if _, err := s.DB.ExecContext(ctx, `
		INSERT INTO api_key_usage (key_id, day, count) VALUES (?, ?, 1)
		ON CONFLICT(key_id, day) DO UPDATE SET count = count + 1
	`, id, dayKey(now)); err != nil {
		return fmt.Errorf("record api key usage: %w", err)
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM api_key_usage WHERE day < ?`, dayKey(now.Add(-UsageRetention))); err != nil {
		return fmt.Errorf("prune api key usage: %w", err)
	}
	return nil
}

// APIKeyDailyUsage returns request counts for a client key keyed by UTC day.
func (s *Store) APIKeyDailyUsage(ctx context.Context, id string) (map[string]int64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT day, count FROM api_key_usage WHERE key_id = ? ORDER BY day`, id)
	if err != nil {
		return nil, fmt.Errorf("api key usage: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	out := map[string]int64{}
	for rows.Next() {
		var day string
		var count int64
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scan api key usage: %w", err)
		}
		out[day] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("api key usage: %w", err)
	}
	return out, nil
}

// KeyStats summarizes client key usage.
func (s *Store) KeyStats(ctx context.Context) (core.KeyStats, error) {
	keys, err := s.ListAPIKeys(ctx)
	if err != nil {
		return core.KeyStats{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var stats core.KeyStats
	for _, k := range keys {
		stats.Total++
		if k.Enabled {
			stats.Enabled++
		}
		stats.TotalRequests += k.TotalRequests
	}

	var today sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, `SELECT SUM(count) FROM api_key_usage WHERE day = ?`, dayKey(s.now())).Scan(&today); err != nil {
		return core.KeyStats{}, fmt.Errorf("api key stats: %w", err)
	}
	stats.TodayRequests = today.Int64
	return stats, nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
