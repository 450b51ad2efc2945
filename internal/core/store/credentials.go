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

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a credential value is already registered.
	ErrDuplicate = errors.New("credential value already registered")

	// ErrInvalid is returned when a credential value is empty or malformed.
	ErrInvalid = errors.New("invalid credential")
)

const credentialSelect = `
	SELECT id, name, value, description, kind, enabled, rate_limited,
		rate_limited_at, next_retry_at, usage_count, last_used_at, created_at
	FROM credentials`

// NewCredential describes a credential to register.
type NewCredential struct {
	Name        string
	Value       string
	Description string
	Kind        core.Kind
}

// CredentialUpdate carries the administrative fields to change. Nil fields
// are left untouched.
type CredentialUpdate struct {
	Name        *string
	Value       *string
	Description *string
	Kind        *core.Kind
	Enabled     *bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (core.Credential, error) {
	var (
		c             core.Credential
		kind          string
		enabled       int
		rateLimited   int
		rateLimitedAt sql.NullInt64
		nextRetryAt   sql.NullInt64
		lastUsedAt    sql.NullInt64
		createdAt     int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Value, &c.Description, &kind, &enabled, &rateLimited,
		&rateLimitedAt, &nextRetryAt, &c.UsageCount, &lastUsedAt, &createdAt); err != nil {
		return core.Credential{}, err
	}
	c.Kind = core.ParseKind(kind)
	c.Enabled = enabled != 0
	c.Throttle.RateLimited = rateLimited != 0
	c.Throttle.RateLimitedAt = unixPtr(rateLimitedAt)
	c.Throttle.NextRetryAt = unixPtr(nextRetryAt)
	c.LastUsedAt = unixPtr(lastUsedAt)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return c, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateCredential registers a new enabled credential.
func (s *Store) CreateCredential(ctx context.Context, in NewCredential) (core.Credential, error) {
	if err := s.ready(); err != nil {
		return core.Credential{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	value := strings.TrimSpace(in.Value)
	if value == "" {
		return core.Credential{}, fmt.Errorf("%w: value is required", ErrInvalid)
	}
	if strings.Contains(value, ",") {
		return core.Credential{}, fmt.Errorf("%w: value must not contain commas", ErrInvalid)
	}
	kind := in.Kind
	if kind == "" {
		kind = core.KindNormal
	}

	cred := core.Credential{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Value:       value,
		Description: strings.TrimSpace(in.Description),
		Kind:        core.ParseKind(string(kind)),
		Enabled:     true,
		CreatedAt:   s.now().Truncate(time.Second),
	}

	if err := s.insertCredential(ctx, cred); err != nil {
		return core.Credential{}, err
	}
	return cred, s.refresh(ctx)
}

func (s *Store) insertCredential(ctx context.Context, c core.Credential) error {
	exists, err := s.valueExists(ctx, c.Value)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO credentials (id, name, value, description, kind, enabled, rate_limited,
			rate_limited_at, next_retry_at, usage_count, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Value, c.Description, string(c.Kind), boolInt(c.Enabled), boolInt(c.Throttle.RateLimited),
		nullUnix(c.Throttle.RateLimitedAt), nullUnix(c.Throttle.NextRetryAt), c.UsageCount,
		nullUnix(c.LastUsedAt), c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *Store) valueExists(ctx context.Context, value string) (bool, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials WHERE value = ?`, value).Scan(&count); err != nil {
		return false, fmt.Errorf("lookup credential value: %w", err)
	}
	return count > 0, nil
}

// GetCredential loads one credential by id.
func (s *Store) GetCredential(ctx context.Context, id string) (core.Credential, error) {
	if err := s.ready(); err != nil {
		return core.Credential{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cred, err := scanCredential(s.DB.QueryRowContext(ctx, credentialSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Credential{}, ErrNotFound
	}
	if err != nil {
		return core.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// AllCredentials returns every credential ordered by creation time.
func (s *Store) AllCredentials(ctx context.Context) ([]core.Credential, error) {
	return s.queryCredentials(ctx, credentialSelect+` ORDER BY created_at, id`)
}

func (s *Store) queryCredentials(ctx context.Context, query string, args ...any) ([]core.Credential, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	out := []core.Credential{}
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

// UpdateCredential applies administrative edits.
func (s *Store) UpdateCredential(ctx context.Context, id string, upd CredentialUpdate) (core.Credential, error) {
	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		return core.Credential{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if upd.Name != nil {
		cred.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Description != nil {
		cred.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Kind != nil {
		cred.Kind = core.ParseKind(string(*upd.Kind))
	}
	if upd.Enabled != nil {
		cred.Enabled = *upd.Enabled
	}
	if upd.Value != nil {
		value := strings.TrimSpace(*upd.Value)
		if value == "" {
			return core.Credential{}, fmt.Errorf("%w: value is required", ErrInvalid)
		}
		if strings.Contains(value, ",") {
			return core.Credential{}, fmt.Errorf("%w: value must not contain commas", ErrInvalid)
		}
		if value != cred.Value {
			exists, err := s.valueExists(ctx, value)
			if err != nil {
				return core.Credential{}, err
			}
			if exists {
				return core.Credential{}, ErrDuplicate
			}
		}
		cred.Value = value
	}

	_, err = s.DB.ExecContext(ctx, `
		UPDATE credentials SET name = ?, value = ?, description = ?, kind = ?, enabled = ?
		WHERE id = ?
	`, cred.Name, cred.Value, cred.Description, string(cred.Kind), boolInt(cred.Enabled), id)
	if err != nil {
		return core.Credential{}, fmt.Errorf("update credential: %w", err)
	}
	return cred, s.refresh(ctx)
}

// SetEnabled toggles whether a credential may be selected.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (core.Credential, error) {
	return s.UpdateCredential(ctx, id, CredentialUpdate{Enabled: &enabled})
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.exec(ctx, "delete credential", `DELETE FROM credentials WHERE id = ?`, id); err != nil {
		return err
	}
	return s.refresh(ctx)
}

// RecordUsage bumps usage statistics of every stored credential presenting token.
func (s *Store) RecordUsage(ctx context.Context, token string) error {
	ids, err := s.idsForToken(ctx, token)
	if err != nil || len(ids) == 0 {
		return err
	}

	now := s.now().Unix()
	for _, id := range ids {
		if _, err := s.DB.ExecContext(ctx, `
			UPDATE credentials SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?
		`, now, id); err != nil {
			return fmt.Errorf("record credential usage: %w", err)
		}
	}
	return nil
}

// exec runs a single-row mutation and maps zero affected rows to ErrNotFound.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
