package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cursorgate/cursorgate/internal/core"
)

// Credential status filters.
const (
	StatusAll      = "all"
	StatusUsable   = "usable"
	StatusLimited  = "limited"
	StatusDisabled = "disabled"
)

// CredentialQuery selects credentials for listing and bulk rate-limit resets.
type CredentialQuery struct {
	All    bool
	ID     string
	Status string
	Kind   string
}

// Validate rejects queries that would not narrow the selection.
func (q CredentialQuery) Validate() error {
	if q.All || strings.TrimSpace(q.ID) != "" {
		return nil
	}
	switch strings.TrimSpace(q.Status) {
	case StatusUsable, StatusLimited, StatusDisabled:
		return nil
	case "", StatusAll:
	default:
		return fmt.Errorf("unknown status %q (use all, usable, limited, disabled)", q.Status)
	}
	if strings.TrimSpace(q.Kind) != "" {
		return nil
	}
	return errors.New("must specify --all, --id, --status, or --kind")
}

func (q CredentialQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if id := strings.TrimSpace(q.ID); id != "" {
		return "WHERE id = ?", []any{id}, nil
	}

	var clauses []string
	var args []any
	switch strings.TrimSpace(q.Status) {
	case StatusUsable:
		clauses = append(clauses, "enabled = 1 AND rate_limited = 0")
	case StatusLimited:
		clauses = append(clauses, "rate_limited = 1")
	case StatusDisabled:
		clauses = append(clauses, "enabled = 0")
	}
	if kind := strings.TrimSpace(q.Kind); kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(core.ParseKind(kind)))
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

// ListCredentials returns the credentials matching q.
func (s *Store) ListCredentials(ctx context.Context, q CredentialQuery) ([]core.Credential, error) {
	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}
	return s.queryCredentials(ctx, fmt.Sprintf("%s\n%s\nORDER BY created_at, id", credentialSelect, where), args...)
}

// CountCredentials counts the credentials matching q.
func (s *Store) CountCredentials(ctx context.Context, q CredentialQuery) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM credentials
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return count, nil
}

// ResetRateLimits clears the throttle of every credential matching q.
func (s *Store) ResetRateLimits(ctx context.Context, q CredentialQuery) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}
	if where == "" {
		where = "WHERE rate_limited = 1"
	} else {
		where += " AND rate_limited = 1"
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		UPDATE credentials SET rate_limited = 0, rate_limited_at = NULL, next_retry_at = NULL
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	if affected > 0 {
		if err := s.refresh(ctx); err != nil {
			return affected, err
		}
	}
	return affected, nil
}
