package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
)

// MarkAsRateLimited puts a credential into the throttle window.
func (s *Store) MarkAsRateLimited(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	throttle := core.Limit(s.now())
	if err := s.exec(ctx, "mark credential rate limited", `
		UPDATE credentials SET rate_limited = 1, rate_limited_at = ?, next_retry_at = ?
		WHERE id = ?
	`, nullUnix(throttle.RateLimitedAt), nullUnix(throttle.NextRetryAt), id); err != nil {
		return err
	}
	return s.refresh(ctx)
}

// MarkValueRateLimited throttles every stored credential presenting token,
// matching either the raw value or its extracted token. Credentials supplied
// only through the environment are not stored and yield zero.
func (s *Store) MarkValueRateLimited(ctx context.Context, token string) (int, error) {
	ids, err := s.idsForToken(ctx, token)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.MarkAsRateLimited(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// BanValue records a provider rate limit for token.
func (s *Store) BanValue(ctx context.Context, token string) error {
	_, err := s.MarkValueRateLimited(ctx, token)
	return err
}

// ClearRateLimit returns a credential to service.
func (s *Store) ClearRateLimit(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.exec(ctx, "clear credential rate limit", `
		UPDATE credentials SET rate_limited = 0, rate_limited_at = NULL, next_retry_at = NULL
		WHERE id = ?
	`, id); err != nil {
		return err
	}
	return s.refresh(ctx)
}

// PushNextRetry schedules the next probe of a throttled credential.
func (s *Store) PushNextRetry(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	next := s.now().Add(core.ProbeInterval).Unix()
	return s.exec(ctx, "push credential retry", `
		UPDATE credentials SET next_retry_at = ? WHERE id = ? AND rate_limited = 1
	`, next, id)
}

// CandidatesForProbe returns throttled credentials whose next retry is due.
func (s *Store) CandidatesForProbe(ctx context.Context) ([]core.Credential, error) {
	return s.queryCredentials(ctx, credentialSelect+`
		WHERE rate_limited = 1 AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at, id`, s.now().Unix())
}

// SweepExpired clears every throttle older than core.ThrottleCeiling and
// reports whether anything changed.
func (s *Store) SweepExpired(ctx context.Context) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cutoff := s.now().Add(-core.ThrottleCeiling).Unix()
	result, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET rate_limited = 0, rate_limited_at = NULL, next_retry_at = NULL
		WHERE rate_limited = 1 AND rate_limited_at IS NOT NULL AND rate_limited_at <= ?
	`, cutoff)
	if err != nil {
		return false, fmt.Errorf("sweep expired rate limits: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sweep expired rate limits: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	return true, s.refresh(ctx)
}

func (s *Store) idsForToken(ctx context.Context, token string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT id, value FROM credentials`)
	if err != nil {
		return nil, fmt.Errorf("lookup credential token: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	var ids []string
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("lookup credential token: %w", err)
		}
		if value == token || rotation.ExtractToken(value) == token {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup credential token: %w", err)
	}
	return ids, nil
}
