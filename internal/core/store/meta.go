package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Meta keys written by the service.
const (
	MetaLastSweep = "recovery.last_sweep"
)

// SetMeta stores a key/value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return fmt.Errorf("set store meta: %w", err)
	}
	return nil
}

// GetMeta loads a value; ok is false when the key is unset.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	if err := s.ready(); err != nil {
		return "", false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	err = s.DB.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get store meta: %w", err)
	}
	return value, true, nil
}
