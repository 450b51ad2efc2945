package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL UNIQUE,
		enabled INTEGER NOT NULL DEFAULT 1,
		total_requests INTEGER NOT NULL DEFAULT 0,
		last_used_at INTEGER,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS api_key_usage (
		key_id TEXT NOT NULL,
		day TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (key_id, day)
	);`,
	`CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

// credentialColumns are added to credential tables created by older
// releases, which only carried identity fields.
var credentialColumns = []struct {
	name string
	def  string
}{
	{"kind", "TEXT NOT NULL DEFAULT 'normal'"},
	{"enabled", "INTEGER NOT NULL DEFAULT 1"},
	{"rate_limited", "INTEGER NOT NULL DEFAULT 0"},
	{"rate_limited_at", "INTEGER"},
	{"next_retry_at", "INTEGER"},
	{"usage_count", "INTEGER NOT NULL DEFAULT 0"},
	{"last_used_at", "INTEGER"},
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_credentials_rate_limited ON credentials(rate_limited, next_retry_at);`,
	`CREATE INDEX IF NOT EXISTS idx_api_key_usage_day ON api_key_usage(day);`,
}

// Migrate ensures the required tables and columns exist, then loads the
// usable credential view.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	for _, col := range credentialColumns {
		if err := s.ensureColumn(ctx, "credentials", col.name, col.def); err != nil {
			return err
		}
	}

	for _, stmt := range indexStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	return s.refresh(ctx)
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	found := false
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}
	if found {
		return nil
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
