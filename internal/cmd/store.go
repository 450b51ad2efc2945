package cmd

import (
	"context"
	"fmt"

	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/core/store"
)

// openStore opens and migrates the credential store described by cfg.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	db.SetRateLimitEnforced(cfg.RateLimit.Enabled)
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return db, nil
}
