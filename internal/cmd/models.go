package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
	"github.com/cursorgate/cursorgate/internal/observability"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models the provider offers",
	Long: `Ask the provider which models are available, authenticating with the
first usable credential (environment credentials first, then the store).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		pool := rotation.Split(cfg.Pool.Credentials)
		pool = append(pool, db.Usable(core.KindNormal)...)
		if cfg.Pool.Privileged {
			pool = append(pool, db.Usable(core.KindPremium)...)
		}
		if len(pool) == 0 {
			return fmt.Errorf("no usable credentials")
		}

		client, err := newUpstreamClient(cfg)
		if err != nil {
			return err
		}

		models, err := client.ListModels(cmd.Context(), rotation.ExtractToken(pool[0]))
		if err != nil {
			return err
		}
		observability.CLILogger.Debug("Models listed", zap.Int("count", len(models)))

		for _, model := range models {
			fmt.Fprintln(cmd.OutOrStdout(), model)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
