package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/cursorgate/cursorgate/internal/errors"
	"github.com/cursorgate/cursorgate/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the gateway can start: version info, configuration and the credential store.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			logger.Error("❌ FAIL: Version information missing")
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := loadConfig(cmd)
		if err != nil {
			logger.Error("❌ FAIL: Configuration invalid")
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "config load failed"))
			return
		}
		logger.Info("✅ Configuration loaded")

		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			logger.Error("❌ FAIL: Credential store unavailable")
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Credential store unavailable", errwrap.WrapDatabaseError(cmd.Context(), err, "open store"))
			return
		}
		defer func() { _ = db.Close() }()
		logger.Info("✅ Credential store reachable")

		stats, err := db.Stats(cmd.Context())
		if err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Credential stats unavailable", errwrap.WrapDatabaseError(cmd.Context(), err, "stats"))
			return
		}
		switch {
		case stats.Available > 0:
			logger.Info("✅ Credential pool has usable entries", zap.Int("available", stats.Available))
		case cfg.Pool.Credentials != "":
			logger.Info("✅ Credentials supplied via environment")
		default:
			logger.Warn("⚠️  No usable credentials; chat requests will fail until one is added")
		}

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
