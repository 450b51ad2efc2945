package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, effective configuration and version information. Secrets are reported as set or unset.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		version := crucible.GetVersion()
		identity := GetAppIdentity()

		logger.Info("=== " + identity.BinaryName + " Environment Information ===")
		logger.Info("")

		logger.Info("Application:")
		logger.Info("  Name:       " + identity.BinaryName)
		logger.Info("  Version:    " + versionInfo.Version)
		logger.Info("  Commit:     " + versionInfo.Commit)
		logger.Info("  Built:      " + versionInfo.BuildDate)
		logger.Info("")

		logger.Info("SSOT:")
		logger.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		logger.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		logger.Info("")

		logger.Info("Runtime:")
		logger.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		logger.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		logger.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		logger.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		logger.Info("")

		cfg, err := loadConfig(cmd)
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return
		}

		logger.Info("Server:")
		logger.Info("  Host:           "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		logger.Info(fmt.Sprintf("  Port:           %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		logger.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		logger.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		logger.Info(fmt.Sprintf("  Admin API:      %s", setStatus(cfg.Admin.Token)))
		if len(cfg.API.CORSOrigins) > 0 {
			logger.Info("  CORS Origins:   " + strings.Join(cfg.API.CORSOrigins, ", "))
		}
		if cfg.API.KeyRateLimit > 0 {
			logger.Info(fmt.Sprintf("  Key Limit:      %d/min", cfg.API.KeyRateLimit))
		}
		logger.Info("")

		logger.Info("Store:")
		logger.Info("  Driver:         "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			logger.Info("  URL:            "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			logger.Info("  Path:           "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		logger.Info("")

		logger.Info("Credential Pool:")
		logger.Info("  Env Credentials: " + setStatus(cfg.Pool.Credentials))
		logger.Info(fmt.Sprintf("  Privileged:      %t", cfg.Pool.Privileged))
		logger.Info(fmt.Sprintf("  Rotation:        %t (interval %s, delay %s)", cfg.Rotation.Enabled, cfg.Rotation.Interval, cfg.Rotation.Delay))
		logger.Info(fmt.Sprintf("  Rate Limiting:   %t", cfg.RateLimit.Enabled))
		logger.Info(fmt.Sprintf("  Recovery:        %t (%s)", cfg.Recovery.Enabled, cfg.Recovery.Schedule))
		logger.Info("")

		logger.Info("Upstream:")
		logger.Info("  Base URL:        " + cfg.Upstream.BaseURL)
		logger.Info("  Client Version:  " + cfg.Upstream.ClientVersion)
		logger.Info("  Timezone:        " + cfg.Upstream.Timezone)
		logger.Info(fmt.Sprintf("  Max Attempts:    %d", cfg.Upstream.MaxAttempts))
		if cfg.Proxy.Enabled {
			logger.Info("  Proxy:           " + cfg.Proxy.URL)
		} else {
			logger.Info("  Proxy:           (disabled)")
		}
		logger.Info("")

		logger.Info(fmt.Sprintf("Metrics: %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		logger.Info("")
		logger.Info("=== End Environment Information ===")
	},
}

func setStatus(value string) string {
	if strings.TrimSpace(value) != "" {
		return "(set)"
	}
	return "(not set)"
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
