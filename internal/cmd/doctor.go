package cmd

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/config"
	errwrap "github.com/cursorgate/cursorgate/internal/errors"
	"github.com/cursorgate/cursorgate/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the gateway installation and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		logger := observability.CLILogger
		identity := GetAppIdentity()
		appName := "cursorgate"
		if identity != nil && identity.BinaryName != "" {
			appName = identity.BinaryName
		}
		logger.Info("=== " + appName + " doctor ===")
		logger.Info("")
		logger.Info("Running diagnostic checks...")
		logger.Info("")

		allChecks := true
		totalChecks := 8

		goVersion := runtime.Version()
		if goVersion >= "go1.23" {
			logger.Info(fmt.Sprintf("[1/%d] Checking Go version... ✅ %s", totalChecks, goVersion), zap.String("go_version", goVersion))
		} else {
			logger.Warn(fmt.Sprintf("[1/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", totalChecks, goVersion), zap.String("go_version", goVersion))
			allChecks = false
		}

		version := crucible.GetVersion()
		if version.Crucible != "" && version.Gofulmen != "" {
			logger.Info(fmt.Sprintf("[2/%d] Checking Fulmen libraries... ✅ gofulmen v%s, crucible v%s", totalChecks, version.Gofulmen, version.Crucible))
		} else {
			logger.Error(fmt.Sprintf("[2/%d] Checking Fulmen libraries... ❌ Cannot access Crucible", totalChecks))
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible", errwrap.NewExternalServiceError("Crucible service unavailable"))
		}

		configPath := config.DefaultConfigPath()
		if configPath == "" {
			logger.Error(fmt.Sprintf("[3/%d] Checking config directory... ❌ Cannot resolve config directory", totalChecks))
			ExitWithCode(logger, foundry.ExitFileNotFound, "Cannot resolve config directory", errwrap.NewInternalError("config directory not resolved"))
		}
		logger.Info(fmt.Sprintf("[3/%d] Checking config directory... ✅ %s (%s)", totalChecks, filepath.Dir(configPath), existenceStatus(fileExists(configPath))),
			zap.String("config_path", configPath))

		cfg, cfgErr := loadConfig(cmd)
		if cfgErr != nil {
			logger.Error(fmt.Sprintf("[4/%d] Loading configuration... ❌ %v", totalChecks, cfgErr))
			logger.Warn("⚠️  Remaining checks need a valid configuration.")
			return
		}
		logger.Info(fmt.Sprintf("[4/%d] Loading configuration... ✅", totalChecks))

		if cfg.Store.URL != "" {
			logger.Info(fmt.Sprintf("[5/%d] Checking database... ✅ %s (remote)", totalChecks, cfg.Store.URL), zap.String("db_url", cfg.Store.URL))
		} else {
			absPath, _ := filepath.Abs(cfg.Store.Path)
			if info, statErr := os.Stat(absPath); statErr == nil {
				logger.Info(fmt.Sprintf("[5/%d] Checking database... ✅ %s (%s)", totalChecks, absPath, formatFileSize(info.Size())),
					zap.String("db_path", absPath),
					zap.Int64("db_size", info.Size()))
			} else if os.IsNotExist(statErr) {
				logger.Warn(fmt.Sprintf("[5/%d] Checking database... ⚠️  %s (not created yet)", totalChecks, absPath), zap.String("db_path", absPath))
			} else {
				logger.Warn(fmt.Sprintf("[5/%d] Checking database... ⚠️  %s (error: %v)", totalChecks, absPath, statErr), zap.Error(statErr))
				allChecks = false
			}
		}

		db, storeErr := openStore(ctx, cfg)
		if storeErr != nil {
			logger.Warn(fmt.Sprintf("[6/%d] Checking credential pool... ⚠️  cannot open store", totalChecks), zap.Error(storeErr))
			allChecks = false
		} else {
			defer db.Close() //nolint:errcheck
			stats, err := db.Stats(ctx)
			switch {
			case err != nil:
				logger.Warn(fmt.Sprintf("[6/%d] Checking credential pool... ⚠️  cannot read stats", totalChecks), zap.Error(err))
				allChecks = false
			case stats.Available > 0:
				logger.Info(fmt.Sprintf("[6/%d] Checking credential pool... ✅ %d/%d usable (%d rate-limited)", totalChecks, stats.Available, stats.Total, stats.RateLimited),
					zap.Int("available", stats.Available),
					zap.Int("total", stats.Total))
			case cfg.Pool.Credentials != "":
				logger.Info(fmt.Sprintf("[6/%d] Checking credential pool... ✅ store empty, environment credentials set", totalChecks))
			default:
				logger.Warn(fmt.Sprintf("[6/%d] Checking credential pool... ⚠️  no usable credentials (run '%s credentials add')", totalChecks, appName))
				allChecks = false
			}
		}

		if !cfg.Proxy.Enabled {
			logger.Info(fmt.Sprintf("[7/%d] Checking proxy... ✅ disabled", totalChecks))
		} else if u, err := url.Parse(cfg.Proxy.URL); err != nil || u.Host == "" {
			logger.Warn(fmt.Sprintf("[7/%d] Checking proxy... ⚠️  invalid url %q", totalChecks, cfg.Proxy.URL))
			allChecks = false
		} else {
			logger.Info(fmt.Sprintf("[7/%d] Checking proxy... ✅ %s", totalChecks, u.Host))
		}

		if cfg.Admin.Token != "" {
			logger.Info(fmt.Sprintf("[8/%d] Checking admin API... ✅ enabled", totalChecks))
		} else {
			logger.Warn(fmt.Sprintf("[8/%d] Checking admin API... ⚠️  disabled (set admin.token or ADMIN_PASSWORD)", totalChecks))
		}

		logger.Info("")
		if allChecks {
			logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", appName))
		} else {
			logger.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
		logger.Info("")
		logger.Info("=== End Diagnostics ===")
	},
}

var (
	doctorInitForce      bool
	doctorInitAdminToken string
	doctorResetConfig    bool
	doctorResetData      bool
	doctorResetAll       bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}

		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		token := strings.TrimSpace(doctorInitAdminToken)
		if strings.EqualFold(token, "prompt") {
			value, err := promptForValue("Enter admin token (leave blank to disable the admin API): ")
			if err != nil {
				return err
			}
			token = value
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}

		mode := os.FileMode(0644)
		if token != "" {
			mode = 0600
		}

		if err := os.WriteFile(configPath, []byte(buildInitConfig(token)), mode); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

var doctorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration status and paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.CLILogger
		configPath := config.DefaultConfigPath()
		dataDir := config.DefaultDataDir()

		logger.Info("Configuration:")
		logger.Info(fmt.Sprintf("  Config file:    %s (%s)", configPath, existenceStatus(fileExists(configPath))))
		if dataDir != "" {
			logger.Info(fmt.Sprintf("  Data directory: %s (%s)", dataDir, existenceStatus(fileExists(dataDir))))
		} else {
			logger.Info("  Data directory: (not resolved)")
		}

		prefix := config.EnvPrefix()
		logger.Info("")
		logger.Info("Environment:")
		for _, name := range []string{
			"AUTH_COOKIE", prefix + "CREDENTIALS",
			"ADMIN_PASSWORD", prefix + "ADMIN_TOKEN",
			"PROXY_URL", prefix + "PROXY_URL",
		} {
			logger.Info(fmt.Sprintf("  %-28s %s", name+":", envStatus(name)))
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			logger.Warn("Config load failed", zap.Error(err))
			return nil
		}

		logger.Info("")
		logger.Info("Effective Settings:")
		logger.Info(fmt.Sprintf("  rotation.enabled:   %t", cfg.Rotation.Enabled))
		logger.Info(fmt.Sprintf("  rotation.interval:  %s", cfg.Rotation.Interval))
		logger.Info(fmt.Sprintf("  rate_limit.enabled: %t", cfg.RateLimit.Enabled))
		logger.Info(fmt.Sprintf("  proxy.enabled:      %t", cfg.Proxy.Enabled))
		logger.Info(fmt.Sprintf("  recovery.schedule:  %s", cfg.Recovery.Schedule))
		return nil
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset user configuration and/or data",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorResetAll {
			doctorResetConfig = true
			doctorResetData = true
		}

		if !doctorResetConfig && !doctorResetData {
			return fmt.Errorf("specify --config, --data, or --all")
		}

		if doctorResetConfig {
			configPath := config.DefaultConfigPath()
			if configPath == "" {
				observability.CLILogger.Warn("Config path not resolved; skipping config reset")
			} else if err := os.Remove(configPath); err == nil {
				observability.CLILogger.Info("Config removed", zap.String("path", configPath))
			} else if os.IsNotExist(err) {
				observability.CLILogger.Info("Config already removed", zap.String("path", configPath))
			} else {
				return fmt.Errorf("remove config file: %w", err)
			}
		}

		if doctorResetData {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.URL != "" {
				return fmt.Errorf("remote store configured; database reset is not supported")
			}

			absPath, _ := filepath.Abs(cfg.Store.Path)
			if err := os.Remove(absPath); err == nil {
				observability.CLILogger.Info("Database removed", zap.String("path", absPath))
			} else if os.IsNotExist(err) {
				observability.CLILogger.Info("Database already removed", zap.String("path", absPath))
			} else {
				return fmt.Errorf("remove database: %w", err)
			}
		}

		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if cfgFile != "" {
			configPath = cfgFile
		}
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", configPath)
		}

		if _, err := loadConfig(cmd); err != nil {
			return err
		}

		observability.CLILogger.Info("Config is valid", zap.String("path", configPath))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorConfigCmd)
	doctorCmd.AddCommand(doctorResetCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
	doctorInitCmd.Flags().StringVar(&doctorInitAdminToken, "admin-token", "", "set the admin API token or use 'prompt' to enter")

	doctorResetCmd.Flags().BoolVar(&doctorResetConfig, "config", false, "remove user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove local database")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and data")
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

func buildInitConfig(adminToken string) string {
	lines := []string{
		"# cursorgate config - created by 'cursorgate doctor init'",
		"server:",
		"  host: 0.0.0.0",
		"  port: 3010",
		"rotation:",
		"  enabled: false",
		"  interval: 5m",
		"rate_limit:",
		"  enabled: true",
		"proxy:",
		"  enabled: false",
		"  url: http://127.0.0.1:7890",
		"recovery:",
		"  enabled: true",
		"  schedule: \"*/10 * * * *\"",
		"admin:",
	}

	if adminToken != "" {
		lines = append(lines, fmt.Sprintf("  token: %q", adminToken))
	} else {
		lines = append(lines, "  # token: \"\"  # Set via CURSORGATE_ADMIN_TOKEN or uncomment")
	}

	return strings.Join(lines, "\n") + "\n"
}

func promptForValue(prompt string) (string, error) {
	if _, err := fmt.Fprint(os.Stdout, prompt); err != nil {
		return "", err
	}
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func existenceStatus(exists bool) string {
	if exists {
		return "exists"
	}
	return "missing"
}

func envStatus(name string) string {
	if strings.TrimSpace(os.Getenv(name)) != "" {
		return "(set)"
	}
	return "(not set)"
}
