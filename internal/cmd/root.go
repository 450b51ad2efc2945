package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/appid"
	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/observability"
	"github.com/cursorgate/cursorgate/internal/upstream"
)

var (
	cfgFile   string
	verbose   bool
	traceFile string

	// App identity loaded from .fulmen/app.yaml or the embedded copy
	appIdentity *appidentity.Identity

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the loaded app identity (only valid after initConfig)
func GetAppIdentity() *appidentity.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	// NOTE: initConfig() overwrites these from app identity.
	Use:   filepath.Base(os.Args[0]),
	Short: "OpenAI-compatible gateway over a rotating Cursor credential pool",
	Long: `Serve an OpenAI-compatible chat API backed by a pool of Cursor session
credentials, rotating across them and parking the ones the provider throttles.

Use the subcommands to run the server or manage the pool.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Config loading must not emit metrics to stdout; serve installs the real system.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	ctx := context.Background()
	if identity, err := appid.Get(ctx); err == nil && identity != nil {
		appIdentity = identity
		if identity.BinaryName != "" {
			rootCmd.Use = identity.BinaryName
		}
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/cursorgate/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace", "", "trace upstream requests to an NDJSON file")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig resolves identity, logging and the config file before any command runs.
func initConfig() {
	ctx := context.Background()
	identity, err := appid.Get(ctx)
	if err != nil {
		ExitWithCodeStderr(foundry.ExitFileNotFound, "Failed to load app identity", err)
	}
	appIdentity = identity

	if identity.BinaryName != "" {
		rootCmd.Use = identity.BinaryName
	}
	if f := rootCmd.PersistentFlags().Lookup("config"); f != nil && identity.ConfigName != "" {
		f.Usage = fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", identity.ConfigName)
	}

	observability.InitCLILogger(identity.BinaryName, viper.GetBool("verbose"))

	if traceFile != "" {
		if _, err := upstream.EnableTracing(traceFile); err != nil {
			observability.CLILogger.Warn("Failed to enable tracing", zap.Error(err))
		} else {
			// The trace file stays open for the life of the process.
			observability.CLILogger.Debug("Upstream tracing enabled", zap.String("file", traceFile))
		}
	}

	config.SetConfigFile(cfgFile)

	viper.SetEnvPrefix(strings.TrimSuffix(appid.EnvPrefix(identity), "_"))
	viper.AutomaticEnv()
	setDefaults()
}

// setDefaults mirrors the flag-facing subset of config.Defaults into viper so
// bound flags report sensible values before config.Load runs.
func setDefaults() {
	defaults := config.Defaults()
	server, _ := defaults["server"].(map[string]any)
	viper.SetDefault("server.host", server["host"])
	viper.SetDefault("server.port", server["port"])
}

// loadConfig runs the layered loader, promoting flags the user set on cmd
// to runtime overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	serverOverrides := map[string]any{}
	if flag := cmd.Flags().Lookup("host"); flag != nil && flag.Changed {
		serverOverrides["host"] = viper.GetString("server.host")
	}
	if flag := cmd.Flags().Lookup("port"); flag != nil && flag.Changed {
		serverOverrides["port"] = viper.GetInt("server.port")
	}
	if len(serverOverrides) > 0 {
		overrides["server"] = serverOverrides
	}
	if viper.GetBool("verbose") {
		overrides["logging"] = map[string]any{"level": "debug"}
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
