package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger is used by commands (SIMPLE profile).
	CLILogger *logging.Logger

	// ServerLogger is used by the gateway server (STRUCTURED profile by default).
	ServerLogger *logging.Logger
)

// Current returns the server logger when the server is running, otherwise
// the CLI logger. Either may be nil before initialization.
func Current() *logging.Logger {
	if ServerLogger != nil {
		return ServerLogger
	}
	return CLILogger
}

// InitCLILogger installs the CLI logger; verbose lowers it to DEBUG.
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
}

// ServerLogOptions selects how the gateway logs.
type ServerLogOptions struct {
	Service string
	// Level is trace, debug, info, warn or error.
	Level string
	// Profile is SIMPLE (human-readable console) or STRUCTURED (JSON with
	// correlation ids). Anything else is treated as STRUCTURED.
	Profile string
	// Namespace is attached to every line when set.
	Namespace string
}

// InitServerLogger installs ServerLogger from opts.
func InitServerLogger(opts ServerLogOptions) {
	logger, err := logging.New(serverLoggerConfig(opts))
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}
	ServerLogger = logger
}

func serverLoggerConfig(opts ServerLogOptions) *logging.LoggerConfig {
	staticFields := map[string]any{}
	if opts.Namespace != "" {
		staticFields["namespace"] = opts.Namespace
	}

	config := &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(opts.Level),
		Service:      opts.Service,
		Environment:  "production",
		StaticFields: staticFields,
		Middleware: []logging.MiddlewareConfig{
			{Name: "correlation", Enabled: true, Order: 100, Config: map[string]any{}},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:    "console",
				Format:  "json",
				Console: &logging.ConsoleSinkConfig{Stream: "stderr"},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: true,
	}

	if strings.EqualFold(opts.Profile, "simple") {
		config.Profile = logging.ProfileSimple
		config.Middleware = nil
		config.Sinks[0].Format = "console"
		config.EnableCaller = false
	}
	return config
}

// parseLogLevel maps config levels onto gofulmen severities; unknown is INFO.
func parseLogLevel(levelStr string) string {
	switch strings.ToLower(levelStr) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// exitWithCodeStderr reports a fatal logger setup failure. It cannot use a
// logger because none exists yet.
func exitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	if info, ok := foundry.GetExitCodeInfo(exitCode); ok {
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
		os.Exit(info.Code)
	}
	os.Exit(int(exitCode))
}
