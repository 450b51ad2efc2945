package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/config"
	"github.com/cursorgate/cursorgate/internal/core/recovery"
	"github.com/cursorgate/cursorgate/internal/core/retry"
	"github.com/cursorgate/cursorgate/internal/core/rotation"
	"github.com/cursorgate/cursorgate/internal/core/store"
	errwrap "github.com/cursorgate/cursorgate/internal/errors"
	"github.com/cursorgate/cursorgate/internal/metrics"
	"github.com/cursorgate/cursorgate/internal/observability"
	"github.com/cursorgate/cursorgate/internal/server"
	"github.com/cursorgate/cursorgate/internal/server/handlers"
	servermw "github.com/cursorgate/cursorgate/internal/server/middleware"
	"github.com/cursorgate/cursorgate/internal/upstream"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// storeHealthChecker pings the credential database.
type storeHealthChecker struct{ db *store.Store }

func (s storeHealthChecker) CheckHealth(ctx context.Context) error {
	if err := s.db.DB.PingContext(ctx); err != nil {
		return errwrap.WrapDatabaseError(ctx, err, "credential store unreachable")
	}
	return nil
}

// poolHealthChecker reports degraded when no credential can serve a request.
type poolHealthChecker struct {
	db  *store.Store
	env string
}

func (p poolHealthChecker) CheckHealth(ctx context.Context) error {
	if p.env != "" {
		return nil
	}
	stats, err := p.db.Stats(ctx)
	if err != nil {
		return errwrap.WrapDatabaseError(ctx, err, "credential stats unavailable")
	}
	if stats.Available == 0 {
		return &handlers.DegradedError{Reason: "no usable credentials in pool"}
	}
	return nil
}

// rotationConfig maps the configured policy onto the selector.
func rotationConfig(cfg *config.Config) rotation.Config {
	return rotation.Config{
		Enabled:     cfg.Rotation.Enabled,
		Interval:    rotation.ParseInterval(cfg.Rotation.Interval),
		Delay:       cfg.Rotation.Delay,
		Ceiling:     cfg.Rotation.Ceiling,
		ResetWindow: cfg.Rotation.ResetWindow,
	}
}

// newUpstreamClient builds the provider client, routing through the proxy
// only when it is enabled.
func newUpstreamClient(cfg *config.Config) (*upstream.Client, error) {
	opts := upstream.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		HeaderTimeout:  cfg.Upstream.HeaderTimeout,
		ClientVersion:  cfg.Upstream.ClientVersion,
		Timezone:       cfg.Upstream.Timezone,
		ProbeModel:     cfg.Upstream.ProbeModel,
		Logger:         observability.Current(),
		RequestID:      servermw.GetRequestID,
	}
	if cfg.Proxy.Enabled {
		opts.ProxyURL = cfg.Proxy.URL
	}
	return upstream.NewClient(opts)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	Long: `Start the OpenAI-compatible gateway with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload rotation settings from config

The server drains in-flight requests, stops the recovery scheduler and
closes the credential store on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()
		observability.InitServerLogger(observability.ServerLogOptions{
			Service:   identity.BinaryName,
			Level:     cfg.Logging.Level,
			Profile:   cfg.Logging.Profile,
			Namespace: namespace,
		})
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		db, err := openStore(ctx, cfg)
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "credential store unavailable")
		}

		client, err := newUpstreamClient(cfg)
		if err != nil {
			_ = db.Close()
			return errwrap.WrapConfigInvalid(ctx, err, "upstream client configuration invalid")
		}

		selector := rotation.NewSelector(rotationConfig(cfg))
		selector.Logger = logger

		orchestrator := &retry.Orchestrator{
			Rotator:          selector,
			Banner:           db,
			Logger:           logger,
			RateLimitEnabled: cfg.RateLimit.Enabled,
			Backoff:          cfg.Upstream.RetryBackoff,
			InspectBody:      true,
		}

		recoverer := &recovery.Recoverer{
			Registry: db,
			Prober:   client,
			Logger:   logger,
			MinGap:   cfg.Recovery.MinGap,
		}

		var scheduler *recovery.Scheduler
		if cfg.Recovery.Enabled {
			scheduler = recovery.NewScheduler(recoverer, cfg.Recovery.Schedule)
			if err := scheduler.Start(ctx); err != nil {
				_ = db.Close()
				return errwrap.WrapConfigInvalid(ctx, err, "recovery schedule invalid")
			}
		}

		api := &handlers.OpenAI{
			Upstream:       client,
			Retry:          orchestrator,
			Pool:           db,
			Usage:          db,
			Logger:         logger,
			EnvCredentials: cfg.Pool.Credentials,
			Privileged:     cfg.Pool.Privileged,
			MaxAttempts:    cfg.Upstream.MaxAttempts,
		}
		if cfg.RateLimit.Enabled {
			api.Recovery = recoverer
		}

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("rotation", cfg.Rotation.Enabled),
			zap.Bool("rate_limit", cfg.RateLimit.Enabled),
			zap.Bool("proxy", cfg.Proxy.Enabled),
			zap.Bool("admin_api", cfg.Admin.Token != ""))

		handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		handlers.SetAppIdentity(identity)
		handlers.SetUpstreamInfo(handlers.UpstreamInfo{
			BaseURL:       cfg.Upstream.BaseURL,
			ClientVersion: cfg.Upstream.ClientVersion,
		})
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("credential_store", storeHealthChecker{db: db})
		hm.RegisterChecker("credential_pool", poolHealthChecker{db: db, env: cfg.Pool.Credentials})
		hm.SetPoolReporter(db.Stats)
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Options{
			OpenAI:            api,
			Admin:             &handlers.Admin{Store: db, Cursor: selector, Recovery: recoverer},
			Keys:              db,
			AdminToken:        cfg.Admin.Token,
			CORSOrigins:       cfg.API.CORSOrigins,
			KeyRateLimit:      cfg.API.KeyRateLimit,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		})

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: server first, then scheduler, store, logger.
		signals.OnShutdown(func(ctx context.Context) error {
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Closing credential store...")
			return db.Close()
		})
		signals.OnShutdown(func(ctx context.Context) error {
			if scheduler != nil {
				scheduler.Stop()
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		// SIGHUP re-reads the rotation policy; the cursor itself is kept.
		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: reloading rotation settings")

			next, err := loadConfig(cmd)
			if err != nil {
				logger.Error("Failed to reload config", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			selector.Configure(rotationConfig(next))

			logger.Info("Rotation settings reloaded",
				zap.Bool("enabled", next.Rotation.Enabled),
				zap.String("interval", next.Rotation.Interval))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		metrics.SetServerStartTime(time.Now().Unix())

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "0.0.0.0", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 3010, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
