package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cursorgate/cursorgate/internal/core/recovery"
	"github.com/cursorgate/cursorgate/internal/observability"
	"github.com/cursorgate/cursorgate/internal/output"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run one recovery pass now",
	Long: `Sweep expired rate limits, then probe every rate-limited credential that
is due and return the ones the provider accepts to the pool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if !cfg.RateLimit.Enabled {
			return fmt.Errorf("rate-limit detection is disabled; nothing to recover")
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		client, err := newUpstreamClient(cfg)
		if err != nil {
			return err
		}

		recoverer := &recovery.Recoverer{
			Registry: db,
			Prober:   client,
			Logger:   observability.CLILogger,
		}
		report, err := recoverer.RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		sink, err := resolveSink(cmd, "probe", format)
		if err != nil {
			return err
		}
		defer sink.close() //nolint:errcheck

		rendered, err := output.NewFormatter(format).FormatReport(report)
		return render(sink.writer, rendered, err)
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	addOutputFlags(probeCmd)
}
