package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/core"
	"github.com/cursorgate/cursorgate/internal/core/store"
	"github.com/cursorgate/cursorgate/internal/observability"
	"github.com/cursorgate/cursorgate/internal/output"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage the upstream credential pool",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")

		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		creds, err := db.ListCredentials(cmd.Context(), store.CredentialQuery{All: true, Status: status, Kind: kind})
		if err != nil {
			return err
		}

		sink, err := resolveSink(cmd, "credentials", format)
		if err != nil {
			return err
		}
		defer sink.close() //nolint:errcheck

		rendered, err := output.NewFormatter(format).FormatCredentials(creds)
		return render(sink.writer, rendered, err)
	},
}

var credentialsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		value, _ := cmd.Flags().GetString("value")
		description, _ := cmd.Flags().GetString("description")
		kind, _ := cmd.Flags().GetString("kind")

		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("--value is required")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		cred, err := db.CreateCredential(cmd.Context(), store.NewCredential{
			Name:        name,
			Value:       value,
			Description: description,
			Kind:        core.ParseKind(kind),
		})
		if err != nil {
			return err
		}

		observability.CLILogger.Info("Credential added",
			zap.String("id", cred.ID),
			zap.String("name", cred.Name),
			zap.String("kind", string(cred.Kind)))
		return nil
	},
}

var credentialsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a credential",
	Args:    cobra.ExactArgs(1),
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

		if err := db.DeleteCredential(cmd.Context(), args[0]); err != nil {
			return err
		}
		observability.CLILogger.Info("Credential removed", zap.String("id", args[0]))
		return nil
	},
}

func newToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
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

			cred, err := db.SetEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			observability.CLILogger.Info("Credential updated",
				zap.String("id", cred.ID),
				zap.Bool("enabled", cred.Enabled))
			return nil
		},
	}
}

var credentialsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear rate-limit state",
	Long: `Clear the rate-limit flag on selected credentials so they rejoin the pool.

Select with --id, --status, --kind, or --all (which requires --yes).
Use --dry-run to see how many credentials would be reset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		all, _ := cmd.Flags().GetBool("all")
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		yes, _ := cmd.Flags().GetBool("yes")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		query := store.CredentialQuery{All: all, ID: id, Status: status, Kind: kind}
		if err := query.Validate(); err != nil {
			return err
		}
		if all && !yes && !dryRun {
			return fmt.Errorf("--all requires --yes")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		if dryRun {
			count, err := db.CountCredentials(cmd.Context(), query)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Would reset %d credential(s)\n", count)
			return nil
		}

		reset, err := db.ResetRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %d credential(s)\n", reset)
		return nil
	},
}

var credentialsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export credentials as JSON",
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

		doc, err := db.Export(cmd.Context())
		if err != nil {
			return err
		}

		outPath, _ := cmd.Flags().GetString("out")
		sink, err := openSink(outPath)
		if err != nil {
			return err
		}
		defer sink.close() //nolint:errcheck

		encoder := json.NewEncoder(sink.writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(doc); err != nil {
			return err
		}
		if sink.path != "-" {
			observability.CLILogger.Info("Credentials exported",
				zap.String("path", sink.path),
				zap.Int("count", len(doc.Records)))
		}
		return nil
	},
}

var credentialsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import credentials from an export document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}
		doc, err := store.ParseExport(data)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		result, err := db.Import(cmd.Context(), doc)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d credential(s), skipped %d\n", result.Imported, result.Skipped)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show credential pool and API key statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck

		pool, err := db.Stats(cmd.Context())
		if err != nil {
			return err
		}
		keys, err := db.KeyStats(cmd.Context())
		if err != nil {
			return err
		}

		sink, err := resolveSink(cmd, "stats", format)
		if err != nil {
			return err
		}
		defer sink.close() //nolint:errcheck

		rendered, err := output.NewFormatter(format).FormatStats(pool, keys)
		return render(sink.writer, rendered, err)
	},
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(statsCmd)

	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsAddCmd)
	credentialsCmd.AddCommand(credentialsRemoveCmd)
	credentialsCmd.AddCommand(newToggleCmd("enable", "Return a credential to the pool", true))
	credentialsCmd.AddCommand(newToggleCmd("disable", "Take a credential out of the pool", false))
	credentialsCmd.AddCommand(credentialsResetCmd)
	credentialsCmd.AddCommand(credentialsExportCmd)
	credentialsCmd.AddCommand(credentialsImportCmd)

	credentialsListCmd.Flags().String("status", store.StatusAll, "Filter: all|usable|limited|disabled")
	credentialsListCmd.Flags().String("kind", "", "Filter by kind: normal|premium")
	addOutputFlags(credentialsListCmd)

	credentialsAddCmd.Flags().String("name", "", "Display name")
	credentialsAddCmd.Flags().String("value", "", "Session credential (user_xxx::token or bare token)")
	credentialsAddCmd.Flags().String("description", "", "Free-form description")
	credentialsAddCmd.Flags().String("kind", string(core.KindNormal), "Tier: normal|premium")

	credentialsResetCmd.Flags().String("id", "", "Reset a single credential")
	credentialsResetCmd.Flags().Bool("all", false, "Reset every credential")
	credentialsResetCmd.Flags().String("status", "", "Reset credentials with this status")
	credentialsResetCmd.Flags().String("kind", "", "Reset credentials of this kind")
	credentialsResetCmd.Flags().Bool("yes", false, "Confirm --all")
	credentialsResetCmd.Flags().Bool("dry-run", false, "Only count matching credentials")

	credentialsExportCmd.Flags().String("out", "", "Write to a file (default stdout)")

	addOutputFlags(statsCmd)
}
