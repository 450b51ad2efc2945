package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cursorgate/cursorgate/internal/observability"
	"github.com/cursorgate/cursorgate/internal/output"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage client API keys",
	Long: `Manage the sk- keys clients present to the chat API.

Once any key exists, chat requests bearing an unknown or revoked sk- key
are rejected.`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key and print its secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("--name is required")
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

		key, err := db.CreateAPIKey(cmd.Context(), name, description)
		if err != nil {
			return err
		}

		observability.CLILogger.Info("API key created", zap.String("id", key.ID), zap.String("name", key.Name))
		// The secret goes to stdout alone so it can be piped.
		fmt.Fprintln(cmd.OutOrStdout(), key.Key)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
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

		keys, err := db.ListAPIKeys(cmd.Context())
		if err != nil {
			return err
		}

		sink, err := resolveSink(cmd, "keys", format)
		if err != nil {
			return err
		}
		defer sink.close() //nolint:errcheck

		rendered, err := output.NewFormatter(format).FormatKeys(keys)
		return render(sink.writer, rendered, err)
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Disable an API key without deleting its history",
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

		if err := db.SetAPIKeyEnabled(cmd.Context(), args[0], false); err != nil {
			return err
		}
		observability.CLILogger.Info("API key revoked", zap.String("id", args[0]))
		return nil
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an API key and its usage history",
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

		if err := db.DeleteAPIKey(cmd.Context(), args[0]); err != nil {
			return err
		}
		observability.CLILogger.Info("API key deleted", zap.String("id", args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysDeleteCmd)

	keysCreateCmd.Flags().String("name", "", "Key name")
	keysCreateCmd.Flags().String("description", "", "Free-form description")
	addOutputFlags(keysListCmd)
}
