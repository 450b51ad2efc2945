package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/cursorgate/cursorgate/internal/config"
)

var extended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended to include the upstream client version, Go and Fulmen library versions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := GetAppIdentity()
		w := cmd.OutOrStdout()

		fmt.Fprintf(w, "%s %s\n", identity.BinaryName, versionInfo.Version)
		if !extended {
			return nil
		}

		fmt.Fprintf(w, "Commit: %s\n", versionInfo.Commit)
		fmt.Fprintf(w, "Built: %s\n", versionInfo.BuildDate)
		fmt.Fprintf(w, "Go: %s\n", runtime.Version())

		upstream, _ := config.Defaults()["upstream"].(map[string]any)
		fmt.Fprintf(w, "Upstream client: %v\n", upstream["client_version"])
		fmt.Fprintln(w)

		version := crucible.GetVersion()
		fmt.Fprintf(w, "Gofulmen: %s\n", version.Gofulmen)
		fmt.Fprintf(w, "Crucible: %s\n", version.Crucible)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
}
