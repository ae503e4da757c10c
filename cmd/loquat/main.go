// Loquat daemon: one process of a distributed game server cluster.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appversion "github.com/nocturne-games/loquat/internal/version"
)

// configPath is the --config flag value, empty for env-only configuration.
var configPath string

// rootCmd runs the daemon itself; subcommands cover everything else.
var rootCmd = &cobra.Command{
	Use:   "loquat",
	Short: "Distributed game server process",
	Long: "loquat runs one process of a game server cluster: it dispatches client\n" +
		"messages through filter chains and handlers, forwards cross-type routes\n" +
		"over the mesh, and schedules crontab jobs.",
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(configPath)
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML); omit to configure from LOQUAT_* env")

	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print loquat build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("loquat"))
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
