package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"swarm/pkg/logging"
)

var (
	flagConfigPath string
	flagDebug      bool
)

// rootCmd represents the base command for the swarm control plane.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Control plane for a fleet of remote development environments",
	Long: `swarm manages a fleet of remote development-environment instances
across heterogeneous infrastructure providers (Docker, Fly.io).

It keeps a durable registry of instances, health-checks and auto-recovers
them, and migrates instances between providers with crash-safe, step-wise
migration plans.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if flagDebug {
			level = logging.LevelDebug
		}
		logging.InitForCLI(level, os.Stderr)
	},
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the
// application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application. It is called by
// main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "swarm version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
}
