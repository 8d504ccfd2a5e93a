package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"swarm/internal/config"
	"swarm/internal/controller"
	"swarm/pkg/logging"

	// Register the built-in provider drivers with the factory.
	_ "swarm/internal/providers/docker"
	_ "swarm/internal/providers/flyio"
)

// newServeCmd creates the Cobra command that runs the control plane in the
// foreground: providers initialized, background loops running, until a
// termination signal arrives.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the swarm control plane",
		Long: `Starts the swarm controller and keeps it running until interrupted.

The controller initializes every enabled provider, loads persisted state,
and runs the health-check scheduler, registry auto-save, and any resumed
migrations in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}

			ctrl := controller.New()
			if err := ctrl.Initialize(cmd.Context(), &cfg); err != nil {
				return err
			}
			defer ctrl.Dispose()

			status, err := ctrl.GetSwarmStatus()
			if err != nil {
				return err
			}
			logging.Info("Serve", "Control plane up: %d providers, %d instances",
				len(status.Providers), status.TotalInstances)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Info("Serve", "Received %s, shutting down", sig)
			return nil
		},
	}
}
