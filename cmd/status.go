package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"swarm/internal/config"
	"swarm/internal/controller"

	_ "swarm/internal/providers/docker"
	_ "swarm/internal/providers/flyio"
)

// newStatusCmd creates the Cobra command that prints a one-shot view of the
// swarm: providers, instance counts, and subsystem toggles.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the swarm status",
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

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Provider", "Enabled", "Instances"})
			for _, p := range status.Providers {
				t.AppendRow(table.Row{p.Type, p.Enabled, p.InstanceCount})
			}
			t.AppendFooter(table.Row{"Total", "", status.TotalInstances})
			t.SetStyle(table.StyleLight)
			t.Render()

			fmt.Fprintf(cmd.OutOrStdout(), "\nHealth monitor: %v\nMigration: %v\n",
				status.HealthMonitorEnabled, status.MigrationEnabled)
			return nil
		},
	}
}
