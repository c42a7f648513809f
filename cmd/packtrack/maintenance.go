package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Datastore maintenance",
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the datastore",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()
		if err := app.VacuumNow(ctx); err != nil {
			return exitf(exitStorage, "vacuum: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "vacuum complete")
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Refresh planner statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()
		if err := app.Maintain(ctx); err != nil {
			return exitf(exitStorage, "analyze: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "analyze complete")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cache completed runs and purge expired heartbeats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()
		purged, err := app.Cleanup(ctx)
		if err != nil {
			return exitf(exitStorage, "cleanup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d heartbeats\n", purged)
		return nil
	},
}

func init() {
	maintenanceCmd.AddCommand(vacuumCmd, analyzeCmd, cleanupCmd)
}
