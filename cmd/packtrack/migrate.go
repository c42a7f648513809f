package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and report the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		// Open runs migrations; a failure surfaces as exit code 3.
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		v, err := app.Store.SchemaVersion(ctx)
		if err != nil {
			return exitf(exitStorage, "read schema version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, app.Store.Path())
		return nil
	},
}
