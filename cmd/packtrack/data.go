package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the fleet to a JSONL file",
	Long: `Export workers, subsystems, god packs, test results, and heartbeats
to a JSONL file, with a manifest sidecar describing the contents.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		manifest, err := app.Exporter.ExportFile(ctx, args[0])
		if err != nil {
			return exitf(exitStorage, "export: %w", err)
		}
		total := 0
		for _, n := range manifest.Counts {
			total += n
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d records to %s\n", total, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSONL export",
	Long: `Import a JSONL export produced by the export command. The import is
idempotent: records already present are skipped, and the whole file is
applied in one transaction.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := os.Open(args[0])
		if err != nil {
			return exitf(exitConfig, "open import file: %w", err)
		}
		defer f.Close()

		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		res, err := app.Exporter.Import(ctx, f)
		if err != nil {
			return exitf(exitStorage, "import: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d records (%d skipped)\n", res.Total(), res.Skipped)
		for _, e := range res.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped: %v\n", e)
		}
		return nil
	},
}
