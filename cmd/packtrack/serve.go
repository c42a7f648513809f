package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracker daemon",
	Long: `Run the tracker daemon: ingestion lanes, the verification engine,
the expiration scanner, and the maintenance scheduler. Blocks until
SIGINT or SIGTERM, then shuts down cooperatively.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		app.Start(ctx)
		slog.Info("serving", "version", Version, "state_dir", cfg.StateDir)

		<-ctx.Done()
		stop()
		slog.Info("signal received, shutting down")

		// Shutdown gets a fresh context; the signal context is already done.
		if err := app.Shutdown(context.Background()); err != nil {
			return exitf(exitStorage, "shutdown: %w", err)
		}
		return nil
	},
}
