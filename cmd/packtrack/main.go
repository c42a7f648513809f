// Command packtrack runs the reroll fleet tracker: a daemon that ingests
// worker telemetry, verifies god packs, and serves fleet statistics, plus
// maintenance subcommands for the datastore behind it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/core"
	"github.com/rerollkit/packtrack/internal/storage/sqlite"
	"github.com/rerollkit/packtrack/internal/telemetry"
)

// Set via -ldflags at release time.
var (
	Version = "dev"
	Build   = "unknown"
)

// Exit codes. Scripts key off these, keep them stable.
const (
	exitOK        = 0
	exitConfig    = 1
	exitStorage   = 2
	exitMigration = 3
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var (
	cfgFile  string
	stateDir string
	verbose  bool
	quiet    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "packtrack",
	Short:         "Reroll fleet tracker",
	Version:       fmt.Sprintf("%s (build %s)", Version, Build),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(buildLogger())

		file := cfgFile
		if file == "" {
			if _, err := os.Stat("packtrack.yaml"); err == nil {
				file = "packtrack.yaml"
			}
		}
		loaded, err := config.Load(file)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		if stateDir != "" {
			loaded.StateDir = stateDir
			if err := loaded.Validate(); err != nil {
				return &exitError{code: exitConfig, err: err}
			}
		}
		cfg = loaded

		if err := telemetry.Init(cmd.Context(), "packtrack", Version); err != nil {
			slog.Warn("telemetry init failed", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openApp opens the datastore and assembles the application. Migration
// failures and unreachable storage map to their own exit codes.
func openApp(ctx context.Context) (*core.App, error) {
	app, err := core.Open(ctx, core.Options{Config: cfg, Logger: slog.Default()})
	if err != nil {
		if errors.Is(err, sqlite.ErrMigration) {
			return nil, &exitError{code: exitMigration, err: err}
		}
		return nil, &exitError{code: exitStorage, err: err}
	}
	return app, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./packtrack.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override the state directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "errors only")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "packtrack: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitStorage)
	}
	os.Exit(exitOK)
}
