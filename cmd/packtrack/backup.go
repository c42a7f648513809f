package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rerollkit/packtrack/internal/backup"
	"github.com/rerollkit/packtrack/internal/core"
	"github.com/rerollkit/packtrack/internal/storage/sqlite"
	"github.com/rerollkit/packtrack/internal/types"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage datastore backups",
}

// newBackupManager builds a manager over the configured backup directory
// without opening the datastore. List and restore must work even when the
// datastore itself cannot be opened.
func newBackupManager() (*backup.Manager, error) {
	mgr, err := backup.NewManager(backup.Options{
		Dir:       filepath.Join(cfg.StateDir, "backups"),
		Retention: time.Duration(cfg.BackupRetentionDays) * 24 * time.Hour,
		MaxCount:  cfg.MaxBackupCount,
		Logger:    slog.Default(),
	})
	if err != nil {
		return nil, exitf(exitStorage, "open backup dir: %w", err)
	}
	return mgr, nil
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Checkpoint the datastore and snapshot it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		meta, err := app.BackupNow(ctx, backup.KindManual)
		if err != nil {
			return exitf(exitStorage, "create backup: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", meta.Name, humanize.Bytes(uint64(meta.SizeBytes)))
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newBackupManager()
		if err != nil {
			return err
		}
		backups, err := mgr.List()
		if err != nil {
			return exitf(exitStorage, "list backups: %w", err)
		}
		if len(backups) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no backups")
			return nil
		}
		for _, m := range backups {
			fmt.Fprintf(cmd.OutOrStdout(), "%-40s  %-12s  %10s  %s\n",
				m.Name, m.Kind, humanize.Bytes(uint64(m.SizeBytes)),
				humanize.Time(m.CreatedAt))
		}
		return nil
	},
}

var restoreTarget string

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore a backup over the datastore file",
	Long: `Restore a backup over the datastore file. The daemon must not be
running; the staged file passes an integrity check (PRAGMA
integrity_check) before it replaces the target.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newBackupManager()
		if err != nil {
			return err
		}
		target := restoreTarget
		if target == "" {
			target = filepath.Join(cfg.StateDir, core.DBFileName)
		}
		if err := mgr.Restore(cmd.Context(), args[0], target); err != nil {
			return exitf(exitStorage, "restore %s: %w", args[0], err)
		}
		if err := recordRestoreEvent(cmd.Context(), target, args[0]); err != nil {
			slog.Warn("restore succeeded but audit event failed", "error", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", args[0], target)
		return nil
	},
}

// recordRestoreEvent opens the freshly restored datastore and appends the
// DATABASE_RESTORED audit row to it.
func recordRestoreEvent(ctx context.Context, target, backupName string) error {
	store, err := sqlite.Open(ctx, target, sqlite.Options{Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer store.Close()
	ev := types.NewSystemEvent(types.EventDatabaseRestored, types.SeverityInfo, map[string]any{
		"backup": backupName,
		"target": target,
	})
	return store.AppendSystemEvent(ctx, ev)
}

func init() {
	backupRestoreCmd.Flags().StringVar(&restoreTarget, "target", "", "restore destination (default: the configured datastore file)")
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd)
}
