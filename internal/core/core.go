// Package core wires the subsystems into one application: storage,
// emission bus, ingestion, registry, verification, expiry, query, and
// the maintenance scheduler.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rerollkit/packtrack/internal/backup"
	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/eventbus"
	"github.com/rerollkit/packtrack/internal/expiry"
	"github.com/rerollkit/packtrack/internal/export"
	"github.com/rerollkit/packtrack/internal/ingest"
	"github.com/rerollkit/packtrack/internal/query"
	"github.com/rerollkit/packtrack/internal/registry"
	"github.com/rerollkit/packtrack/internal/scheduler"
	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/storage/sqlite"
	"github.com/rerollkit/packtrack/internal/telemetry"
	"github.com/rerollkit/packtrack/internal/types"
	"github.com/rerollkit/packtrack/internal/verify"
)

// DBFileName is the datastore file under the state directory.
const DBFileName = "packtrack.db"

// App is the composition root. Open builds it, Start brings the
// background machinery up, Shutdown tears everything down in order.
type App struct {
	Config   *config.Config
	Store    storage.Storage
	Bus      *eventbus.Bus
	Ingestor *ingest.Ingestor
	Registry *registry.Registry
	Verifier *verify.Engine
	Expiry   *expiry.Scanner
	Query    *query.Service
	Backups  *backup.Manager
	Exporter *export.Service

	log   *slog.Logger
	sched *scheduler.Scheduler
	now   func() time.Time
}

// Options configure Open.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Archiver handles god-pack thread archival on expiry. Optional.
	Archiver expiry.Archiver
	// DBPath overrides <state_dir>/packtrack.db (":memory:" in tests).
	DBPath string
	Now    func() time.Time
}

// Open opens the datastore, runs migrations (with a pre-migration
// backup when auto-backup is enabled), and assembles the subsystems.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		dbPath = filepath.Join(cfg.StateDir, DBFileName)
	}

	app := &App{
		Config: cfg,
		log:    log,
		now:    now,
	}
	app.Bus = eventbus.New(cfg.SubscriberBufferCapacity, log)

	mgr, err := backup.NewManager(backup.Options{
		Dir:       filepath.Join(cfg.StateDir, "backups"),
		Retention: time.Duration(cfg.BackupRetentionDays) * 24 * time.Hour,
		MaxCount:  cfg.MaxBackupCount,
		Logger:    log,
		OnCreated: app.onBackupCreated,
	})
	if err != nil {
		return nil, err
	}
	app.Backups = mgr

	storeOpts := sqlite.Options{
		PoolSize:     cfg.PoolSize,
		QueryTimeout: cfg.QueryTimeout(),
		Logger:       log,
	}
	if cfg.AutoBackupEnabled && dbPath != ":memory:" {
		storeOpts.MigrationBackup = func(ctx context.Context, db *sql.DB) error {
			_, err := mgr.BackupDB(ctx, db, backup.KindMigration)
			return err
		}
	}
	store, err := sqlite.Open(ctx, dbPath, storeOpts)
	if err != nil {
		return nil, err
	}
	app.Store = telemetry.WrapStorage(store)
	app.Bus.SetOnDrop(app.onBusDrop)

	app.Registry = registry.New(registry.Options{
		Store: app.Store, Bus: app.Bus, Config: cfg, Logger: log, Now: now,
	})
	app.Verifier = verify.New(verify.Options{
		Store: app.Store, Bus: app.Bus, Config: cfg, Logger: log, Now: now,
	})
	app.Ingestor = ingest.New(ingest.Options{
		Store: app.Store, Bus: app.Bus, Config: cfg, Logger: log,
	})
	app.Expiry = expiry.New(expiry.Options{
		Store: app.Store, Bus: app.Bus, Config: cfg, Logger: log,
		Archiver: opts.Archiver, Now: now,
	})
	app.Query = query.New(query.Options{
		Store: app.Store, Registry: app.Registry, Engine: app.Verifier,
		Config: cfg, Logger: log, Now: now,
	})
	app.Exporter = export.New(export.Options{
		Store: app.Store, Bus: app.Bus, Logger: log, Now: now,
	})
	app.sched = scheduler.New(log)

	return app, nil
}

// Start launches the ingestion lanes and the maintenance tasks.
func (a *App) Start(ctx context.Context) {
	a.Ingestor.Start(ctx)
	a.registerTasks()
	a.sched.Start(ctx)
	a.log.Info("packtrack started", "db", a.Store.Path())
}

func (a *App) registerTasks() {
	cfg := a.Config
	a.sched.Register(scheduler.Task{
		Name:     "stats-snapshot",
		Interval: time.Duration(cfg.StatsIntervalMin) * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := a.Query.SnapshotNow(ctx)
			return err
		},
	})
	a.sched.Register(scheduler.Task{
		Name:       "expiration-scan",
		Interval:   time.Duration(cfg.ExpirationScanSec) * time.Second,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			_, err := a.Expiry.Scan(ctx)
			return err
		},
	})
	a.sched.Register(scheduler.Task{
		Name:     "worker-sweep",
		Interval: 24 * time.Hour,
		Run: func(ctx context.Context) error {
			_, err := a.Registry.Sweep(ctx)
			return err
		},
	})
	a.sched.Register(scheduler.Task{
		Name:     "cleanup",
		Interval: 6 * time.Hour,
		Run: func(ctx context.Context) error {
			_, err := a.Cleanup(ctx)
			return err
		},
	})
	a.sched.Register(scheduler.Task{
		Name:     "maintenance",
		Interval: 24 * time.Hour,
		Run:      a.Maintain,
	})
	if cfg.AutoBackupEnabled && a.Store.Path() != ":memory:" {
		a.sched.Register(scheduler.Task{
			Name:     "backup",
			Interval: 6 * time.Hour,
			Run: func(ctx context.Context) error {
				_, err := a.BackupNow(ctx, backup.KindScheduled)
				return err
			},
		})
	}
}

// Shutdown drains the scheduler and ingestion lanes, records the
// shutdown, and closes the bus and store.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := a.sched.Stop(); err != nil {
		firstErr = err
	}
	a.Ingestor.Close()

	ev := types.NewSystemEvent(types.EventDatabaseShutdown, types.SeverityInfo, nil)
	if err := a.Store.AppendSystemEvent(ctx, ev); err != nil && firstErr == nil {
		firstErr = err
	}
	a.Bus.Publish(types.BusEvent{Type: types.EventDatabaseShutdown, Timestamp: a.now()})
	a.Bus.Close()

	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("packtrack stopped")
	return firstErr
}

// BackupNow checkpoints the WAL and snapshots the datastore file.
func (a *App) BackupNow(ctx context.Context, kind backup.Kind) (*backup.Metadata, error) {
	if err := a.Store.Checkpoint(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint before backup: %w", err)
	}
	return a.Backups.Create(ctx, a.Store.Path(), kind)
}

// onBusDrop audits a subscriber-buffer eviction. Audit-log only: the drop
// record must not fan back out on the bus it describes.
func (a *App) onBusDrop(sub uuid.UUID, dropped, incoming types.BusEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := types.NewSystemEvent(types.EventBusDropped, types.SeverityWarn, map[string]any{
		"subscription":  sub.String(),
		"dropped_type":  dropped.Type,
		"incoming_type": incoming.Type,
	})
	if err := a.Store.AppendSystemEvent(ctx, ev); err != nil {
		a.log.Warn("record bus drop event", "error", err)
	}
}

func (a *App) onBackupCreated(meta *backup.Metadata) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := types.NewSystemEvent(types.EventBackupCreated, types.SeverityInfo, map[string]any{
		"name": meta.Name, "kind": meta.Kind, "size_bytes": meta.SizeBytes,
	})
	if a.Store != nil {
		if err := a.Store.AppendSystemEvent(ctx, ev); err != nil {
			a.log.Warn("record backup event", "error", err)
		}
	}
	a.Bus.Publish(types.BusEvent{
		Type: types.EventBackupCreated, Timestamp: a.now(),
		Payload: map[string]any{"name": meta.Name, "kind": meta.Kind},
	})
}

// Cleanup caches completed runs for every worker, then purges heartbeats
// older than the retention window. Returns the purged row count.
func (a *App) Cleanup(ctx context.Context) (int64, error) {
	windowDays := a.Config.HeartbeatRetentionDay
	workers, err := a.Store.ListWorkers(ctx, storage.WorkerFilter{})
	if err != nil {
		return 0, err
	}
	for _, w := range workers {
		if _, err := a.Query.CacheWorkerRuns(ctx, w.ID, windowDays); err != nil {
			return 0, fmt.Errorf("cache runs for worker %d: %w", w.ID, err)
		}
	}
	cutoff := a.now().AddDate(0, 0, -windowDays)
	purged, err := a.Store.PurgeHeartbeatsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	a.audit(ctx, types.EventDataCleanup, map[string]any{
		"purged_heartbeats": purged, "cutoff": cutoff,
	})
	a.log.Info("cleanup complete", "purged", purged, "cutoff", cutoff)
	return purged, nil
}

// Maintain runs ANALYZE and PRAGMA optimize.
func (a *App) Maintain(ctx context.Context) error {
	if err := a.Store.Analyze(ctx); err != nil {
		return err
	}
	a.audit(ctx, types.EventDatabaseAnalyze, nil)
	if err := a.Store.Optimize(ctx); err != nil {
		return err
	}
	a.audit(ctx, types.EventDatabaseOptimize, nil)
	return nil
}

// VacuumNow compacts the datastore.
func (a *App) VacuumNow(ctx context.Context) error {
	if err := a.Store.Vacuum(ctx); err != nil {
		return err
	}
	a.audit(ctx, types.EventDatabaseVacuum, nil)
	return nil
}

// SchedulerStats exposes the task counters for diagnostics.
func (a *App) SchedulerStats() []scheduler.TaskStats {
	return a.sched.Stats()
}

func (a *App) audit(ctx context.Context, typ types.EventType, payload map[string]any) {
	var p any
	if payload != nil {
		p = payload
	}
	ev := types.NewSystemEvent(typ, types.SeverityInfo, p)
	if err := a.Store.AppendSystemEvent(ctx, ev); err != nil {
		a.log.Warn("append system event", "type", typ, "error", err)
	}
	a.Bus.Publish(types.BusEvent{Type: typ, Timestamp: a.now(), Payload: p})
}
