package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rerollkit/packtrack/internal/storage/sqlite/migrations"
	"github.com/rerollkit/packtrack/internal/types"
)

// ErrMigration marks a schema migration failure so callers can map it to
// a distinct exit path.
var ErrMigration = errors.New("schema migration failed")

// baseSchemaVersion is the version a freshly created database starts at.
// The base schema in schema.go reflects this version; later changes are
// numbered migrations below.
const baseSchemaVersion = 1

// migration is one numbered schema change. Migrations are additive only
// (ALTER TABLE ... ADD COLUMN, CREATE TABLE, index changes) and must be
// idempotent: they also run against databases created from the current base
// schema.
type migration struct {
	Version int
	Name    string
	Fn      func(tx *sql.Tx) error
}

var migrationList = []migration{
	{2, "stats_snapshots", migrations.MigrateStatsSnapshots},
	{3, "run_cache", migrations.MigrateRunCache},
	{4, "leaderboard_indexes", migrations.MigrateLeaderboardIndexes},
}

// applySchema creates the base schema on a fresh database and seeds the
// schema_version row.
func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&n); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, baseSchemaVersion); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// runMigrations applies pending migrations in order. Each migration runs in
// its own transaction and is preceded by the schema-change backup hook; a
// failed migration aborts without recording the new version.
func (s *Store) runMigrations(ctx context.Context, backup func(ctx context.Context, db *sql.DB) error) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrationList {
		if m.Version <= current {
			continue
		}
		if backup != nil {
			if err := backup(ctx, s.db); err != nil {
				return fmt.Errorf("pre-migration backup for %s (v%d): %w", m.Name, m.Version, err)
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.Name, err)
		}
		if err := m.Fn(tx); err != nil {
			_ = tx.Rollback()
			s.recordMigrationEvent(ctx, m, types.SeverityCritical, err)
			return fmt.Errorf("migration %s (v%d): %w: %v", m.Name, m.Version, ErrMigration, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, m.Version); err != nil {
			_ = tx.Rollback()
			s.recordMigrationEvent(ctx, m, types.SeverityCritical, err)
			return fmt.Errorf("record migration %s (v%d): %w: %v", m.Name, m.Version, ErrMigration, err)
		}
		if err := tx.Commit(); err != nil {
			s.recordMigrationEvent(ctx, m, types.SeverityCritical, err)
			return fmt.Errorf("commit migration %s (v%d): %w: %v", m.Name, m.Version, ErrMigration, err)
		}
		s.recordMigrationEvent(ctx, m, types.SeverityInfo, nil)
		s.log.Info("applied schema migration", "name", m.Name, "version", m.Version)
		current = m.Version
	}
	return nil
}

// recordMigrationEvent audits a migration outcome. Best effort: the audit
// row must not mask the migration result.
func (s *Store) recordMigrationEvent(ctx context.Context, m migration, sev types.Severity, cause error) {
	payload := map[string]any{"name": m.Name, "version": m.Version}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	ev := types.NewSystemEvent(types.EventSchemaMigration, sev, payload)
	if err := appendSystemEvent(ctx, s.db, ev); err != nil {
		s.log.Warn("record migration event", "error", err)
	}
}
