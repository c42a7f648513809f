// Package migrations holds numbered schema changes for the sqlite store.
package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateStatsSnapshots adds the stats_snapshots table written by the
// periodic stats task and read by the hourly server timeline query.
func MigrateStatsSnapshots(tx *sql.Tx) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS stats_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts DATETIME NOT NULL,
    active_workers INTEGER NOT NULL DEFAULT 0,
    total_instances INTEGER NOT NULL DEFAULT 0,
    packs_per_minute REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_stats_snapshots_ts ON stats_snapshots(ts);
`
	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("create stats_snapshots: %w", err)
	}
	return nil
}
