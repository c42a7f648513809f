package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateRunCache adds the run_cache table. Runs are derived from heartbeats
// on demand; closed runs in older windows are cached here so repeated stats
// queries do not rescan the heartbeat table.
func MigrateRunCache(tx *sql.Tx) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS run_cache (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    worker_id INTEGER NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
    start_ts DATETIME NOT NULL,
    end_ts DATETIME NOT NULL,
    start_packs INTEGER NOT NULL DEFAULT 0,
    end_packs INTEGER NOT NULL DEFAULT 0,
    avg_instances REAL NOT NULL DEFAULT 0,
    peak_instances INTEGER NOT NULL DEFAULT 0,
    packs_per_minute REAL NOT NULL DEFAULT 0,
    main_on_fraction REAL NOT NULL DEFAULT 0,
    UNIQUE(worker_id, start_ts)
);
CREATE INDEX IF NOT EXISTS idx_run_cache_worker_ts ON run_cache(worker_id, end_ts);
`
	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("create run_cache: %w", err)
	}
	return nil
}
