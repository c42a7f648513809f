package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateLeaderboardIndexes adds composite indexes for the leaderboard and
// server-stats query paths.
func MigrateLeaderboardIndexes(tx *sql.Tx) error {
	indexes := []struct {
		name string
		sql  string
	}{
		{
			name: "idx_heartbeats_worker_packs",
			sql:  `CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_packs ON heartbeats(worker_id, packs_cumulative)`,
		},
		{
			name: "idx_system_events_worker",
			sql:  `CREATE INDEX IF NOT EXISTS idx_system_events_worker ON system_events(worker_id)`,
		},
		{
			name: "idx_godpacks_discovered_by",
			sql:  `CREATE INDEX IF NOT EXISTS idx_godpacks_discovered_by ON godpacks(discovered_by)`,
		},
	}
	for _, idx := range indexes {
		if _, err := tx.Exec(idx.sql); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}
