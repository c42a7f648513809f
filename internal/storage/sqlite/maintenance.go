package sqlite

import (
	"context"
	"fmt"
	"time"
)

// Vacuum rebuilds the database file, reclaiming free pages. Runs outside
// any transaction on a dedicated connection.
func (s *Store) Vacuum(ctx context.Context) error {
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Analyze refreshes the query planner statistics.
func (s *Store) Analyze(ctx context.Context) error {
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, err := conn.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

// Optimize runs PRAGMA optimize, the incremental planner maintenance SQLite
// recommends on a schedule.
func (s *Store) Optimize(ctx context.Context) error {
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, err := conn.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	return nil
}

// Checkpoint flushes the write-ahead log into the main database file so a
// plain file copy is a complete snapshot.
func (s *Store) Checkpoint(ctx context.Context) error {
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, err := conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// PurgeHeartbeatsBefore enforces the heartbeat retention policy.
func (s *Store) PurgeHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		res, err := r.ExecContext(ctx, `DELETE FROM heartbeats WHERE ts < ?`, cutoff.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// TableCounts returns per-table row counts for the entity tables. Used by
// the backup sidecar and the export command.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(entityTables))
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		for _, table := range entityTables {
			var n int64
			if err := r.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
				return fmt.Errorf("count %s: %w", table, err)
			}
			counts[table] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
