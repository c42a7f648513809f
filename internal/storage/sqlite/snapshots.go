package sqlite

import (
	"context"
	"time"

	"github.com/rerollkit/packtrack/internal/types"
)

func insertStatsSnapshot(ctx context.Context, r runner, snap *types.StatsSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	res, err := r.ExecContext(ctx, `
		INSERT INTO stats_snapshots (ts, active_workers, total_instances, packs_per_minute)
		VALUES (?, ?, ?, ?)`,
		snap.Timestamp.UTC(), snap.ActiveWorkers, snap.TotalInstances, snap.PacksPerMinute)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		snap.ID = id
	}
	return nil
}

func putCachedRun(ctx context.Context, r runner, run *types.Run) error {
	_, err := r.ExecContext(ctx, `
		INSERT INTO run_cache (worker_id, start_ts, end_ts, start_packs, end_packs,
			avg_instances, peak_instances, packs_per_minute, main_on_fraction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id, start_ts) DO UPDATE SET
			end_ts = excluded.end_ts,
			start_packs = excluded.start_packs,
			end_packs = excluded.end_packs,
			avg_instances = excluded.avg_instances,
			peak_instances = excluded.peak_instances,
			packs_per_minute = excluded.packs_per_minute,
			main_on_fraction = excluded.main_on_fraction`,
		run.WorkerID, run.StartTS.UTC(), run.EndTS.UTC(), run.StartPacks, run.EndPacks,
		run.AvgInstances, run.PeakInstances, run.PacksPerMinute, run.MainOnFraction)
	return err
}

func (s *Store) InsertStatsSnapshot(ctx context.Context, snap *types.StatsSnapshot) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return insertStatsSnapshot(ctx, r, snap)
	})
}

func (s *Store) PutCachedRun(ctx context.Context, run *types.Run) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return putCachedRun(ctx, r, run)
	})
}

func (s *Store) ListStatsSnapshots(ctx context.Context, since time.Time) ([]*types.StatsSnapshot, error) {
	var out []*types.StatsSnapshot
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		rows, err := r.QueryContext(ctx, `
			SELECT id, ts, active_workers, total_instances, packs_per_minute
			FROM stats_snapshots WHERE ts >= ? ORDER BY ts`, since.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var snap types.StatsSnapshot
			if err := rows.Scan(&snap.ID, &snap.Timestamp, &snap.ActiveWorkers,
				&snap.TotalInstances, &snap.PacksPerMinute); err != nil {
				return err
			}
			snap.Timestamp = snap.Timestamp.UTC()
			out = append(out, &snap)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) ListCachedRuns(ctx context.Context, workerID int64, since time.Time) ([]*types.Run, error) {
	var out []*types.Run
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		rows, err := r.QueryContext(ctx, `
			SELECT worker_id, start_ts, end_ts, start_packs, end_packs,
				avg_instances, peak_instances, packs_per_minute, main_on_fraction
			FROM run_cache WHERE worker_id = ? AND end_ts >= ?
			ORDER BY start_ts`, workerID, since.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var run types.Run
			if err := rows.Scan(&run.WorkerID, &run.StartTS, &run.EndTS,
				&run.StartPacks, &run.EndPacks, &run.AvgInstances,
				&run.PeakInstances, &run.PacksPerMinute, &run.MainOnFraction); err != nil {
				return err
			}
			run.StartTS = run.StartTS.UTC()
			run.EndTS = run.EndTS.UTC()
			out = append(out, &run)
		}
		return rows.Err()
	})
	return out, err
}
