package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

const workerColumns = `id, name, player_id, status, total_packs, total_gps,
	average_instances, last_heartbeat_ts, created_at, updated_at`

func scanWorker(row interface{ Scan(...any) error }) (*types.Worker, error) {
	var w types.Worker
	var playerID sql.NullString
	var lastHB sql.NullTime
	err := row.Scan(&w.ID, &w.Name, &playerID, &w.Status, &w.TotalPacks, &w.TotalGPs,
		&w.AverageInstances, &lastHB, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if playerID.Valid {
		w.PlayerID = &playerID.String
	}
	if lastHB.Valid {
		t := lastHB.Time.UTC()
		w.LastHeartbeat = &t
	}
	return &w, nil
}

func createWorker(ctx context.Context, r runner, w *types.Worker) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if w.Status == "" {
		w.Status = types.StatusInactive
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	var playerID any
	if w.PlayerID != nil {
		playerID = *w.PlayerID
	}
	var lastHB any
	if w.LastHeartbeat != nil {
		lastHB = w.LastHeartbeat.UTC()
	}
	_, err := r.ExecContext(ctx, `
		INSERT INTO workers (id, name, player_id, status, total_packs, total_gps,
			average_instances, last_heartbeat_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, playerID, w.Status, w.TotalPacks, w.TotalGPs,
		w.AverageInstances, lastHB, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("worker %d: %w", w.ID, storage.ErrDuplicate)
	}
	return err
}

func updateWorker(ctx context.Context, r runner, w *types.Worker) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	w.UpdatedAt = time.Now().UTC()
	var playerID any
	if w.PlayerID != nil {
		playerID = *w.PlayerID
	}
	res, err := r.ExecContext(ctx, `
		UPDATE workers
		SET name = ?, player_id = ?, status = ?, total_packs = ?, total_gps = ?,
			average_instances = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, playerID, w.Status, w.TotalPacks, w.TotalGPs,
		w.AverageInstances, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "worker", w.ID)
}

func updateWorkerStatus(ctx context.Context, r runner, id int64, status types.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid worker status %q", status)
	}
	res, err := r.ExecContext(ctx, `
		UPDATE workers SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "worker", id)
}

// observeHeartbeat advances last_heartbeat_ts and total_packs. Both are
// monotone: an out-of-order heartbeat never moves either backwards.
func observeHeartbeat(ctx context.Context, r runner, workerID int64, ts time.Time, packs int64) error {
	res, err := r.ExecContext(ctx, `
		UPDATE workers
		SET last_heartbeat_ts = CASE
				WHEN last_heartbeat_ts IS NULL OR last_heartbeat_ts < ? THEN ?
				ELSE last_heartbeat_ts END,
			total_packs = MAX(total_packs, ?),
			updated_at = ?
		WHERE id = ?`,
		ts.UTC(), ts.UTC(), packs, time.Now().UTC(), workerID)
	if err != nil {
		return err
	}
	return requireRow(res, "worker", workerID)
}

func upsertSubsystem(ctx context.Context, r runner, sub *types.Subsystem) error {
	if sub.WorkerID == 0 || sub.Name == "" {
		return fmt.Errorf("subsystem requires worker id and name")
	}
	var lastHB any
	if sub.LastHeartbeat != nil {
		lastHB = sub.LastHeartbeat.UTC()
	}
	_, err := r.ExecContext(ctx, `
		INSERT INTO subsystems (worker_id, name, instances, last_heartbeat_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(worker_id, name) DO UPDATE SET
			instances = excluded.instances,
			last_heartbeat_ts = excluded.last_heartbeat_ts`,
		sub.WorkerID, sub.Name, sub.Instances, lastHB)
	return err
}

func getWorker(ctx context.Context, r runner, id int64) (*types.Worker, error) {
	w, err := scanWorker(r.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %d: %w", id, storage.ErrNotFound)
	}
	return w, err
}

// requireRow converts a zero-row UPDATE into ErrNotFound.
func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, storage.ErrNotFound)
	}
	return nil
}

// Store methods.

func (s *Store) CreateWorker(ctx context.Context, w *types.Worker) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return createWorker(ctx, r, w)
	})
}

func (s *Store) UpdateWorker(ctx context.Context, w *types.Worker) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return updateWorker(ctx, r, w)
	})
}

func (s *Store) UpdateWorkerStatus(ctx context.Context, id int64, status types.WorkerStatus) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return updateWorkerStatus(ctx, r, id, status)
	})
}

func (s *Store) ObserveHeartbeat(ctx context.Context, workerID int64, ts time.Time, packs int64) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return observeHeartbeat(ctx, r, workerID, ts, packs)
	})
}

func (s *Store) UpsertSubsystem(ctx context.Context, sub *types.Subsystem) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return upsertSubsystem(ctx, r, sub)
	})
}

func (s *Store) GetWorker(ctx context.Context, id int64) (*types.Worker, error) {
	var w *types.Worker
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var err error
		w, err = getWorker(ctx, r, id)
		return err
	})
	return w, err
}

func (s *Store) GetWorkerByName(ctx context.Context, name string) (*types.Worker, error) {
	var w *types.Worker
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var err error
		w, err = scanWorker(r.QueryRowContext(ctx,
			`SELECT `+workerColumns+` FROM workers WHERE name = ? COLLATE NOCASE LIMIT 1`, name))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("worker %q: %w", name, storage.ErrNotFound)
		}
		return err
	})
	return w, err
}

func (s *Store) ListWorkers(ctx context.Context, filter storage.WorkerFilter) ([]*types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	var conds []string
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, `status IN (`+strings.Join(placeholders, ",")+`)`)
	}
	if filter.HeartbeatSince != nil {
		conds = append(conds, `last_heartbeat_ts >= ?`)
		args = append(args, filter.HeartbeatSince.UTC())
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY id`

	var workers []*types.Worker
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		rows, err := r.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			w, err := scanWorker(rows)
			if err != nil {
				return err
			}
			workers = append(workers, w)
		}
		return rows.Err()
	})
	return workers, err
}

func (s *Store) ListSubsystems(ctx context.Context, workerID int64) ([]*types.Subsystem, error) {
	var subs []*types.Subsystem
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		rows, err := r.QueryContext(ctx, `
			SELECT id, worker_id, name, instances, last_heartbeat_ts
			FROM subsystems WHERE worker_id = ? ORDER BY name`, workerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sub types.Subsystem
			var lastHB sql.NullTime
			if err := rows.Scan(&sub.ID, &sub.WorkerID, &sub.Name, &sub.Instances, &lastHB); err != nil {
				return err
			}
			if lastHB.Valid {
				t := lastHB.Time.UTC()
				sub.LastHeartbeat = &t
			}
			subs = append(subs, &sub)
		}
		return rows.Err()
	})
	return subs, err
}
