package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

const heartbeatColumns = `id, message_id, worker_id, ts, instances_online,
	instances_offline, time_running_min, packs_cumulative, main_active, selected_packs`

func scanHeartbeat(row interface{ Scan(...any) error }) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	var selected string
	err := row.Scan(&hb.ID, &hb.MessageID, &hb.WorkerID, &hb.Timestamp,
		&hb.InstancesOnline, &hb.InstancesOffline, &hb.TimeRunningMin,
		&hb.PacksCumulative, &hb.MainActive, &selected)
	if err != nil {
		return nil, err
	}
	hb.Timestamp = hb.Timestamp.UTC()
	if selected != "" && selected != "[]" {
		if err := json.Unmarshal([]byte(selected), &hb.SelectedPacks); err != nil {
			return nil, fmt.Errorf("decode selected_packs: %w", err)
		}
	}
	return &hb, nil
}

// insertHeartbeat appends a heartbeat row. The external message id is the
// idempotency key: a duplicate insert reports (false, nil) and changes
// nothing.
func insertHeartbeat(ctx context.Context, r runner, hb *types.Heartbeat) (bool, error) {
	if err := hb.Validate(); err != nil {
		return false, fmt.Errorf("validation failed: %w", err)
	}
	selected := "[]"
	if len(hb.SelectedPacks) > 0 {
		raw, err := json.Marshal(hb.SelectedPacks)
		if err != nil {
			return false, fmt.Errorf("encode selected_packs: %w", err)
		}
		selected = string(raw)
	}
	res, err := r.ExecContext(ctx, `
		INSERT INTO heartbeats (message_id, worker_id, ts, instances_online,
			instances_offline, time_running_min, packs_cumulative, main_active, selected_packs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		hb.MessageID, hb.WorkerID, hb.Timestamp.UTC(), hb.InstancesOnline,
		hb.InstancesOffline, hb.TimeRunningMin, hb.PacksCumulative, hb.MainActive, selected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		hb.ID = id
	}
	return true, nil
}

func (s *Store) InsertHeartbeat(ctx context.Context, hb *types.Heartbeat) (bool, error) {
	var inserted bool
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var err error
		inserted, err = insertHeartbeat(ctx, r, hb)
		return err
	})
	return inserted, err
}

func (s *Store) LatestHeartbeat(ctx context.Context, workerID int64) (*types.Heartbeat, error) {
	var hb *types.Heartbeat
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var err error
		hb, err = scanHeartbeat(r.QueryRowContext(ctx,
			`SELECT `+heartbeatColumns+` FROM heartbeats
			 WHERE worker_id = ? ORDER BY ts DESC, id DESC LIMIT 1`, workerID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("heartbeat for worker %d: %w", workerID, storage.ErrNotFound)
		}
		return err
	})
	return hb, err
}

func (s *Store) ListHeartbeats(ctx context.Context, workerID int64, since, until time.Time) ([]*types.Heartbeat, error) {
	var out []*types.Heartbeat
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		rows, err := r.QueryContext(ctx, `
			SELECT `+heartbeatColumns+` FROM heartbeats
			WHERE worker_id = ? AND ts >= ? AND ts < ?
			ORDER BY ts, id`, workerID, since.UTC(), until.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			hb, err := scanHeartbeat(rows)
			if err != nil {
				return err
			}
			out = append(out, hb)
		}
		return rows.Err()
	})
	return out, err
}
