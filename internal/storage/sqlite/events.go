package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/rerollkit/packtrack/internal/types"
)

func appendSystemEvent(ctx context.Context, r runner, ev *types.SystemEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = types.SeverityInfo
	}
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	var workerID any
	if ev.WorkerID != nil {
		workerID = *ev.WorkerID
	}
	res, err := r.ExecContext(ctx, `
		INSERT INTO system_events (event_type, severity, payload, worker_id, ts)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Type, ev.Severity, payload, workerID, ev.Timestamp.UTC())
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *Store) AppendSystemEvent(ctx context.Context, ev *types.SystemEvent) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return appendSystemEvent(ctx, r, ev)
	})
}

func (s *Store) ListSystemEvents(ctx context.Context, limit int) ([]*types.SystemEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.SystemEvent
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		rows, err := r.QueryContext(ctx, `
			SELECT id, event_type, severity, payload, worker_id, ts
			FROM system_events ORDER BY id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ev types.SystemEvent
			var payload sql.NullString
			var workerID sql.NullInt64
			if err := rows.Scan(&ev.ID, &ev.Type, &ev.Severity, &payload, &workerID, &ev.Timestamp); err != nil {
				return err
			}
			ev.Timestamp = ev.Timestamp.UTC()
			if payload.Valid {
				ev.Payload = []byte(payload.String)
			}
			if workerID.Valid {
				ev.WorkerID = &workerID.Int64
			}
			out = append(out, &ev)
		}
		return rows.Err()
	})
	return out, err
}
