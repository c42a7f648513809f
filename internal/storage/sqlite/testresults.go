package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

func addTestResult(ctx context.Context, r runner, tr *types.TestResult) error {
	if err := tr.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	var openSlots, friendCount any
	if tr.OpenSlots != nil {
		openSlots = *tr.OpenSlots
	}
	if tr.FriendCount != nil {
		friendCount = *tr.FriendCount
	}
	res, err := r.ExecContext(ctx, `
		INSERT INTO test_results (gp_id, worker_id, ts, kind, open_slots, friend_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.GPID, tr.WorkerID, tr.Timestamp.UTC(), tr.Kind, openSlots, friendCount)
	if isUniqueViolation(err) {
		return fmt.Errorf("test result (%d,%d,%s): %w",
			tr.WorkerID, tr.GPID, tr.Timestamp, storage.ErrDuplicate)
	}
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		tr.ID = id
	}
	return nil
}

func deleteTestResult(ctx context.Context, r runner, id int64) error {
	res, err := r.ExecContext(ctx, `DELETE FROM test_results WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "test result", id)
}

func listTestResults(ctx context.Context, r runner, gpID int64) ([]*types.TestResult, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT id, gp_id, worker_id, ts, kind, open_slots, friend_count
		FROM test_results WHERE gp_id = ? ORDER BY ts, id`, gpID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TestResult
	for rows.Next() {
		var tr types.TestResult
		var openSlots, friendCount sql.NullInt64
		if err := rows.Scan(&tr.ID, &tr.GPID, &tr.WorkerID, &tr.Timestamp,
			&tr.Kind, &openSlots, &friendCount); err != nil {
			return nil, err
		}
		tr.Timestamp = tr.Timestamp.UTC()
		if openSlots.Valid {
			v := int(openSlots.Int64)
			tr.OpenSlots = &v
		}
		if friendCount.Valid {
			v := int(friendCount.Int64)
			tr.FriendCount = &v
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func (s *Store) AddTestResult(ctx context.Context, tr *types.TestResult) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return addTestResult(ctx, r, tr)
	})
}

func (s *Store) DeleteTestResult(ctx context.Context, id int64) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return deleteTestResult(ctx, r, id)
	})
}

func (s *Store) ListTestResults(ctx context.Context, gpID int64) ([]*types.TestResult, error) {
	var out []*types.TestResult
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var err error
		out, err = listTestResults(ctx, r, gpID)
		return err
	})
	return out, err
}
