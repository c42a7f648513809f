package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

func putGPStatistics(ctx context.Context, r runner, st *types.GPStatistics) error {
	if st.ProbabilityAlive < 0 || st.ProbabilityAlive > 100 {
		return fmt.Errorf("probability_alive %f out of range [0,100]", st.ProbabilityAlive)
	}
	if st.ConfidenceLevel < 0 || st.ConfidenceLevel > 95 {
		return fmt.Errorf("confidence_level %f out of range [0,95]", st.ConfidenceLevel)
	}
	_, err := r.ExecContext(ctx, `
		INSERT INTO gp_statistics (gp_id, probability_alive, total_tests,
			miss_tests, noshow_tests, confidence_level, last_calculated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(gp_id) DO UPDATE SET
			probability_alive = excluded.probability_alive,
			total_tests = excluded.total_tests,
			miss_tests = excluded.miss_tests,
			noshow_tests = excluded.noshow_tests,
			confidence_level = excluded.confidence_level,
			last_calculated_ts = excluded.last_calculated_ts`,
		st.GPID, st.ProbabilityAlive, st.TotalTests,
		st.MissTests, st.NoShowTests, st.ConfidenceLevel, st.LastCalculated.UTC())
	return err
}

// invalidateGPStatistics marks the cache stale by zeroing the calculation
// timestamp; the next read recomputes.
func invalidateGPStatistics(ctx context.Context, r runner, gpID int64) error {
	_, err := r.ExecContext(ctx,
		`UPDATE gp_statistics SET last_calculated_ts = ? WHERE gp_id = ?`,
		time.Unix(0, 0).UTC(), gpID)
	return err
}

func recordExpirationWarning(ctx context.Context, r runner, gpID int64, ts time.Time) error {
	_, err := r.ExecContext(ctx,
		`INSERT INTO expiration_warnings (gp_id, warned_at_ts) VALUES (?, ?)`,
		gpID, ts.UTC())
	return err
}

func (s *Store) PutGPStatistics(ctx context.Context, st *types.GPStatistics) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return putGPStatistics(ctx, r, st)
	})
}

func (s *Store) InvalidateGPStatistics(ctx context.Context, gpID int64) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return invalidateGPStatistics(ctx, r, gpID)
	})
}

func (s *Store) GetGPStatistics(ctx context.Context, gpID int64) (*types.GPStatistics, error) {
	var st types.GPStatistics
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		err := r.QueryRowContext(ctx, `
			SELECT gp_id, probability_alive, total_tests, miss_tests,
				noshow_tests, confidence_level, last_calculated_ts
			FROM gp_statistics WHERE gp_id = ?`, gpID).
			Scan(&st.GPID, &st.ProbabilityAlive, &st.TotalTests, &st.MissTests,
				&st.NoShowTests, &st.ConfidenceLevel, &st.LastCalculated)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("statistics for god pack %d: %w", gpID, storage.ErrNotFound)
		}
		st.LastCalculated = st.LastCalculated.UTC()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) RecordExpirationWarning(ctx context.Context, gpID int64, ts time.Time) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return recordExpirationWarning(ctx, r, gpID, ts)
	})
}

func (s *Store) LastExpirationWarning(ctx context.Context, gpID int64) (*time.Time, error) {
	var warned *time.Time
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var t sql.NullTime
		err := r.QueryRowContext(ctx, `
			SELECT MAX(warned_at_ts) FROM expiration_warnings WHERE gp_id = ?`, gpID).Scan(&t)
		if err != nil {
			return err
		}
		if t.Valid {
			ts := t.Time.UTC()
			warned = &ts
		}
		return nil
	})
	return warned, err
}
