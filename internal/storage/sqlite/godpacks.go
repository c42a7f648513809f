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

const godPackColumns = `id, discovery_message_id, discovery_ts, pack_slot_count,
	account_name, friend_code, screenshot_url, state, ratio, expires_at,
	discovered_by, created_at, updated_at`

func scanGodPack(row interface{ Scan(...any) error }) (*types.GodPack, error) {
	var gp types.GodPack
	var discoveredBy sql.NullInt64
	err := row.Scan(&gp.ID, &gp.DiscoveryMessageID, &gp.DiscoveryTS, &gp.PackSlotCount,
		&gp.AccountName, &gp.FriendCode, &gp.ScreenshotURL, &gp.State, &gp.Ratio,
		&gp.ExpiresAt, &discoveredBy, &gp.CreatedAt, &gp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	gp.DiscoveryTS = gp.DiscoveryTS.UTC()
	gp.ExpiresAt = gp.ExpiresAt.UTC()
	if discoveredBy.Valid {
		gp.DiscoveredBy = &discoveredBy.Int64
	}
	return &gp, nil
}

// createGodPack inserts a god pack in its initial state. The discovery
// message id is the idempotency key: re-ingestion reports (false, nil).
// On insert the id is written back and the discoverer's total_gps counter
// is bumped.
func createGodPack(ctx context.Context, r runner, gp *types.GodPack) (bool, error) {
	if gp.State == "" {
		gp.State = types.GPTesting
	}
	if err := gp.Validate(); err != nil {
		return false, fmt.Errorf("validation failed: %w", err)
	}
	now := time.Now().UTC()
	gp.CreatedAt = now
	gp.UpdatedAt = now

	var discoveredBy any
	if gp.DiscoveredBy != nil {
		discoveredBy = *gp.DiscoveredBy
	}
	res, err := r.ExecContext(ctx, `
		INSERT INTO godpacks (discovery_message_id, discovery_ts, pack_slot_count,
			account_name, friend_code, screenshot_url, state, ratio, expires_at,
			discovered_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(discovery_message_id) DO NOTHING`,
		gp.DiscoveryMessageID, gp.DiscoveryTS.UTC(), gp.PackSlotCount,
		gp.AccountName, gp.FriendCode, gp.ScreenshotURL, gp.State, gp.Ratio,
		gp.ExpiresAt.UTC(), discoveredBy, gp.CreatedAt, gp.UpdatedAt)
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
		gp.ID = id
	}
	if gp.DiscoveredBy != nil {
		_, err = r.ExecContext(ctx,
			`UPDATE workers SET total_gps = total_gps + 1, updated_at = ? WHERE id = ?`,
			now, *gp.DiscoveredBy)
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// updateGodPackState applies a state transition, rejecting transitions out
// of a terminal state.
func updateGodPackState(ctx context.Context, r runner, id int64, state types.GPState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid god pack state %q", state)
	}
	var current types.GPState
	err := r.QueryRowContext(ctx, `SELECT state FROM godpacks WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("god pack %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current.Terminal() && state != current {
		return fmt.Errorf("god pack %d is %s: %w", id, current, storage.ErrInvalidTransition)
	}
	_, err = r.ExecContext(ctx,
		`UPDATE godpacks SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
	return err
}

func updateGodPackRatio(ctx context.Context, r runner, id int64, ratio int) error {
	if ratio < types.RatioUnknown || ratio > 5 {
		return fmt.Errorf("ratio %d out of range [-1,5]", ratio)
	}
	res, err := r.ExecContext(ctx,
		`UPDATE godpacks SET ratio = ?, updated_at = ? WHERE id = ?`,
		ratio, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "god pack", id)
}

func deleteGodPack(ctx context.Context, r runner, id int64) error {
	res, err := r.ExecContext(ctx, `DELETE FROM godpacks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "god pack", id)
}

func getGodPack(ctx context.Context, r runner, id int64) (*types.GodPack, error) {
	gp, err := scanGodPack(r.QueryRowContext(ctx,
		`SELECT `+godPackColumns+` FROM godpacks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("god pack %d: %w", id, storage.ErrNotFound)
	}
	return gp, err
}

// Store methods.

func (s *Store) CreateGodPack(ctx context.Context, gp *types.GodPack) (bool, error) {
	var created bool
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var err error
		created, err = createGodPack(ctx, r, gp)
		return err
	})
	return created, err
}

func (s *Store) UpdateGodPackState(ctx context.Context, id int64, state types.GPState) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return updateGodPackState(ctx, r, id, state)
	})
}

func (s *Store) UpdateGodPackRatio(ctx context.Context, id int64, ratio int) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return updateGodPackRatio(ctx, r, id, ratio)
	})
}

func (s *Store) DeleteGodPack(ctx context.Context, id int64) error {
	return s.withConn(ctx, func(ctx context.Context, r runner) error {
		return deleteGodPack(ctx, r, id)
	})
}

func (s *Store) GetGodPack(ctx context.Context, id int64) (*types.GodPack, error) {
	var gp *types.GodPack
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var err error
		gp, err = getGodPack(ctx, r, id)
		return err
	})
	return gp, err
}

func (s *Store) GetGodPackByMessage(ctx context.Context, messageID int64) (*types.GodPack, error) {
	var gp *types.GodPack
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		var err error
		gp, err = scanGodPack(r.QueryRowContext(ctx,
			`SELECT `+godPackColumns+` FROM godpacks WHERE discovery_message_id = ?`, messageID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("god pack for message %d: %w", messageID, storage.ErrNotFound)
		}
		return err
	})
	return gp, err
}

func (s *Store) ListGodPacksByState(ctx context.Context, states ...types.GPState) ([]*types.GodPack, error) {
	query := `SELECT ` + godPackColumns + ` FROM godpacks`
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY discovery_ts DESC`
	return s.listGodPacks(ctx, query, args...)
}

func (s *Store) ListExpiringGodPacks(ctx context.Context, from, until time.Time) ([]*types.GodPack, error) {
	return s.listGodPacks(ctx, `
		SELECT `+godPackColumns+` FROM godpacks
		WHERE state IN ('TESTING','ALIVE') AND expires_at >= ? AND expires_at < ?
		ORDER BY expires_at`, from.UTC(), until.UTC())
}

func (s *Store) listGodPacks(ctx context.Context, query string, args ...any) ([]*types.GodPack, error) {
	var out []*types.GodPack
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		rows, err := r.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			gp, err := scanGodPack(rows)
			if err != nil {
				return err
			}
			out = append(out, gp)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) CountGodPacksByWorker(ctx context.Context, workerID int64) (int, error) {
	var n int
	err := s.withConn(ctx, func(ctx context.Context, r runner) error {
		return r.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM godpacks WHERE discovered_by = ?`, workerID).Scan(&n)
	})
	return n, err
}
