// Package expiry closes out god packs whose deadline has passed and warns
// ahead of approaching deadlines.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/eventbus"
	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

// warningDedup suppresses repeat warnings for the same pack.
const warningDedup = 24 * time.Hour

// Archiver closes out external discussion threads for finished packs. A
// RateLimitError return delays the retry by the hinted duration instead
// of the backoff schedule.
type Archiver interface {
	Archive(ctx context.Context, gp *types.GodPack) error
}

// RateLimitError carries an upstream retry-after hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited, retry after " + e.RetryAfter.String()
}

// Scanner runs the periodic expiration pass.
type Scanner struct {
	store          storage.Storage
	bus            *eventbus.Bus
	cfg            *config.Config
	log            *slog.Logger
	archiver       Archiver
	now            func() time.Time
	archiveBackoff time.Duration
}

// Options configure a Scanner.
type Options struct {
	Store  storage.Storage
	Bus    *eventbus.Bus
	Config *config.Config
	Logger *slog.Logger
	// Archiver is optional; without one, thread archival is skipped.
	Archiver Archiver
	Now      func() time.Time
	// ArchiveBackoff overrides the first retry interval. Zero keeps the
	// 1s production schedule.
	ArchiveBackoff time.Duration
}

func New(opts Options) *Scanner {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ArchiveBackoff <= 0 {
		opts.ArchiveBackoff = time.Second
	}
	return &Scanner{
		store:          opts.Store,
		bus:            opts.Bus,
		cfg:            opts.Config,
		log:            opts.Logger,
		archiver:       opts.Archiver,
		now:            opts.Now,
		archiveBackoff: opts.ArchiveBackoff,
	}
}

// Scan is one expiration pass: expired packs are closed out, approaching
// ones warned. Returns how many packs were closed.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	now := s.now()
	horizon := now.Add(time.Duration(s.cfg.ExpirationWarningHours) * time.Hour)

	packs, err := s.store.ListExpiringGodPacks(ctx, time.Time{}, horizon)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, gp := range packs {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		if !gp.ExpiresAt.After(now) {
			if err := s.expire(ctx, gp); err != nil {
				s.log.Error("expire god pack", "gp", gp.ID, "error", err)
				continue
			}
			closed++
		} else if err := s.maybeWarn(ctx, gp, now); err != nil {
			s.log.Error("expiration warning", "gp", gp.ID, "error", err)
		}
	}
	return closed, nil
}

// expire closes one pack: ALIVE becomes EXPIRED, anything else DEAD. The
// external thread is archived best-effort after the state is durable.
func (s *Scanner) expire(ctx context.Context, gp *types.GodPack) error {
	to := types.GPDead
	if gp.State == types.GPAlive {
		to = types.GPExpired
	}

	err := s.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpdateGodPackState(ctx, gp.ID, to); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventGodPackStateChange, types.SeverityInfo, map[string]any{
			"gp_id":  gp.ID,
			"from":   gp.State,
			"to":     to,
			"reason": "expired",
		})
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	s.log.Info("god pack expired", "gp", gp.ID, "state", to)
	s.publish(types.EventGodPackStateChange, map[string]any{
		"gp_id": gp.ID, "from": gp.State, "to": to, "reason": "expired",
	})

	if s.archiver != nil {
		if err := s.archive(ctx, gp); err != nil {
			// Best-effort: the pack is closed either way.
			s.log.Warn("archive thread failed", "gp", gp.ID, "error", err)
		}
	}
	return nil
}

// archive retries the external call at 1s, 2s, 4s, honoring rate-limit
// hints over the schedule.
func (s *Scanner) archive(ctx context.Context, gp *types.GodPack) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.archiveBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)

	return backoff.Retry(func() error {
		err := s.archiver.Archive(ctx, gp)
		var rl *RateLimitError
		if errors.As(err, &rl) {
			// Upstream hint takes precedence over the schedule: wait it
			// out here, then let the retry fire immediately.
			select {
			case <-time.After(rl.RetryAfter):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}, retries)
}

// maybeWarn records an approaching-expiry warning unless one was issued
// in the last 24 hours.
func (s *Scanner) maybeWarn(ctx context.Context, gp *types.GodPack, now time.Time) error {
	last, err := s.store.LastExpirationWarning(ctx, gp.ID)
	if err != nil {
		return err
	}
	if last != nil && now.Sub(*last) < warningDedup {
		return nil
	}

	err = s.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.RecordExpirationWarning(ctx, gp.ID, now); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventExpirationWarning, types.SeverityWarn, map[string]any{
			"gp_id":      gp.ID,
			"expires_at": gp.ExpiresAt,
		})
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	s.publish(types.EventExpirationWarning, map[string]any{
		"gp_id": gp.ID, "expires_at": gp.ExpiresAt,
	})
	return nil
}

func (s *Scanner) publish(typ types.EventType, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(types.BusEvent{Type: typ, Timestamp: s.now(), Payload: payload})
}
