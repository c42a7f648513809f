package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/eventbus"
	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

// Engine computes and caches god-pack verification statistics and drives
// the automatic TESTING -> DEAD transition.
type Engine struct {
	store storage.Storage
	bus   *eventbus.Bus
	cfg   *config.Config
	log   *slog.Logger
	now   func() time.Time
}

// Options configure an Engine.
type Options struct {
	Store  storage.Storage
	Bus    *eventbus.Bus
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(opts Options) *Engine {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store: opts.Store,
		bus:   opts.Bus,
		cfg:   opts.Config,
		log:   opts.Logger,
		now:   opts.Now,
	}
}

// Result is a verification readout: the statistics plus the advisory
// label, and whether it came from the cache.
type Result struct {
	Stats          *types.GPStatistics
	Recommendation string
	FromCache      bool
}

// Verify returns the verification statistics for a god pack. A cached
// computation younger than the configured TTL is returned as-is unless
// force is set; otherwise the model is re-evaluated, persisted, and the
// auto-DEAD rule applied.
func (e *Engine) Verify(ctx context.Context, gpID int64, force bool) (*Result, error) {
	if !force {
		cached, err := e.store.GetGPStatistics(ctx, gpID)
		if err == nil && e.now().Sub(cached.LastCalculated) < e.cfg.ProbabilityCacheTTL() {
			return &Result{
				Stats:          cached,
				Recommendation: recommend(cached.ProbabilityAlive, cached.ConfidenceLevel),
				FromCache:      true,
			}, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	gp, err := e.store.GetGodPack(ctx, gpID)
	if err != nil {
		return nil, err
	}
	results, err := e.store.ListTestResults(ctx, gpID)
	if err != nil {
		return nil, err
	}

	comp := Compute(gp, results)
	stats := &types.GPStatistics{
		GPID:             gpID,
		ProbabilityAlive: comp.ProbabilityAlive,
		TotalTests:       comp.TotalTests,
		MissTests:        comp.MissTests,
		NoShowTests:      comp.NoShowTests,
		ConfidenceLevel:  comp.ConfidenceLevel,
		LastCalculated:   e.now(),
	}
	if err := e.store.PutGPStatistics(ctx, stats); err != nil {
		return nil, err
	}

	if gp.State == types.GPTesting &&
		comp.ProbabilityAlive < e.cfg.DeadThreshold &&
		comp.ConfidenceLevel > e.cfg.DeadConfidenceThreshold {
		if err := e.transition(ctx, gp, types.GPDead, "auto: probability below dead threshold"); err != nil {
			return nil, fmt.Errorf("auto-dead transition: %w", err)
		}
	}

	return &Result{Stats: stats, Recommendation: comp.Recommendation}, nil
}

// AddTestResult records a verification attempt, invalidates the cached
// statistics, and re-evaluates the model (which may kill the pack).
func (e *Engine) AddTestResult(ctx context.Context, tr *types.TestResult) error {
	if err := tr.Validate(); err != nil {
		return err
	}
	if tr.Timestamp.IsZero() {
		tr.Timestamp = e.now()
	}
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		gp, err := tx.GetGodPack(ctx, tr.GPID)
		if err != nil {
			return err
		}
		if gp.State.Terminal() {
			return fmt.Errorf("god pack %d is %s: %w", gp.ID, gp.State, storage.ErrInvalidTransition)
		}
		if err := tx.AddTestResult(ctx, tr); err != nil {
			return err
		}
		if err := tx.InvalidateGPStatistics(ctx, tr.GPID); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventTestResultAdded, types.SeverityInfo, map[string]any{
			"gp_id":     tr.GPID,
			"worker_id": tr.WorkerID,
			"kind":      tr.Kind,
		}).WithWorker(tr.WorkerID)
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	e.publish(types.EventTestResultAdded, map[string]any{
		"gp_id": tr.GPID, "worker_id": tr.WorkerID, "kind": tr.Kind,
	})

	_, err = e.Verify(ctx, tr.GPID, true)
	return err
}

// RemoveTestResult deletes a verification attempt and marks the cache
// stale.
func (e *Engine) RemoveTestResult(ctx context.Context, gpID, resultID int64) error {
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.DeleteTestResult(ctx, resultID); err != nil {
			return err
		}
		return tx.InvalidateGPStatistics(ctx, gpID)
	})
	if err != nil {
		return err
	}
	_, err = e.Verify(ctx, gpID, true)
	return err
}

// SetState applies a manual state change (admin verification or
// invalidation). Terminal states reject further transitions at the
// storage layer.
func (e *Engine) SetState(ctx context.Context, gpID int64, state types.GPState) error {
	gp, err := e.store.GetGodPack(ctx, gpID)
	if err != nil {
		return err
	}
	return e.transition(ctx, gp, state, "manual")
}

// SetRatio updates the claimed pack ratio and emits the change.
func (e *Engine) SetRatio(ctx context.Context, gpID int64, ratio int) error {
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpdateGodPackRatio(ctx, gpID, ratio); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventGodPackRatioChange, types.SeverityInfo,
			map[string]any{"gp_id": gpID, "ratio": ratio})
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	e.publish(types.EventGodPackRatioChange, map[string]any{"gp_id": gpID, "ratio": ratio})
	return nil
}

// Delete removes a god pack and its test results.
func (e *Engine) Delete(ctx context.Context, gpID int64) error {
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.DeleteGodPack(ctx, gpID); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventGodPackDeleted, types.SeverityWarn,
			map[string]any{"gp_id": gpID})
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	e.publish(types.EventGodPackDeleted, map[string]any{"gp_id": gpID})
	return nil
}

func (e *Engine) transition(ctx context.Context, gp *types.GodPack, state types.GPState, reason string) error {
	if gp.State == state {
		return nil
	}
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpdateGodPackState(ctx, gp.ID, state); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventGodPackStateChange, types.SeverityInfo, map[string]any{
			"gp_id":  gp.ID,
			"from":   gp.State,
			"to":     state,
			"reason": reason,
		})
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	e.log.Info("god pack state changed", "gp", gp.ID, "from", gp.State, "to", state, "reason", reason)
	e.publish(types.EventGodPackStateChange, map[string]any{
		"gp_id": gp.ID, "from": gp.State, "to": state, "reason": reason,
	})
	return nil
}

func (e *Engine) publish(typ types.EventType, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.BusEvent{Type: typ, Timestamp: e.now(), Payload: payload})
}
