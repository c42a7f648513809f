// Package registry manages worker administrative state: explicit status
// changes with their guards, the derived waiting state, and the periodic
// auto-kick sweep.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/eventbus"
	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

// ErrGuardFailed is returned when a status change's guard rejects it.
var ErrGuardFailed = errors.New("status change guard failed")

// StatusWaiting is the derived presentation state for an active worker
// whose heartbeat is stale beyond the grace window but within the
// inactivity horizon. It is never persisted.
const StatusWaiting types.WorkerStatus = "waiting"

// Registry is the worker state machine.
type Registry struct {
	store storage.Storage
	bus   *eventbus.Bus
	cfg   *config.Config
	log   *slog.Logger
	now   func() time.Time
}

// Options configure a Registry.
type Options struct {
	Store  storage.Storage
	Bus    *eventbus.Bus
	Config *config.Config
	Logger *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

func New(opts Options) *Registry {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		store: opts.Store,
		bus:   opts.Bus,
		cfg:   opts.Config,
		log:   opts.Logger,
		now:   opts.Now,
	}
}

// Register creates a worker explicitly. Duplicate IDs fail with
// storage.ErrDuplicate.
func (r *Registry) Register(ctx context.Context, w *types.Worker) error {
	err := r.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.CreateWorker(ctx, w); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventUserAdded, types.SeverityInfo,
			map[string]any{"worker_id": w.ID, "name": w.Name}).WithWorker(w.ID)
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	r.publish(types.EventUserAdded, map[string]any{"worker_id": w.ID})
	return nil
}

// SetStatus applies an explicit status change, enforcing the guards:
// active and farm need an external player id, leech needs the global
// leech gates.
func (r *Registry) SetStatus(ctx context.Context, workerID int64, status types.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	var from types.WorkerStatus
	err := r.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		w, err := tx.GetWorker(ctx, workerID)
		if err != nil {
			return err
		}
		from = w.Status
		if err := r.checkGuard(w, status); err != nil {
			return err
		}
		if w.Status == status {
			return nil
		}
		if err := tx.UpdateWorkerStatus(ctx, workerID, status); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventUserStatusChanged, types.SeverityInfo, map[string]any{
			"worker_id": workerID,
			"from":      from,
			"to":        status,
		}).WithWorker(workerID)
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	if from != status {
		r.publish(types.EventUserStatusChanged, map[string]any{
			"worker_id": workerID, "from": from, "to": status,
		})
	}
	return nil
}

func (r *Registry) checkGuard(w *types.Worker, status types.WorkerStatus) error {
	switch status {
	case types.StatusActive, types.StatusFarm:
		if w.PlayerID == nil || *w.PlayerID == "" {
			return fmt.Errorf("%w: %s requires a player_id", ErrGuardFailed, status)
		}
	case types.StatusLeech:
		if !r.cfg.LeechEnabled {
			return fmt.Errorf("%w: leech mode is disabled", ErrGuardFailed)
		}
		if w.TotalGPs < r.cfg.LeechMinGP {
			return fmt.Errorf("%w: leech requires >= %d god packs, has %d",
				ErrGuardFailed, r.cfg.LeechMinGP, w.TotalGPs)
		}
		if w.TotalPacks < r.cfg.LeechMinPacks {
			return fmt.Errorf("%w: leech requires >= %d packs, has %d",
				ErrGuardFailed, r.cfg.LeechMinPacks, w.TotalPacks)
		}
	}
	return nil
}

// Delete marks a worker banned and records the removal. Workers are never
// physically deleted; heartbeats do not reactivate a banned worker.
func (r *Registry) Delete(ctx context.Context, workerID int64) error {
	err := r.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetWorker(ctx, workerID); err != nil {
			return err
		}
		if err := tx.UpdateWorkerStatus(ctx, workerID, types.StatusBanned); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventUserDeleted, types.SeverityWarn,
			map[string]any{"worker_id": workerID}).WithWorker(workerID)
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	r.publish(types.EventUserDeleted, map[string]any{"worker_id": workerID})
	return nil
}

// DerivedStatus presents a worker's effective state, folding in the
// waiting window for active workers.
func (r *Registry) DerivedStatus(w *types.Worker) types.WorkerStatus {
	if w.Status != types.StatusActive {
		return w.Status
	}
	if w.LastHeartbeat == nil {
		return StatusWaiting
	}
	silence := r.now().Sub(*w.LastHeartbeat)
	switch {
	case silence <= r.cfg.HeartbeatGrace():
		return types.StatusActive
	case silence <= r.cfg.InactiveAfter():
		return StatusWaiting
	default:
		return types.StatusInactive
	}
}

// RealInstances is the live instance aggregate for a worker: its latest
// heartbeat's online count plus the instances of every subsystem with a
// heartbeat inside the grace window. Zero for non-active workers.
func (r *Registry) RealInstances(ctx context.Context, w *types.Worker) (int, error) {
	if r.DerivedStatus(w) != types.StatusActive {
		return 0, nil
	}
	hb, err := r.store.LatestHeartbeat(ctx, w.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	total := hb.InstancesOnline

	subs, err := r.store.ListSubsystems(ctx, w.ID)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.cfg.HeartbeatGrace())
	for _, sub := range subs {
		if sub.LastHeartbeat != nil && !sub.LastHeartbeat.Before(cutoff) {
			total += sub.Instances
		}
	}
	return total, nil
}

// RecordSubsystem upserts a subsystem heartbeat under its parent worker.
func (r *Registry) RecordSubsystem(ctx context.Context, sub *types.Subsystem) error {
	return r.store.UpsertSubsystem(ctx, sub)
}

// Sweep applies the auto-kick rules to every active worker and returns
// how many were kicked. Run periodically by the scheduler.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	workers, err := r.store.ListWorkers(ctx, storage.WorkerFilter{
		Statuses: []types.WorkerStatus{types.StatusActive},
	})
	if err != nil {
		return 0, err
	}

	kicked := 0
	now := r.now()
	for _, w := range workers {
		reason, kick := r.kickReason(ctx, w, now)
		if !kick {
			continue
		}
		if err := r.autoKick(ctx, w, reason); err != nil {
			r.log.Error("auto-kick failed", "worker", w.ID, "error", err)
			continue
		}
		kicked++
	}
	return kicked, nil
}

func (r *Registry) kickReason(ctx context.Context, w *types.Worker, now time.Time) (string, bool) {
	if w.LastHeartbeat == nil {
		return "", false
	}
	silence := now.Sub(*w.LastHeartbeat)
	if silence > r.cfg.InactiveAfter() {
		return "no heartbeat beyond inactivity horizon", true
	}
	if silence <= r.cfg.HeartbeatGrace() {
		return "", false
	}

	// Past the grace window: the low-activity guards apply.
	hb, err := r.store.LatestHeartbeat(ctx, w.ID)
	if err != nil {
		return "", false
	}
	if hb.InstancesOnline <= r.cfg.InactiveInstanceCount {
		return "instance count at or below threshold", true
	}
	if hb.TimeRunningMin > 0 {
		ppm := float64(hb.PacksCumulative) / float64(hb.TimeRunningMin)
		if ppm > 0 && ppm < r.cfg.InactivePPMThreshold {
			return "packs-per-minute below threshold", true
		}
	}
	return "", false
}

func (r *Registry) autoKick(ctx context.Context, w *types.Worker, reason string) error {
	err := r.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpdateWorkerStatus(ctx, w.ID, types.StatusInactive); err != nil {
			return err
		}
		ev := types.NewSystemEvent(types.EventUserStatusChanged, types.SeverityInfo, map[string]any{
			"worker_id": w.ID,
			"from":      types.StatusActive,
			"to":        types.StatusInactive,
			"reason":    reason,
		}).WithWorker(w.ID)
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	r.log.Info("worker auto-kicked", "worker", w.ID, "reason", reason)
	r.publish(types.EventUserStatusChanged, map[string]any{
		"worker_id": w.ID, "from": types.StatusActive, "to": types.StatusInactive, "reason": reason,
	})
	return nil
}

// ViewEntry is one row of the sorted presentation view.
type ViewEntry struct {
	Worker        *types.Worker
	Status        types.WorkerStatus // derived
	PacksPerMin   float64
	RealInstances int
}

// SortedView lists workers ordered for presentation: status priority
// (active < farm < leech < waiting < inactive), then descending
// packs-per-minute.
func (r *Registry) SortedView(ctx context.Context) ([]*ViewEntry, error) {
	workers, err := r.store.ListWorkers(ctx, storage.WorkerFilter{})
	if err != nil {
		return nil, err
	}
	entries := make([]*ViewEntry, 0, len(workers))
	for _, w := range workers {
		e := &ViewEntry{Worker: w, Status: r.DerivedStatus(w)}
		if hb, err := r.store.LatestHeartbeat(ctx, w.ID); err == nil && hb.TimeRunningMin > 0 {
			e.PacksPerMin = float64(hb.PacksCumulative) / float64(hb.TimeRunningMin)
		}
		if n, err := r.RealInstances(ctx, w); err == nil {
			e.RealInstances = n
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := statusRank(entries[i].Status), statusRank(entries[j].Status)
		if pi != pj {
			return pi < pj
		}
		return entries[i].PacksPerMin > entries[j].PacksPerMin
	})
	return entries, nil
}

// statusRank orders derived statuses for sorted views.
func statusRank(s types.WorkerStatus) int {
	if s == StatusWaiting {
		return 3
	}
	return s.Priority()
}

func (r *Registry) publish(typ types.EventType, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(types.BusEvent{Type: typ, Timestamp: r.now(), Payload: payload})
}
