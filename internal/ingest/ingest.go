// Package ingest classifies inbound telemetry messages and persists them
// idempotently.
//
// Per worker, submission order is preserved by pinning processing to a
// worker-id-hashed lane; across workers there is no ordering guarantee.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/eventbus"
	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

// DefaultLanes is the number of ordered processing lanes.
const DefaultLanes = 8

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ingestor closed")

type task struct {
	key int64
	hb  *types.Heartbeat
	gp  *types.GodPack
}

// Options configure an Ingestor.
type Options struct {
	Store  storage.Storage
	Bus    *eventbus.Bus
	Config *config.Config
	Logger *slog.Logger
	// Lanes overrides the lane count; <= 0 selects DefaultLanes.
	Lanes int
	// Location resolves the daily reset hour for expiry computation.
	// Defaults to time.Local.
	Location *time.Location
}

// Ingestor is the inbound message pipeline.
type Ingestor struct {
	store storage.Storage
	bus   *eventbus.Bus
	cfg   *config.Config
	log   *slog.Logger
	loc   *time.Location

	lanes []chan task
	wg    sync.WaitGroup

	// mu guards closed and is held (shared) across every lane send so
	// Close cannot close a lane mid-Submit.
	mu     sync.RWMutex
	closed bool

	parseFailures atomic.Uint64
	dropped       atomic.Uint64
}

func New(opts Options) *Ingestor {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Lanes <= 0 {
		opts.Lanes = DefaultLanes
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	in := &Ingestor{
		store: opts.Store,
		bus:   opts.Bus,
		cfg:   opts.Config,
		log:   opts.Logger,
		loc:   opts.Location,
		lanes: make([]chan task, opts.Lanes),
	}
	for i := range in.lanes {
		in.lanes[i] = make(chan task, 64)
	}
	return in
}

// Start launches the lane workers. They run until Close.
func (in *Ingestor) Start(ctx context.Context) {
	for i := range in.lanes {
		in.wg.Add(1)
		go func(lane chan task) {
			defer in.wg.Done()
			for t := range lane {
				in.process(ctx, t)
			}
		}(in.lanes[i])
	}
}

// Close drains the lanes and stops the workers. Submit fails afterwards.
func (in *Ingestor) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	// No Submit holds the read lock here, so the lanes are quiescent.
	for _, lane := range in.lanes {
		close(lane)
	}
	in.mu.Unlock()
	in.wg.Wait()
}

// ParseFailures reports how many inbound messages failed to parse.
func (in *Ingestor) ParseFailures() uint64 { return in.parseFailures.Load() }

// Dropped reports how many messages were dropped after classification, for
// example on worker-name resolution failure.
func (in *Ingestor) Dropped() uint64 { return in.dropped.Load() }

// Submit classifies and enqueues one inbound message. Unrecognized or
// malformed messages are logged and counted, never surfaced as errors;
// only a closed ingestor or cancelled context fails.
func (in *Ingestor) Submit(ctx context.Context, msg *Message) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return ErrClosed
	}
	t, ok := in.classify(ctx, msg)
	if !ok {
		return nil
	}
	lane := in.lanes[int(uint64(t.key)%uint64(len(in.lanes)))]
	select {
	case lane <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitAndWait ingests synchronously on the caller's goroutine, bypassing
// the lanes. Intended for the CLI ingest path where each message is
// submitted and awaited in turn.
func (in *Ingestor) SubmitAndWait(ctx context.Context, msg *Message) error {
	in.mu.RLock()
	if in.closed {
		in.mu.RUnlock()
		return ErrClosed
	}
	in.mu.RUnlock()
	if t, ok := in.classify(ctx, msg); ok {
		in.process(ctx, t)
	}
	return nil
}

// classify parses the message into a lane task. Failures are counted and
// logged; ok is false when the message was dropped.
func (in *Ingestor) classify(ctx context.Context, msg *Message) (task, bool) {
	ts, err := in.messageTime(msg)
	if err != nil {
		in.parseFailure(msg, err)
		return task{}, false
	}

	switch {
	case IsGPDiscovery(msg):
		gp := ParseGPDiscovery(msg.Body)
		gp.DiscoveryMessageID = msg.ID
		gp.DiscoveryTS = ts
		gp.DiscoveredBy = msg.AuthorID
		gp.ExpiresAt = types.ComputeExpiresAt(ts, in.cfg.DailyResetLocalHour, in.loc)
		if err := gp.Validate(); err != nil {
			in.parseFailure(msg, err)
			return task{}, false
		}
		t := task{gp: gp}
		if msg.AuthorID != nil {
			t.key = *msg.AuthorID
		}
		return t, true

	case IsHeartbeat(msg.Body):
		ref, hb, err := ParseHeartbeat(msg.Body)
		if err != nil {
			in.parseFailure(msg, err)
			return task{}, false
		}
		hb.MessageID = msg.ID
		hb.Timestamp = ts
		if !ref.Resolved() {
			w, err := in.store.GetWorkerByName(ctx, ref.Name)
			if err != nil {
				in.dropped.Add(1)
				in.log.Warn("unresolvable worker name, dropping heartbeat",
					"message_id", msg.ID, "name", ref.Name, "error", err)
				return task{}, false
			}
			ref.ID = w.ID
		}
		hb.WorkerID = ref.ID
		if err := hb.Validate(); err != nil {
			in.parseFailure(msg, err)
			return task{}, false
		}
		return task{key: hb.WorkerID, hb: hb}, true
	}

	in.parseFailure(msg, errors.New("unrecognized message shape"))
	return task{}, false
}

func (in *Ingestor) parseFailure(msg *Message, err error) {
	in.parseFailures.Add(1)
	in.log.Warn("dropping unparseable message", "message_id", msg.ID, "error", err)
}

func (in *Ingestor) messageTime(msg *Message) (time.Time, error) {
	if msg.Timestamp == "" {
		return time.Now().UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("message timestamp: %w", err)
	}
	return ts.UTC(), nil
}

func (in *Ingestor) process(ctx context.Context, t task) {
	switch {
	case t.hb != nil:
		in.persistHeartbeat(ctx, t.hb)
	case t.gp != nil:
		in.persistGodPack(ctx, t.gp)
	}
}

// persistHeartbeat stores the heartbeat and rolls the worker's counters
// forward in one transaction. The worker is created on first contact.
func (in *Ingestor) persistHeartbeat(ctx context.Context, hb *types.Heartbeat) {
	var created, inserted bool
	err := in.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		created, inserted = false, false
		_, err := tx.GetWorker(ctx, hb.WorkerID)
		if errors.Is(err, storage.ErrNotFound) {
			if err := tx.CreateWorker(ctx, &types.Worker{ID: hb.WorkerID}); err != nil {
				return err
			}
			created = true
		} else if err != nil {
			return err
		}

		inserted, err = tx.InsertHeartbeat(ctx, hb)
		if err != nil || !inserted {
			return err
		}
		if err := tx.ObserveHeartbeat(ctx, hb.WorkerID, hb.Timestamp, hb.PacksCumulative); err != nil {
			return err
		}
		if created {
			ev := types.NewSystemEvent(types.EventUserAdded, types.SeverityInfo,
				map[string]any{"worker_id": hb.WorkerID}).WithWorker(hb.WorkerID)
			return tx.AppendSystemEvent(ctx, ev)
		}
		return nil
	})
	if err != nil {
		in.log.Error("persist heartbeat", "message_id", hb.MessageID, "worker", hb.WorkerID, "error", err)
		return
	}
	if created && in.bus != nil {
		in.bus.Publish(types.BusEvent{
			Type:      types.EventUserAdded,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"worker_id": hb.WorkerID},
		})
	}
	if !inserted {
		in.log.Debug("duplicate heartbeat ignored", "message_id", hb.MessageID)
	}
}

func (in *Ingestor) persistGodPack(ctx context.Context, gp *types.GodPack) {
	var created bool
	err := in.store.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		created, err = tx.CreateGodPack(ctx, gp)
		if err != nil || !created {
			return err
		}
		ev := types.NewSystemEvent(types.EventGodPackAdded, types.SeverityInfo, map[string]any{
			"gp_id":        gp.ID,
			"account_name": gp.AccountName,
			"friend_code":  gp.FriendCode,
			"slots":        gp.PackSlotCount,
		})
		if gp.DiscoveredBy != nil {
			ev = ev.WithWorker(*gp.DiscoveredBy)
		}
		return tx.AppendSystemEvent(ctx, ev)
	})
	if err != nil {
		in.log.Error("persist god pack", "message_id", gp.DiscoveryMessageID, "error", err)
		return
	}
	if created && in.bus != nil {
		in.bus.Publish(types.BusEvent{
			Type:      types.EventGodPackAdded,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"gp_id": gp.ID, "friend_code": gp.FriendCode},
		})
	}
}
