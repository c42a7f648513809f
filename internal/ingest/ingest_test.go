package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/eventbus"
	"github.com/rerollkit/packtrack/internal/storage/sqlite"
	"github.com/rerollkit/packtrack/internal/types"
)

func newIngestor(t *testing.T) (*Ingestor, *sqlite.Store, *eventbus.Bus) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	bus := eventbus.New(16, nil)
	t.Cleanup(bus.Close)
	in := New(Options{
		Store:    store,
		Bus:      bus,
		Config:   config.Default(),
		Location: time.UTC,
	})
	return in, store, bus
}

func TestHeartbeatCreatesWorker(t *testing.T) {
	in, store, bus := newIngestor(t)
	ctx := context.Background()
	sub := bus.Subscribe(types.EventUserAdded)

	msg := &Message{
		ID:        100,
		Timestamp: "2025-03-01T12:00:00Z",
		Body:      "42\nOnline: 1,2,main\nOffline: 3\nTime: 17m Packs: 4250",
	}
	if err := in.SubmitAndWait(ctx, msg); err != nil {
		t.Fatal(err)
	}

	w, err := store.GetWorker(ctx, 42)
	if err != nil {
		t.Fatalf("worker not created: %v", err)
	}
	if w.TotalPacks != 4250 {
		t.Errorf("total_packs = %d, want 4250", w.TotalPacks)
	}
	if w.LastHeartbeat == nil || w.LastHeartbeat.Format(time.RFC3339) != "2025-03-01T12:00:00Z" {
		t.Errorf("last_heartbeat = %v", w.LastHeartbeat)
	}

	hb, err := store.LatestHeartbeat(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if hb.InstancesOnline != 3 || hb.InstancesOffline != 1 || !hb.MainActive {
		t.Errorf("heartbeat = %+v", hb)
	}
	if hb.TimeRunningMin != 17 || hb.PacksCumulative != 4250 {
		t.Errorf("heartbeat = %+v", hb)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != types.EventUserAdded {
			t.Errorf("bus event = %s", ev.Type)
		}
	default:
		t.Error("no USER_ADDED bus event")
	}
}

func TestHeartbeatReingestIsNoOp(t *testing.T) {
	in, store, _ := newIngestor(t)
	ctx := context.Background()

	msg := &Message{
		ID:        100,
		Timestamp: "2025-03-01T12:00:00Z",
		Body:      "42\nOnline: 1,2,main\nOffline: 3\nTime: 17m Packs: 4250",
	}
	for i := 0; i < 2; i++ {
		if err := in.SubmitAndWait(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	hbs, err := store.ListHeartbeats(ctx, 42,
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(hbs) != 1 {
		t.Errorf("heartbeat rows = %d, want 1", len(hbs))
	}
}

func TestGPDiscoveryLifecycle(t *testing.T) {
	in, store, _ := newIngestor(t)
	ctx := context.Background()

	msg := &Message{
		ID:        900,
		Timestamp: "2025-01-01T10:00:00Z",
		Body:      "God pack found\nAce (123456789) [3P] [2/5]",
		Images:    1,
	}
	if err := in.SubmitAndWait(ctx, msg); err != nil {
		t.Fatal(err)
	}

	gp, err := store.GetGodPackByMessage(ctx, 900)
	if err != nil {
		t.Fatalf("god pack not created: %v", err)
	}
	if gp.PackSlotCount != 3 || gp.Ratio != 2 {
		t.Errorf("gp = %+v", gp)
	}
	if gp.State != types.GPTesting {
		t.Errorf("state = %s, want TESTING", gp.State)
	}
	want := time.Date(2025, 1, 5, 6, 0, 0, 0, time.UTC)
	if !gp.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", gp.ExpiresAt, want)
	}

	// Re-ingest: no second row, no error.
	if err := in.SubmitAndWait(ctx, msg); err != nil {
		t.Fatal(err)
	}
	packs, err := store.ListGodPacksByState(ctx, types.GPTesting)
	if err != nil {
		t.Fatal(err)
	}
	if len(packs) != 1 {
		t.Errorf("gp rows = %d, want 1", len(packs))
	}
}

func TestUnparseableMessageCounted(t *testing.T) {
	in, _, _ := newIngestor(t)

	if err := in.SubmitAndWait(context.Background(), &Message{ID: 1, Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	if in.ParseFailures() != 1 {
		t.Errorf("parse failures = %d, want 1", in.ParseFailures())
	}
}

func TestNameResolution(t *testing.T) {
	in, store, _ := newIngestor(t)
	ctx := context.Background()

	if err := store.CreateWorker(ctx, &types.Worker{ID: 7, Name: "ace"}); err != nil {
		t.Fatal(err)
	}

	msg := &Message{
		ID:        101,
		Timestamp: "2025-03-01T12:00:00Z",
		Body:      "ace\nOnline: 1\nOffline: \nTime: 5m Packs: 10",
	}
	if err := in.SubmitAndWait(ctx, msg); err != nil {
		t.Fatal(err)
	}
	hb, err := store.LatestHeartbeat(ctx, 7)
	if err != nil {
		t.Fatalf("heartbeat not attributed to named worker: %v", err)
	}
	if hb.MessageID != 101 {
		t.Errorf("message id = %d", hb.MessageID)
	}

	// Unknown name: dropped, not an error.
	if err := in.SubmitAndWait(ctx, &Message{
		ID:   102,
		Body: "nobody\nOnline: 1\nOffline: \nTime: 5m Packs: 10",
	}); err != nil {
		t.Fatal(err)
	}
	if in.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", in.Dropped())
	}
}

func TestLanedSubmitPreservesPerWorkerOrder(t *testing.T) {
	in, store, _ := newIngestor(t)
	ctx := context.Background()
	in.Start(ctx)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := &Message{
			ID:        int64(200 + i),
			Timestamp: base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			Body:      "42\nOnline: 1\nOffline: \nTime: 5m Packs: " + strconv.Itoa(100*(i+1)),
		}
		if err := in.Submit(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	in.Close()

	w, err := store.GetWorker(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if w.TotalPacks != 500 {
		t.Errorf("total_packs = %d, want 500", w.TotalPacks)
	}
	if !w.LastHeartbeat.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("last_heartbeat = %v", w.LastHeartbeat)
	}

	if err := in.Submit(ctx, &Message{ID: 999, Body: "x"}); err != ErrClosed {
		t.Errorf("submit after close = %v, want ErrClosed", err)
	}
}

func TestSubmitRacingCloseDoesNotPanic(t *testing.T) {
	in, _, _ := newIngestor(t)
	ctx := context.Background()
	in.Start(ctx)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				msg := &Message{
					ID:   int64(g*1000 + i),
					Body: "42\nOnline: 1\nOffline: \nTime: 5m Packs: 100",
				}
				err := in.Submit(ctx, msg)
				if errors.Is(err, ErrClosed) {
					return
				}
				if err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}(g)
	}
	in.Close()
	wg.Wait()
}
