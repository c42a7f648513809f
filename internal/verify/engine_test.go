package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/storage/sqlite"
	"github.com/rerollkit/packtrack/internal/types"
)

type engineFixture struct {
	eng   *Engine
	store *sqlite.Store
	cfg   *config.Config
	now   time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &engineFixture{
		store: store,
		cfg:   config.Default(),
		now:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.eng = New(Options{
		Store:  store,
		Config: f.cfg,
		Now:    func() time.Time { return f.now },
	})
	return f
}

func (f *engineFixture) addGP(t *testing.T, slots int) *types.GodPack {
	t.Helper()
	gp := &types.GodPack{
		DiscoveryMessageID: time.Now().UnixNano(),
		DiscoveryTS:        f.now,
		PackSlotCount:      slots,
		Ratio:              types.RatioUnknown,
		ExpiresAt:          f.now.Add(72 * time.Hour),
	}
	if _, err := f.store.CreateGodPack(context.Background(), gp); err != nil {
		t.Fatal(err)
	}
	return gp
}

func (f *engineFixture) addWorker(t *testing.T, id int64) {
	t.Helper()
	if err := f.store.CreateWorker(context.Background(), &types.Worker{ID: id}); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyComputesAndCaches(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, 3)
	f.addWorker(t, 1)

	res, err := f.eng.Verify(ctx, gp.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Error("first verify should compute")
	}
	if res.Stats.ProbabilityAlive != 100 {
		t.Errorf("P = %v, want 100", res.Stats.ProbabilityAlive)
	}

	// Second read inside the TTL hits the cache.
	f.now = f.now.Add(time.Minute)
	res, err = f.eng.Verify(ctx, gp.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Error("second verify should hit the cache")
	}

	// Past the TTL it recomputes.
	f.now = f.now.Add(10 * time.Minute)
	res, err = f.eng.Verify(ctx, gp.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Error("stale cache should recompute")
	}

	// force bypasses a fresh cache.
	res, err = f.eng.Verify(ctx, gp.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Error("force should recompute")
	}
}

func TestAddTestResultInvalidatesCache(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, 3)
	f.addWorker(t, 1)

	if _, err := f.eng.Verify(ctx, gp.ID, false); err != nil {
		t.Fatal(err)
	}
	err := f.eng.AddTestResult(ctx, &types.TestResult{
		GPID: gp.ID, WorkerID: 1, Kind: types.TestMiss,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.eng.Verify(ctx, gp.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.TotalTests != 1 || res.Stats.MissTests != 1 {
		t.Errorf("stats after miss = %+v", res.Stats)
	}
	// k=3, one miss from one tester: P = 2/3.
	if res.Stats.ProbabilityAlive < 66 || res.Stats.ProbabilityAlive > 67 {
		t.Errorf("P = %v, want ~66.7", res.Stats.ProbabilityAlive)
	}
}

func TestAutoDeadTransition(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, 1)

	// Seven distinct testers each miss a k=1 pack: P=0, confidence well
	// above the threshold.
	for id := int64(1); id <= 7; id++ {
		f.addWorker(t, id)
		err := f.eng.AddTestResult(ctx, &types.TestResult{
			GPID: gp.ID, WorkerID: id, Kind: types.TestMiss,
			Timestamp: f.now.Add(time.Duration(id) * time.Second),
		})
		if err != nil {
			// The pack dies mid-loop once the thresholds are crossed;
			// subsequent adds are rejected as terminal.
			if errors.Is(err, storage.ErrInvalidTransition) {
				break
			}
			t.Fatal(err)
		}
	}

	got, err := f.store.GetGodPack(ctx, gp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.GPDead {
		t.Errorf("state = %s, want DEAD", got.State)
	}
}

func TestAddTestResultRejectsTerminalPack(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, 3)
	f.addWorker(t, 1)

	if err := f.store.UpdateGodPackState(ctx, gp.ID, types.GPDead); err != nil {
		t.Fatal(err)
	}
	err := f.eng.AddTestResult(ctx, &types.TestResult{
		GPID: gp.ID, WorkerID: 1, Kind: types.TestMiss,
	})
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestManualSetState(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, 3)

	if err := f.eng.SetState(ctx, gp.ID, types.GPAlive); err != nil {
		t.Fatal(err)
	}
	got, err := f.store.GetGodPack(ctx, gp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.GPAlive {
		t.Errorf("state = %s, want ALIVE", got.State)
	}

	events, err := f.store.ListSystemEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].Type != types.EventGodPackStateChange {
		t.Errorf("events = %+v", events)
	}
}

func TestSetRatio(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, 3)

	if err := f.eng.SetRatio(ctx, gp.ID, 4); err != nil {
		t.Fatal(err)
	}
	got, err := f.store.GetGodPack(ctx, gp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ratio != 4 {
		t.Errorf("ratio = %d, want 4", got.Ratio)
	}
}

func TestDeleteRemovesPack(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, 3)

	if err := f.eng.Delete(ctx, gp.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.GetGodPack(ctx, gp.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
