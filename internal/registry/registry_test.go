package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/storage/sqlite"
	"github.com/rerollkit/packtrack/internal/types"
)

type fixture struct {
	reg   *Registry
	store *sqlite.Store
	cfg   *config.Config
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store: store,
		cfg:   config.Default(),
		now:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.reg = New(Options{
		Store:  store,
		Config: f.cfg,
		Now:    func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) addWorker(t *testing.T, w *types.Worker) {
	t.Helper()
	if err := f.store.CreateWorker(context.Background(), w); err != nil {
		t.Fatal(err)
	}
}

func strptr(s string) *string { return &s }

func TestSetStatusGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addWorker(t, &types.Worker{ID: 1})
	f.addWorker(t, &types.Worker{ID: 2, PlayerID: strptr("ext-2")})

	// active without player_id is rejected.
	if err := f.reg.SetStatus(ctx, 1, types.StatusActive); !errors.Is(err, ErrGuardFailed) {
		t.Errorf("active without player_id: %v, want ErrGuardFailed", err)
	}
	if err := f.reg.SetStatus(ctx, 2, types.StatusActive); err != nil {
		t.Errorf("active with player_id: %v", err)
	}
	if err := f.reg.SetStatus(ctx, 1, types.StatusFarm); !errors.Is(err, ErrGuardFailed) {
		t.Errorf("farm without player_id: %v, want ErrGuardFailed", err)
	}
	// inactive is always allowed.
	if err := f.reg.SetStatus(ctx, 2, types.StatusInactive); err != nil {
		t.Errorf("set inactive: %v", err)
	}
}

func TestLeechGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := &types.Worker{ID: 3}
	f.addWorker(t, w)
	w.TotalPacks = 20000
	w.TotalGPs = 2
	if err := f.store.UpdateWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	if err := f.reg.SetStatus(ctx, 3, types.StatusLeech); !errors.Is(err, ErrGuardFailed) {
		t.Errorf("leech while disabled: %v, want ErrGuardFailed", err)
	}

	f.cfg.LeechEnabled = true
	if err := f.reg.SetStatus(ctx, 3, types.StatusLeech); err != nil {
		t.Errorf("leech with gates met: %v", err)
	}

	poor := &types.Worker{ID: 4}
	f.addWorker(t, poor)
	if err := f.reg.SetStatus(ctx, 4, types.StatusLeech); !errors.Is(err, ErrGuardFailed) {
		t.Errorf("leech below gates: %v, want ErrGuardFailed", err)
	}
}

func TestDerivedStatus(t *testing.T) {
	f := newFixture(t)

	hb := func(age time.Duration) *time.Time {
		ts := f.now.Add(-age)
		return &ts
	}
	tests := []struct {
		name string
		w    *types.Worker
		want types.WorkerStatus
	}{
		{"fresh active", &types.Worker{Status: types.StatusActive, LastHeartbeat: hb(10 * time.Minute)}, types.StatusActive},
		{"at grace boundary", &types.Worker{Status: types.StatusActive, LastHeartbeat: hb(31 * time.Minute)}, types.StatusActive},
		{"waiting", &types.Worker{Status: types.StatusActive, LastHeartbeat: hb(45 * time.Minute)}, StatusWaiting},
		{"beyond horizon", &types.Worker{Status: types.StatusActive, LastHeartbeat: hb(62 * time.Minute)}, types.StatusInactive},
		{"active never seen", &types.Worker{Status: types.StatusActive}, StatusWaiting},
		{"farm untouched", &types.Worker{Status: types.StatusFarm, LastHeartbeat: hb(500 * time.Minute)}, types.StatusFarm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.reg.DerivedStatus(tt.w); got != tt.want {
				t.Errorf("derived = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSweepAutoKicksSilentWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := &types.Worker{ID: 10, PlayerID: strptr("ext-10")}
	f.addWorker(t, w)
	// Last heartbeat 120 minutes ago, InactiveTime is 61.
	if err := f.store.ObserveHeartbeat(ctx, 10, f.now.Add(-120*time.Minute), 100); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetStatus(ctx, 10, types.StatusActive); err != nil {
		t.Fatal(err)
	}

	kicked, err := f.reg.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if kicked != 1 {
		t.Fatalf("kicked = %d, want 1", kicked)
	}

	got, err := f.store.GetWorker(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.StatusInactive {
		t.Errorf("status = %s, want inactive", got.Status)
	}

	events, err := f.store.ListSystemEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == types.EventUserStatusChanged {
			found = true
		}
	}
	if !found {
		t.Error("no USER_STATUS_CHANGED event recorded")
	}
}

func TestSweepKeepsHealthyWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addWorker(t, &types.Worker{ID: 11, PlayerID: strptr("ext-11")})
	hb := &types.Heartbeat{
		MessageID:       1,
		WorkerID:        11,
		Timestamp:       f.now.Add(-5 * time.Minute),
		InstancesOnline: 3,
		TimeRunningMin:  60,
		PacksCumulative: 600,
	}
	if _, err := f.store.InsertHeartbeat(ctx, hb); err != nil {
		t.Fatal(err)
	}
	if err := f.store.ObserveHeartbeat(ctx, 11, hb.Timestamp, hb.PacksCumulative); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetStatus(ctx, 11, types.StatusActive); err != nil {
		t.Fatal(err)
	}

	kicked, err := f.reg.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if kicked != 0 {
		t.Errorf("kicked = %d, want 0", kicked)
	}
}

func TestSweepKicksIdleInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addWorker(t, &types.Worker{ID: 12, PlayerID: strptr("ext-12")})
	// Past the grace window with zero instances online.
	hb := &types.Heartbeat{
		MessageID:       2,
		WorkerID:        12,
		Timestamp:       f.now.Add(-40 * time.Minute),
		InstancesOnline: 0,
		TimeRunningMin:  60,
		PacksCumulative: 600,
	}
	if _, err := f.store.InsertHeartbeat(ctx, hb); err != nil {
		t.Fatal(err)
	}
	if err := f.store.ObserveHeartbeat(ctx, 12, hb.Timestamp, hb.PacksCumulative); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetStatus(ctx, 12, types.StatusActive); err != nil {
		t.Fatal(err)
	}

	kicked, err := f.reg.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if kicked != 1 {
		t.Errorf("kicked = %d, want 1", kicked)
	}
}

func TestRealInstancesSumsLiveSubsystems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := &types.Worker{ID: 20, PlayerID: strptr("ext-20")}
	f.addWorker(t, w)
	hb := &types.Heartbeat{
		MessageID:       3,
		WorkerID:        20,
		Timestamp:       f.now.Add(-5 * time.Minute),
		InstancesOnline: 4,
		TimeRunningMin:  10,
		PacksCumulative: 50,
	}
	if _, err := f.store.InsertHeartbeat(ctx, hb); err != nil {
		t.Fatal(err)
	}
	if err := f.store.ObserveHeartbeat(ctx, 20, hb.Timestamp, hb.PacksCumulative); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetStatus(ctx, 20, types.StatusActive); err != nil {
		t.Fatal(err)
	}

	live := f.now.Add(-10 * time.Minute)
	stale := f.now.Add(-2 * time.Hour)
	for _, sub := range []*types.Subsystem{
		{WorkerID: 20, Name: "alt-1", Instances: 2, LastHeartbeat: &live},
		{WorkerID: 20, Name: "alt-2", Instances: 7, LastHeartbeat: &stale},
	} {
		if err := f.reg.RecordSubsystem(ctx, sub); err != nil {
			t.Fatal(err)
		}
	}

	w, err := f.store.GetWorker(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.reg.RealInstances(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if got != 6 {
		t.Errorf("real instances = %d, want 6 (4 own + 2 live subsystem)", got)
	}

	// Non-active workers always report zero.
	if err := f.reg.SetStatus(ctx, 20, types.StatusInactive); err != nil {
		t.Fatal(err)
	}
	w, _ = f.store.GetWorker(ctx, 20)
	if got, _ := f.reg.RealInstances(ctx, w); got != 0 {
		t.Errorf("inactive real instances = %d, want 0", got)
	}
}

func TestSortedViewOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addWorker(t, &types.Worker{ID: 30, PlayerID: strptr("a")})
	f.addWorker(t, &types.Worker{ID: 31})
	if err := f.reg.SetStatus(ctx, 30, types.StatusActive); err != nil {
		t.Fatal(err)
	}
	if err := f.store.ObserveHeartbeat(ctx, 30, f.now.Add(-time.Minute), 10); err != nil {
		t.Fatal(err)
	}

	entries, err := f.reg.SortedView(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Worker.ID != 30 {
		t.Errorf("active worker should sort first, got %d", entries[0].Worker.ID)
	}
	if entries[0].Status != types.StatusActive || entries[1].Status != types.StatusInactive {
		t.Errorf("statuses = %s, %s", entries[0].Status, entries[1].Status)
	}
}
