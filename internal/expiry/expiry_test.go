package expiry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/eventbus"
	"github.com/rerollkit/packtrack/internal/storage/sqlite"
	"github.com/rerollkit/packtrack/internal/types"
)

type recordingArchiver struct {
	calls atomic.Int32
	fail  int32 // fail the first N calls
	err   error
}

func (a *recordingArchiver) Archive(ctx context.Context, gp *types.GodPack) error {
	n := a.calls.Add(1)
	if n <= a.fail {
		if a.err != nil {
			return a.err
		}
		return errors.New("archive unavailable")
	}
	return nil
}

type fixture struct {
	scanner  *Scanner
	store    *sqlite.Store
	bus      *eventbus.Bus
	archiver *recordingArchiver
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	bus := eventbus.New(16, nil)
	t.Cleanup(bus.Close)

	f := &fixture{
		store:    store,
		bus:      bus,
		archiver: &recordingArchiver{},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.scanner = New(Options{
		Store:          store,
		Bus:            bus,
		Config:         config.Default(),
		Archiver:       f.archiver,
		Now:            func() time.Time { return f.now },
		ArchiveBackoff: time.Millisecond,
	})
	return f
}

func (f *fixture) addGP(t *testing.T, state types.GPState, expiresAt time.Time) *types.GodPack {
	t.Helper()
	gp := &types.GodPack{
		DiscoveryMessageID: time.Now().UnixNano(),
		DiscoveryTS:        f.now.Add(-24 * time.Hour),
		PackSlotCount:      3,
		Ratio:              types.RatioUnknown,
		ExpiresAt:          expiresAt,
	}
	ctx := context.Background()
	if _, err := f.store.CreateGodPack(ctx, gp); err != nil {
		t.Fatal(err)
	}
	if state != types.GPTesting {
		if err := f.store.UpdateGodPackState(ctx, gp.ID, state); err != nil {
			t.Fatal(err)
		}
		gp.State = state
	}
	return gp
}

func TestScanExpiresAliveToExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, types.GPAlive, f.now.Add(-time.Hour))

	closed, err := f.scanner.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Fatalf("closed = %d, want 1", closed)
	}
	got, err := f.store.GetGodPack(ctx, gp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.GPExpired {
		t.Errorf("state = %s, want EXPIRED", got.State)
	}
	if f.archiver.calls.Load() != 1 {
		t.Errorf("archiver calls = %d, want 1", f.archiver.calls.Load())
	}
}

func TestScanExpiresTestingToDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, types.GPTesting, f.now.Add(-time.Minute))

	if _, err := f.scanner.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := f.store.GetGodPack(ctx, gp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.GPDead {
		t.Errorf("state = %s, want DEAD", got.State)
	}
}

func TestScanWarnsApproachingExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, types.GPTesting, f.now.Add(3*time.Hour))
	sub := f.bus.Subscribe(types.EventExpirationWarning)

	closed, err := f.scanner.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if closed != 0 {
		t.Errorf("closed = %d, want 0", closed)
	}
	last, err := f.store.LastExpirationWarning(ctx, gp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.Equal(f.now) {
		t.Errorf("warning timestamp = %v, want %v", last, f.now)
	}
	select {
	case ev := <-sub.C:
		if ev.Type != types.EventExpirationWarning {
			t.Errorf("event = %s", ev.Type)
		}
	default:
		t.Error("no warning event on bus")
	}

	// A second scan inside the dedup window stays quiet.
	f.now = f.now.Add(time.Hour)
	if _, err := f.scanner.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub.C:
		t.Error("duplicate warning within 24h")
	default:
	}
}

func TestScanIgnoresDistantExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gp := f.addGP(t, types.GPTesting, f.now.Add(48*time.Hour))

	if _, err := f.scanner.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	last, err := f.store.LastExpirationWarning(ctx, gp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Error("distant pack warned prematurely")
	}
	got, _ := f.store.GetGodPack(ctx, gp.ID)
	if got.State != types.GPTesting {
		t.Errorf("state = %s, want TESTING", got.State)
	}
}

func TestArchiveRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.archiver.fail = 2
	gp := f.addGP(t, types.GPAlive, f.now.Add(-time.Hour))

	if _, err := f.scanner.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.archiver.calls.Load(); got != 3 {
		t.Errorf("archiver calls = %d, want 3 (two failures, one success)", got)
	}
	// The pack is closed regardless of archival outcome.
	state, err := f.store.GetGodPack(ctx, gp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.State != types.GPExpired {
		t.Errorf("state = %s", state.State)
	}
}

func TestArchiveGivesUpAfterThreeAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.archiver.fail = 10
	f.addGP(t, types.GPAlive, f.now.Add(-time.Hour))

	if _, err := f.scanner.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.archiver.calls.Load(); got != 3 {
		t.Errorf("archiver calls = %d, want 3", got)
	}
}

func TestArchiveHonorsRateLimitHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.archiver.fail = 1
	f.archiver.err = &RateLimitError{RetryAfter: 10 * time.Millisecond}
	f.addGP(t, types.GPAlive, f.now.Add(-time.Hour))

	start := time.Now()
	if _, err := f.scanner.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("rate-limit hint not honored, scan took %v", elapsed)
	}
	if got := f.archiver.calls.Load(); got != 2 {
		t.Errorf("archiver calls = %d, want 2", got)
	}
}
