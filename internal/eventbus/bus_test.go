package eventbus

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rerollkit/packtrack/internal/types"
)

func event(t types.EventType) types.BusEvent {
	return types.BusEvent{Type: t, Timestamp: time.Now().UTC()}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(event(types.EventUserAdded))

	for i, sub := range []*Subscription{s1, s2} {
		select {
		case ev := <-sub.C:
			if ev.Type != types.EventUserAdded {
				t.Errorf("subscriber %d got %s", i, ev.Type)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestSubscribeFilters(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	sub := b.Subscribe(types.EventGodPackAdded, types.EventGodPackStateChange)

	b.Publish(event(types.EventUserAdded))
	b.Publish(event(types.EventGodPackAdded))

	select {
	case ev := <-sub.C:
		if ev.Type != types.EventGodPackAdded {
			t.Errorf("got %s, want GODPACK_ADDED", ev.Type)
		}
	default:
		t.Fatal("filtered subscriber received nothing")
	}
	select {
	case ev := <-sub.C:
		t.Errorf("unexpected second event %s", ev.Type)
	default:
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := New(2, nil)
	defer b.Close()

	sub := b.Subscribe()

	b.Publish(event(types.EventUserAdded))
	b.Publish(event(types.EventGodPackAdded))
	// Buffer full; this one must evict the oldest rather than block.
	done := make(chan struct{})
	go func() {
		b.Publish(event(types.EventTestResultAdded))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}

	got := []types.EventType{(<-sub.C).Type, (<-sub.C).Type}
	want := []types.EventType{types.EventGodPackAdded, types.EventTestResultAdded}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped counter = %d, want 1", b.Dropped())
	}
}

func TestDropHookSeesEviction(t *testing.T) {
	b := New(1, nil)
	defer b.Close()

	type drop struct {
		dropped, incoming types.EventType
	}
	var drops []drop
	b.SetOnDrop(func(_ uuid.UUID, dropped, incoming types.BusEvent) {
		drops = append(drops, drop{dropped.Type, incoming.Type})
	})

	sub := b.Subscribe()
	b.Publish(event(types.EventUserAdded))
	b.Publish(event(types.EventGodPackAdded))

	if len(drops) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(drops))
	}
	if drops[0].dropped != types.EventUserAdded || drops[0].incoming != types.EventGodPackAdded {
		t.Errorf("hook saw %+v", drops[0])
	}
	if ev := <-sub.C; ev.Type != types.EventGodPackAdded {
		t.Errorf("survivor = %s", ev.Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	sub := b.Subscribe()
	b.Unsubscribe(sub.ID)

	if _, open := <-sub.C; open {
		t.Error("channel still open after unsubscribe")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscriber count = %d", n)
	}
	// Idempotent.
	b.Unsubscribe(sub.ID)
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New(4, nil)
	sub := b.Subscribe()
	b.Close()

	b.Publish(event(types.EventUserAdded))
	if _, open := <-sub.C; open {
		t.Error("received event after close")
	}

	// Subscribing after close yields a closed channel, not a panic.
	late := b.Subscribe()
	if _, open := <-late.C; open {
		t.Error("late subscription channel open")
	}
}
