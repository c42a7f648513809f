package types

import (
	"testing"
	"time"
)

func TestComputeExpiresAt(t *testing.T) {
	tests := []struct {
		name      string
		discovery string
		want      string
	}{
		// Discovery after today's reset: next reset + 3d (= today's reset + 4d).
		{"after reset", "2025-01-01T10:00:00Z", "2025-01-05T06:00:00Z"},
		// Discovery before today's reset: today's reset + 3d.
		{"before reset", "2025-01-01T03:00:00Z", "2025-01-04T06:00:00Z"},
		// Exactly at the reset counts as after it.
		{"at reset", "2025-01-01T06:00:00Z", "2025-01-05T06:00:00Z"},
		{"just before midnight", "2025-01-01T23:59:59Z", "2025-01-05T06:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			discovery, err := time.Parse(time.RFC3339, tt.discovery)
			if err != nil {
				t.Fatalf("parse discovery: %v", err)
			}
			got := ComputeExpiresAt(discovery, 6, time.UTC)
			want, _ := time.Parse(time.RFC3339, tt.want)
			if !got.Equal(want) {
				t.Errorf("ComputeExpiresAt(%s) = %s, want %s", tt.discovery, got, want)
			}
		})
	}
}

func TestHeartbeatValidate(t *testing.T) {
	valid := Heartbeat{
		MessageID:       100,
		WorkerID:        42,
		Timestamp:       time.Now(),
		InstancesOnline: 3,
		PacksCumulative: 4250,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid heartbeat rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Heartbeat)
	}{
		{"missing message id", func(h *Heartbeat) { h.MessageID = 0 }},
		{"missing worker", func(h *Heartbeat) { h.WorkerID = 0 }},
		{"negative online", func(h *Heartbeat) { h.InstancesOnline = -1 }},
		{"negative offline", func(h *Heartbeat) { h.InstancesOffline = -2 }},
		{"negative packs", func(h *Heartbeat) { h.PacksCumulative = -1 }},
		{"zero timestamp", func(h *Heartbeat) { h.Timestamp = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := valid
			tt.mutate(&hb)
			if err := hb.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestTestResultValidate(t *testing.T) {
	slots, friends := 4, 6
	tests := []struct {
		name    string
		tr      TestResult
		wantErr bool
	}{
		{"valid miss", TestResult{GPID: 1, WorkerID: 2, Kind: TestMiss}, false},
		{"valid noshow", TestResult{GPID: 1, WorkerID: 2, Kind: TestNoShow, OpenSlots: &slots, FriendCount: &friends}, false},
		{"miss with slots", TestResult{GPID: 1, WorkerID: 2, Kind: TestMiss, OpenSlots: &slots}, true},
		{"noshow missing friends", TestResult{GPID: 1, WorkerID: 2, Kind: TestNoShow, OpenSlots: &slots}, true},
		{"unknown kind", TestResult{GPID: 1, WorkerID: 2, Kind: "MAYBE"}, true},
		{"missing gp", TestResult{WorkerID: 2, Kind: TestMiss}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNoShowFriendCountFloored(t *testing.T) {
	slots, friends := 2, 3
	tr := TestResult{GPID: 1, WorkerID: 2, Kind: TestNoShow, OpenSlots: &slots, FriendCount: &friends}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if *tr.FriendCount != MinFriendCount {
		t.Errorf("friend_count = %d, want floored to %d", *tr.FriendCount, MinFriendCount)
	}

	at := MinFriendCount
	tr = TestResult{GPID: 1, WorkerID: 2, Kind: TestNoShow, OpenSlots: &slots, FriendCount: &at}
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if *tr.FriendCount != MinFriendCount {
		t.Errorf("friend_count at the floor rewritten to %d", *tr.FriendCount)
	}
}

func TestGodPackValidate(t *testing.T) {
	gp := GodPack{DiscoveryMessageID: 900, PackSlotCount: 3, Ratio: 2, State: GPTesting}
	if err := gp.Validate(); err != nil {
		t.Fatalf("valid god pack rejected: %v", err)
	}
	gp.PackSlotCount = 6
	if err := gp.Validate(); err == nil {
		t.Error("slot count 6 should be rejected")
	}
	gp.PackSlotCount = 3
	gp.Ratio = 7
	if err := gp.Validate(); err == nil {
		t.Error("ratio 7 should be rejected")
	}
}

func TestStatusPriorityOrdering(t *testing.T) {
	if StatusActive.Priority() >= StatusFarm.Priority() {
		t.Error("active should sort before farm")
	}
	if StatusFarm.Priority() >= StatusLeech.Priority() {
		t.Error("farm should sort before leech")
	}
	if StatusLeech.Priority() >= StatusInactive.Priority() {
		t.Error("leech should sort before inactive")
	}
}

func TestGPStateTerminal(t *testing.T) {
	for state, terminal := range map[GPState]bool{
		GPTesting: false, GPAlive: false, GPInvalid: false,
		GPDead: true, GPExpired: true,
	} {
		if state.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v, want %v", state, state.Terminal(), terminal)
		}
	}
}
