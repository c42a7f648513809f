package ingest

import (
	"testing"

	"github.com/rerollkit/packtrack/internal/types"
)

const sampleHeartbeat = "42\nOnline: 1,2,main\nOffline: 3\nTime: 17m Packs: 4250"

func TestIsHeartbeat(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"canonical", sampleHeartbeat, true},
		{"with select line", sampleHeartbeat + "\nSelect: mewtwo,pikachu", true},
		{"too few lines", "42\nOnline: 1\nOffline: 2", false},
		{"tokens out of order", "42\nOffline: 3\nOnline: 1\nTime: 17m Packs: 1", false},
		{"missing packs", "42\nOnline: 1\nOffline: 3\nTime: 17m", false},
		{"free text", "god pack found\nAce (123456789)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHeartbeat(tt.body); got != tt.want {
				t.Errorf("IsHeartbeat = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseHeartbeat(t *testing.T) {
	ref, hb, err := ParseHeartbeat(sampleHeartbeat)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ref.Resolved() || ref.ID != 42 {
		t.Errorf("worker ref = %+v, want id 42", ref)
	}
	if hb.InstancesOnline != 3 {
		t.Errorf("instances_online = %d, want 3", hb.InstancesOnline)
	}
	if hb.InstancesOffline != 1 {
		t.Errorf("instances_offline = %d, want 1", hb.InstancesOffline)
	}
	if !hb.MainActive {
		t.Error("main_active = false")
	}
	if hb.TimeRunningMin != 17 {
		t.Errorf("time = %d, want 17", hb.TimeRunningMin)
	}
	if hb.PacksCumulative != 4250 {
		t.Errorf("packs = %d, want 4250", hb.PacksCumulative)
	}
}

func TestParseHeartbeatSelectLine(t *testing.T) {
	_, hb, err := ParseHeartbeat(sampleHeartbeat + "\nSelect: mewtwo, pikachu")
	if err != nil {
		t.Fatal(err)
	}
	if len(hb.SelectedPacks) != 2 || hb.SelectedPacks[1] != "pikachu" {
		t.Errorf("selected packs = %v", hb.SelectedPacks)
	}
}

func TestParseWorkerRef(t *testing.T) {
	tests := []struct {
		line     string
		wantID   int64
		wantName string
	}{
		{"42", 42, ""},
		{"<@42>", 42, ""},
		{"<@!42>", 42, ""},
		{"ace", 0, "ace"},
		{"  ace  ", 0, "ace"},
		{"-5", 0, "-5"},
	}
	for _, tt := range tests {
		ref := ParseWorkerRef(tt.line)
		if ref.ID != tt.wantID || ref.Name != tt.wantName {
			t.Errorf("ParseWorkerRef(%q) = %+v, want id=%d name=%q", tt.line, ref, tt.wantID, tt.wantName)
		}
	}
}

func TestIsGPDiscovery(t *testing.T) {
	body := "God pack found\nAce (123456789) [3P] [2/5]"
	if !IsGPDiscovery(&Message{Body: body, Images: 1}) {
		t.Error("keyword + image not recognized")
	}
	if IsGPDiscovery(&Message{Body: body, Images: 0}) {
		t.Error("recognized without image attachment")
	}
	if IsGPDiscovery(&Message{Body: "nothing to see", Images: 1}) {
		t.Error("recognized without keyword")
	}
	for _, kw := range []string{"GODPACK FOUND", "gp found", "Rare pack found", "special pack found"} {
		if !IsGPDiscovery(&Message{Body: kw, Images: 1}) {
			t.Errorf("keyword %q not recognized", kw)
		}
	}
}

func TestParseGPDiscovery(t *testing.T) {
	gp := ParseGPDiscovery("God pack found\nAce (123456789) [3P] [2/5]")
	if gp.AccountName != "Ace" {
		t.Errorf("account_name = %q, want Ace", gp.AccountName)
	}
	if gp.FriendCode != "123456789" {
		t.Errorf("friend_code = %q", gp.FriendCode)
	}
	if gp.PackSlotCount != 3 {
		t.Errorf("pack_slot_count = %d, want 3", gp.PackSlotCount)
	}
	if gp.Ratio != 2 {
		t.Errorf("ratio = %d, want 2", gp.Ratio)
	}
}

func TestParseGPDiscoveryVariants(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantSlots int
		wantRatio int
	}{
		{"n packs and bare ratio", "gp found\nBee 987654321\n2 packs 4/5", 2, 4},
		{"pack colon", "gp found\nCee (111222333)\nPack: 4 ratio: 3", 4, 3},
		{"slot clamp high", "gp found\nDee (111222333) [9P]", 5, types.RatioUnknown},
		{"ratio clamp high", "gp found\nEee (111222333) [2P] ratio: 9", 2, 5},
		{"defaults", "gp found\nFff (111222333)", 1, types.RatioUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gp := ParseGPDiscovery(tt.body)
			if gp.PackSlotCount != tt.wantSlots {
				t.Errorf("slots = %d, want %d", gp.PackSlotCount, tt.wantSlots)
			}
			if gp.Ratio != tt.wantRatio {
				t.Errorf("ratio = %d, want %d", gp.Ratio, tt.wantRatio)
			}
		})
	}
}

func TestParseGPDiscoveryTrailingFriendCode(t *testing.T) {
	gp := ParseGPDiscovery("godpack found\nBee 987654321")
	if gp.FriendCode != "987654321" {
		t.Errorf("friend_code = %q", gp.FriendCode)
	}
	if gp.AccountName != "Bee" {
		t.Errorf("account_name = %q, want Bee", gp.AccountName)
	}
}
