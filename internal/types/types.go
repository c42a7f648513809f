// Package types defines core data structures for the packtrack fleet tracker.
package types

import (
	"fmt"
	"time"
)

// WorkerStatus is the administrative state of a reroll worker.
type WorkerStatus string

const (
	StatusActive   WorkerStatus = "active"
	StatusInactive WorkerStatus = "inactive"
	StatusFarm     WorkerStatus = "farm"
	StatusLeech    WorkerStatus = "leech"
	StatusBanned   WorkerStatus = "banned"
	StatusPremium  WorkerStatus = "premium"
)

// statusPriority orders statuses for sorted views: active first, inactive last.
// "waiting" is a derived presentation state and sorts between leech and inactive.
var statusPriority = map[WorkerStatus]int{
	StatusActive:   0,
	StatusFarm:     1,
	StatusLeech:    2,
	StatusPremium:  2,
	StatusInactive: 4,
	StatusBanned:   5,
}

// Priority returns the sort rank of a status (lower sorts first).
func (s WorkerStatus) Priority() int {
	if p, ok := statusPriority[s]; ok {
		return p
	}
	return 4
}

// Valid reports whether s is one of the enumerated statuses.
func (s WorkerStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusFarm, StatusLeech, StatusBanned, StatusPremium:
		return true
	}
	return false
}

// Worker is a client reroller. Workers are created on first heartbeat or
// explicit registration and are never destroyed, only marked inactive.
type Worker struct {
	ID               int64        `json:"id"`
	Name             string       `json:"name,omitempty"`
	PlayerID         *string      `json:"player_id,omitempty"`
	Status           WorkerStatus `json:"status"`
	TotalPacks       int64        `json:"total_packs"`
	TotalGPs         int          `json:"total_gps"`
	AverageInstances float64      `json:"average_instances"`
	LastHeartbeat    *time.Time   `json:"last_heartbeat,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Validate checks the worker's enumerated fields.
func (w *Worker) Validate() error {
	if w.ID == 0 {
		return fmt.Errorf("worker id is required")
	}
	if w.Status != "" && !w.Status.Valid() {
		return fmt.Errorf("invalid worker status %q", w.Status)
	}
	return nil
}

// Subsystem is a nested sub-worker under a parent worker. Subsystems report
// their own heartbeats; a live subsystem's instances count toward the parent's
// real-instance aggregate.
type Subsystem struct {
	ID            int64      `json:"id"`
	WorkerID      int64      `json:"worker_id"`
	Name          string     `json:"name"`
	Instances     int        `json:"instances"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Heartbeat is an immutable telemetry record from one worker.
// MessageID is the external message id and doubles as the idempotency key.
type Heartbeat struct {
	ID               int64     `json:"id"`
	MessageID        int64     `json:"message_id"`
	WorkerID         int64     `json:"worker_id"`
	Timestamp        time.Time `json:"ts"`
	InstancesOnline  int       `json:"instances_online"`
	InstancesOffline int       `json:"instances_offline"`
	TimeRunningMin   int       `json:"time_running_minutes"`
	PacksCumulative  int64     `json:"packs_cumulative"`
	MainActive       bool      `json:"main_active"`
	SelectedPacks    []string  `json:"selected_packs,omitempty"`
}

// Validate enforces the heartbeat invariants.
func (h *Heartbeat) Validate() error {
	if h.MessageID == 0 {
		return fmt.Errorf("heartbeat message id is required")
	}
	if h.WorkerID == 0 {
		return fmt.Errorf("heartbeat worker id is required")
	}
	if h.InstancesOnline < 0 || h.InstancesOffline < 0 {
		return fmt.Errorf("instance counts must be non-negative")
	}
	if h.PacksCumulative < 0 {
		return fmt.Errorf("packs_cumulative must be non-negative")
	}
	if h.Timestamp.IsZero() {
		return fmt.Errorf("heartbeat timestamp is required")
	}
	return nil
}

// Run is a derived record covering a contiguous span of heartbeats from one
// worker without a gap exceeding the configured gap threshold.
type Run struct {
	WorkerID       int64     `json:"worker_id"`
	StartTS        time.Time `json:"start_ts"`
	EndTS          time.Time `json:"end_ts"`
	StartPacks     int64     `json:"start_packs"`
	EndPacks       int64     `json:"end_packs"`
	AvgInstances   float64   `json:"avg_instances"`
	PeakInstances  int       `json:"peak_instances"`
	PacksPerMinute float64   `json:"packs_per_minute"`
	MainOnFraction float64   `json:"main_on_fraction"`
}

// DurationMinutes is the run length in minutes.
func (r *Run) DurationMinutes() float64 {
	return r.EndTS.Sub(r.StartTS).Minutes()
}

// SessionPacks is the pack delta accumulated over the run.
func (r *Run) SessionPacks() int64 {
	return r.EndPacks - r.StartPacks
}

// GPState is the lifecycle state of a god-pack candidate.
type GPState string

const (
	GPTesting GPState = "TESTING"
	GPAlive   GPState = "ALIVE"
	GPDead    GPState = "DEAD"
	GPInvalid GPState = "INVALID"
	GPExpired GPState = "EXPIRED"
)

// Valid reports whether s is one of the enumerated GP states.
func (s GPState) Valid() bool {
	switch s {
	case GPTesting, GPAlive, GPDead, GPInvalid, GPExpired:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s GPState) Terminal() bool {
	return s == GPDead || s == GPExpired
}

// RatioUnknown marks a god pack whose pack ratio could not be parsed.
const RatioUnknown = -1

// GodPack is a candidate pack requiring distributed verification.
type GodPack struct {
	ID                 int64     `json:"id"`
	DiscoveryMessageID int64     `json:"discovery_message_id"`
	DiscoveryTS        time.Time `json:"discovery_ts"`
	PackSlotCount      int       `json:"pack_slot_count"`
	AccountName        string    `json:"account_name"`
	FriendCode         string    `json:"friend_code"`
	ScreenshotURL      string    `json:"screenshot_url,omitempty"`
	State              GPState   `json:"state"`
	Ratio              int       `json:"ratio"`
	ExpiresAt          time.Time `json:"expires_at"`
	DiscoveredBy       *int64    `json:"discovered_by,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Validate enforces the god-pack invariants.
func (g *GodPack) Validate() error {
	if g.DiscoveryMessageID == 0 {
		return fmt.Errorf("god pack discovery message id is required")
	}
	if g.PackSlotCount < 1 || g.PackSlotCount > 5 {
		return fmt.Errorf("pack_slot_count %d out of range [1,5]", g.PackSlotCount)
	}
	if g.Ratio < RatioUnknown || g.Ratio > 5 {
		return fmt.Errorf("ratio %d out of range [-1,5]", g.Ratio)
	}
	if g.State != "" && !g.State.Valid() {
		return fmt.Errorf("invalid god pack state %q", g.State)
	}
	return nil
}

// ComputeExpiresAt derives the expiry deadline from the discovery timestamp:
// the next daily reset (resetHour o'clock in loc) after discovery, plus three
// days. A discovery before today's reset therefore lands reset+3d, one after
// it lands reset+4d.
func ComputeExpiresAt(discovery time.Time, resetHour int, loc *time.Location) time.Time {
	local := discovery.In(loc)
	reset := time.Date(local.Year(), local.Month(), local.Day(), resetHour, 0, 0, 0, loc)
	if !local.Before(reset) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset.AddDate(0, 0, 3).UTC()
}

// TestKind distinguishes the two verification outcomes.
type TestKind string

const (
	// TestMiss: the tester opened a slot and it did not hold the claimed card.
	TestMiss TestKind = "MISS"
	// TestNoShow: the tester never observed the account in their friends view.
	TestNoShow TestKind = "NOSHOW"
)

// MinFriendCount is the platform floor for a tester's friend pool. NOSHOW
// rows are normalized to it on validation.
const MinFriendCount = 6

// TestResult is one worker's verification attempt against a god pack.
// OpenSlots and FriendCount are set for NOSHOW results only.
type TestResult struct {
	ID          int64     `json:"id"`
	GPID        int64     `json:"gp_id"`
	WorkerID    int64     `json:"worker_id"`
	Timestamp   time.Time `json:"ts"`
	Kind        TestKind  `json:"kind"`
	OpenSlots   *int      `json:"open_slots,omitempty"`
	FriendCount *int      `json:"friend_count,omitempty"`
}

// Validate enforces the MISS/NOSHOW field contract.
func (t *TestResult) Validate() error {
	if t.GPID == 0 || t.WorkerID == 0 {
		return fmt.Errorf("test result requires gp id and worker id")
	}
	switch t.Kind {
	case TestMiss:
		if t.OpenSlots != nil || t.FriendCount != nil {
			return fmt.Errorf("MISS carries no slot or friend data")
		}
	case TestNoShow:
		if t.OpenSlots == nil || t.FriendCount == nil {
			return fmt.Errorf("NOSHOW requires open_slots and friend_count")
		}
		if *t.OpenSlots < 0 {
			return fmt.Errorf("open_slots must be non-negative")
		}
		if *t.FriendCount < MinFriendCount {
			// The platform floors friend pools at 6; stored rows carry the
			// floored value so they match the weight model.
			floor := MinFriendCount
			t.FriendCount = &floor
		}
	default:
		return fmt.Errorf("invalid test kind %q", t.Kind)
	}
	return nil
}

// GPStatistics is the cached verification computation for one god pack.
type GPStatistics struct {
	GPID             int64     `json:"gp_id"`
	ProbabilityAlive float64   `json:"probability_alive"`
	TotalTests       int       `json:"total_tests"`
	MissTests        int       `json:"miss_tests"`
	NoShowTests      int       `json:"noshow_tests"`
	ConfidenceLevel  float64   `json:"confidence_level"`
	LastCalculated   time.Time `json:"last_calculated"`
}

// StatsSnapshot is a periodic server-wide sample persisted by the stats
// task and read by the hourly timeline query.
type StatsSnapshot struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"ts"`
	ActiveWorkers  int       `json:"active_workers"`
	TotalInstances int       `json:"total_instances"`
	PacksPerMinute float64   `json:"packs_per_minute"`
}

// ExpirationWarning is the audit record of an expiry notification.
type ExpirationWarning struct {
	GPID     int64     `json:"gp_id"`
	WarnedAt time.Time `json:"warned_at"`
}
