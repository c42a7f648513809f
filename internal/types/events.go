package types

import (
	"encoding/json"
	"time"
)

// EventType identifies a mutating core operation for the audit log and the
// emission bus. Most SystemEvent rows also fan out on the bus; migration
// and bus-drop records are audit-only.
type EventType string

const (
	EventUserAdded          EventType = "USER_ADDED"
	EventUserStatusChanged  EventType = "USER_STATUS_CHANGED"
	EventUserDeleted        EventType = "USER_DELETED"
	EventGodPackAdded       EventType = "GODPACK_ADDED"
	EventGodPackStateChange EventType = "GODPACK_STATE_CHANGED"
	EventGodPackRatioChange EventType = "GODPACK_RATIO_CHANGED"
	EventGodPackDeleted     EventType = "GODPACK_DELETED"
	EventTestResultAdded    EventType = "TEST_RESULT_ADDED"
	EventExpirationWarning  EventType = "EXPIRATION_WARNING_SENT"
	EventDatabaseVacuum     EventType = "DATABASE_VACUUM"
	EventDatabaseAnalyze    EventType = "DATABASE_ANALYZE"
	EventDatabaseOptimize   EventType = "DATABASE_OPTIMIZE"
	EventDatabaseRestored   EventType = "DATABASE_RESTORED"
	EventDataCleanup        EventType = "DATA_CLEANUP"
	EventDataExport         EventType = "DATA_EXPORT"
	EventDataImport         EventType = "DATA_IMPORT"
	EventDatabaseShutdown   EventType = "DATABASE_SHUTDOWN"
	EventBackupCreated      EventType = "BACKUP_CREATED"
	EventSchemaMigration    EventType = "SCHEMA_MIGRATION"
	EventBusDropped         EventType = "BUS_EVENT_DROPPED"
)

// Severity classifies a system event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// SystemEvent is the audit record persisted for every mutating operation.
type SystemEvent struct {
	ID        int64           `json:"id"`
	Type      EventType       `json:"event_type"`
	Severity  Severity        `json:"severity"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	WorkerID  *int64          `json:"worker_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewSystemEvent builds an event with the payload marshalled to JSON.
// Marshal failures degrade to a null payload rather than failing the write.
func NewSystemEvent(typ EventType, sev Severity, payload any) *SystemEvent {
	ev := &SystemEvent{Type: typ, Severity: sev, Timestamp: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// WithWorker attaches the acting worker to the event.
func (e *SystemEvent) WithWorker(id int64) *SystemEvent {
	e.WorkerID = &id
	return e
}

// BusEvent is the typed notification delivered to emission-bus subscribers.
type BusEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}
