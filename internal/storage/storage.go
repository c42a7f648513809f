// Package storage defines the interface to the packtrack datastore.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// depend on this interface rather than the concrete type so that mocks and
// instrumented decorators can be substituted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rerollkit/packtrack/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint other than a message-id
// idempotency key is violated.
var ErrDuplicate = errors.New("duplicate")

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("storage closed")

// ErrInvalidTransition is returned for disallowed god-pack state changes.
var ErrInvalidTransition = errors.New("invalid state transition")

// PoolStats are counters maintained by the connection pool.
type PoolStats struct {
	Requests         int64 `json:"requests"`
	Successes        int64 `json:"successes"`
	Failures         int64 `json:"failures"`
	Exhaustions      int64 `json:"exhaustions"`
	DeadReplacements int64 `json:"dead_replacements"`
}

// QueryStats are counters maintained by the statement monitor.
type QueryStats struct {
	Total     int64 `json:"total"`
	Failed    int64 `json:"failed"`
	Slow      int64 `json:"slow"`
	Rollbacks int64 `json:"rollbacks"`
}

// WorkerFilter narrows ListWorkers.
type WorkerFilter struct {
	Statuses []types.WorkerStatus
	// HeartbeatSince keeps only workers whose last heartbeat is at or after
	// the given instant.
	HeartbeatSince *time.Time
}

// Writer is the set of mutating operations. It is implemented both by the
// store itself (auto-commit per statement) and by an open transaction, so
// write paths can run inside or outside an ambient transaction unchanged.
type Writer interface {
	// Workers
	CreateWorker(ctx context.Context, w *types.Worker) error
	UpdateWorker(ctx context.Context, w *types.Worker) error
	UpdateWorkerStatus(ctx context.Context, id int64, status types.WorkerStatus) error
	// ObserveHeartbeat advances last_heartbeat_ts (never backwards) and
	// raises total_packs to the observed cumulative maximum.
	ObserveHeartbeat(ctx context.Context, workerID int64, ts time.Time, packsCumulative int64) error
	UpsertSubsystem(ctx context.Context, s *types.Subsystem) error

	// Heartbeats. InsertHeartbeat reports false when the message id was
	// already ingested (idempotent no-op).
	InsertHeartbeat(ctx context.Context, hb *types.Heartbeat) (bool, error)

	// God packs. CreateGodPack reports false when the discovery message id
	// was already ingested.
	CreateGodPack(ctx context.Context, gp *types.GodPack) (bool, error)
	UpdateGodPackState(ctx context.Context, id int64, state types.GPState) error
	UpdateGodPackRatio(ctx context.Context, id int64, ratio int) error
	DeleteGodPack(ctx context.Context, id int64) error

	// Test results
	AddTestResult(ctx context.Context, tr *types.TestResult) error
	DeleteTestResult(ctx context.Context, id int64) error

	// Verification cache
	PutGPStatistics(ctx context.Context, st *types.GPStatistics) error
	InvalidateGPStatistics(ctx context.Context, gpID int64) error

	// Expiration warnings
	RecordExpirationWarning(ctx context.Context, gpID int64, ts time.Time) error

	// Audit log
	AppendSystemEvent(ctx context.Context, ev *types.SystemEvent) error

	// Aggregation caches
	InsertStatsSnapshot(ctx context.Context, snap *types.StatsSnapshot) error
	PutCachedRun(ctx context.Context, run *types.Run) error
}

// Reader is the set of read operations.
type Reader interface {
	GetWorker(ctx context.Context, id int64) (*types.Worker, error)
	GetWorkerByName(ctx context.Context, name string) (*types.Worker, error)
	ListWorkers(ctx context.Context, filter WorkerFilter) ([]*types.Worker, error)
	ListSubsystems(ctx context.Context, workerID int64) ([]*types.Subsystem, error)

	LatestHeartbeat(ctx context.Context, workerID int64) (*types.Heartbeat, error)
	ListHeartbeats(ctx context.Context, workerID int64, since, until time.Time) ([]*types.Heartbeat, error)

	GetGodPack(ctx context.Context, id int64) (*types.GodPack, error)
	GetGodPackByMessage(ctx context.Context, discoveryMessageID int64) (*types.GodPack, error)
	ListGodPacksByState(ctx context.Context, states ...types.GPState) ([]*types.GodPack, error)
	// ListExpiringGodPacks returns TESTING/ALIVE packs with expires_at in
	// [from, until), ordered by expires_at.
	ListExpiringGodPacks(ctx context.Context, from, until time.Time) ([]*types.GodPack, error)

	ListTestResults(ctx context.Context, gpID int64) ([]*types.TestResult, error)
	CountGodPacksByWorker(ctx context.Context, workerID int64) (int, error)

	GetGPStatistics(ctx context.Context, gpID int64) (*types.GPStatistics, error)
	LastExpirationWarning(ctx context.Context, gpID int64) (*time.Time, error)

	ListSystemEvents(ctx context.Context, limit int) ([]*types.SystemEvent, error)
	TableCounts(ctx context.Context) (map[string]int64, error)

	// Stats snapshots and the run cache back the aggregation queries.
	ListStatsSnapshots(ctx context.Context, since time.Time) ([]*types.StatsSnapshot, error)
	ListCachedRuns(ctx context.Context, workerID int64, since time.Time) ([]*types.Run, error)
}

// Tx is the scoped transaction handle: Writer plus the reads a write path
// commonly needs while holding the transaction.
type Tx interface {
	Writer
	GetWorker(ctx context.Context, id int64) (*types.Worker, error)
	GetGodPack(ctx context.Context, id int64) (*types.GodPack, error)
	ListTestResults(ctx context.Context, gpID int64) ([]*types.TestResult, error)
}

// Storage is the full datastore interface.
type Storage interface {
	Reader
	Writer

	// RunInTransaction executes fn inside a single transaction: commit on
	// normal return, rollback on error or panic. The context passed to fn
	// carries the open transaction; nested calls made with that context
	// reuse the ambient transaction instead of starting a new one.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Maintenance
	Vacuum(ctx context.Context) error
	Analyze(ctx context.Context) error
	Optimize(ctx context.Context) error
	// PurgeHeartbeatsBefore removes heartbeats older than cutoff, returning
	// the number of rows deleted.
	PurgeHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Checkpoint flushes the write-ahead log so the datastore file is a
	// complete snapshot (used by the backup manager).
	Checkpoint(ctx context.Context) error

	// Stats
	PoolStats() PoolStats
	QueryStats() QueryStats
	SchemaVersion(ctx context.Context) (int, error)

	// Lifecycle
	Path() string
	Close() error
}
