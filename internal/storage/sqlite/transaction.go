package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

// Verify Tx satisfies storage.Tx at compile time.
var _ storage.Tx = (*Tx)(nil)

// txContextKey carries the open transaction so nested RunInTransaction
// calls reuse it.
type txContextKey struct{}

func txFromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(txContextKey{}).(*Tx)
	return tx
}

// Tx implements storage.Tx on a dedicated connection holding an open
// transaction.
type Tx struct {
	conn   *sql.Conn
	parent *Store
}

func (t *Tx) monitored() runner {
	return &monitoredRunner{r: t.conn, s: t.parent}
}

// RunInTransaction executes fn within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// retrying on SQLITE_BUSY with a short backoff. On normal return the
// transaction commits; on error or panic it rolls back and the error or
// panic propagates. The context handed to fn carries the transaction, so
// nested calls and store methods invoked with it join the ambient
// transaction instead of opening a new one.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if ambient := txFromContext(ctx); ambient != nil {
		return fn(ctx, ambient)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	conn, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := beginImmediate(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even when ctx is
			// cancelled; the rollback counter feeds the stats query.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			s.monMu.Lock()
			s.mon.Rollbacks++
			s.monMu.Unlock()
		}
	}()

	tx := &Tx{conn: conn, parent: s}
	if err := fn(context.WithValue(ctx, txContextKey{}, tx), tx); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediate starts an IMMEDIATE transaction, retrying on SQLITE_BUSY
// with exponential backoff.
func beginImmediate(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "busy") && !strings.Contains(err.Error(), "locked") {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// The Tx methods delegate to the shared CRUD helpers on the transaction's
// connection, timed by the parent's statement monitor.

func (t *Tx) CreateWorker(ctx context.Context, w *types.Worker) error {
	return createWorker(ctx, t.monitored(), w)
}

func (t *Tx) UpdateWorker(ctx context.Context, w *types.Worker) error {
	return updateWorker(ctx, t.monitored(), w)
}

func (t *Tx) UpdateWorkerStatus(ctx context.Context, id int64, status types.WorkerStatus) error {
	return updateWorkerStatus(ctx, t.monitored(), id, status)
}

func (t *Tx) ObserveHeartbeat(ctx context.Context, workerID int64, ts time.Time, packs int64) error {
	return observeHeartbeat(ctx, t.monitored(), workerID, ts, packs)
}

func (t *Tx) UpsertSubsystem(ctx context.Context, sub *types.Subsystem) error {
	return upsertSubsystem(ctx, t.monitored(), sub)
}

func (t *Tx) InsertHeartbeat(ctx context.Context, hb *types.Heartbeat) (bool, error) {
	return insertHeartbeat(ctx, t.monitored(), hb)
}

func (t *Tx) CreateGodPack(ctx context.Context, gp *types.GodPack) (bool, error) {
	return createGodPack(ctx, t.monitored(), gp)
}

func (t *Tx) UpdateGodPackState(ctx context.Context, id int64, state types.GPState) error {
	return updateGodPackState(ctx, t.monitored(), id, state)
}

func (t *Tx) UpdateGodPackRatio(ctx context.Context, id int64, ratio int) error {
	return updateGodPackRatio(ctx, t.monitored(), id, ratio)
}

func (t *Tx) DeleteGodPack(ctx context.Context, id int64) error {
	return deleteGodPack(ctx, t.monitored(), id)
}

func (t *Tx) AddTestResult(ctx context.Context, tr *types.TestResult) error {
	return addTestResult(ctx, t.monitored(), tr)
}

func (t *Tx) DeleteTestResult(ctx context.Context, id int64) error {
	return deleteTestResult(ctx, t.monitored(), id)
}

func (t *Tx) PutGPStatistics(ctx context.Context, st *types.GPStatistics) error {
	return putGPStatistics(ctx, t.monitored(), st)
}

func (t *Tx) InvalidateGPStatistics(ctx context.Context, gpID int64) error {
	return invalidateGPStatistics(ctx, t.monitored(), gpID)
}

func (t *Tx) RecordExpirationWarning(ctx context.Context, gpID int64, ts time.Time) error {
	return recordExpirationWarning(ctx, t.monitored(), gpID, ts)
}

func (t *Tx) AppendSystemEvent(ctx context.Context, ev *types.SystemEvent) error {
	return appendSystemEvent(ctx, t.monitored(), ev)
}

func (t *Tx) InsertStatsSnapshot(ctx context.Context, snap *types.StatsSnapshot) error {
	return insertStatsSnapshot(ctx, t.monitored(), snap)
}

func (t *Tx) PutCachedRun(ctx context.Context, run *types.Run) error {
	return putCachedRun(ctx, t.monitored(), run)
}

func (t *Tx) GetWorker(ctx context.Context, id int64) (*types.Worker, error) {
	return getWorker(ctx, t.monitored(), id)
}

func (t *Tx) GetGodPack(ctx context.Context, id int64) (*types.GodPack, error) {
	return getGodPack(ctx, t.monitored(), id)
}

func (t *Tx) ListTestResults(ctx context.Context, gpID int64) ([]*types.TestResult, error) {
	return listTestResults(ctx, t.monitored(), gpID)
}
