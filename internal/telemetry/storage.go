package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
)

const storageScopeName = "github.com/rerollkit/packtrack/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in pt.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	ops      metric.Int64Counter
	dur      metric.Float64Histogram
	errs     metric.Int64Counter
	rowGauge metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("pt.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("pt.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("pt.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	rowGauge, _ := m.Int64Gauge("pt.table.rows",
		metric.WithDescription("Current entity row counts by table (snapshot from TableCounts)"),
	)
	return &InstrumentedStorage{
		inner:    s,
		tracer:   Tracer(storageScopeName),
		ops:      ops,
		dur:      dur,
		errs:     errs,
		rowGauge: rowGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func workerAttr(id int64) attribute.KeyValue { return attribute.Int64("pt.worker.id", id) }
func gpAttr(id int64) attribute.KeyValue     { return attribute.Int64("pt.gp.id", id) }

// ── Workers ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateWorker(ctx context.Context, w *types.Worker) error {
	attrs := []attribute.KeyValue{workerAttr(w.ID)}
	ctx, span, t := s.op(ctx, "CreateWorker", attrs...)
	err := s.inner.CreateWorker(ctx, w)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) UpdateWorker(ctx context.Context, w *types.Worker) error {
	attrs := []attribute.KeyValue{workerAttr(w.ID)}
	ctx, span, t := s.op(ctx, "UpdateWorker", attrs...)
	err := s.inner.UpdateWorker(ctx, w)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) UpdateWorkerStatus(ctx context.Context, id int64, status types.WorkerStatus) error {
	attrs := []attribute.KeyValue{workerAttr(id), attribute.String("pt.status", string(status))}
	ctx, span, t := s.op(ctx, "UpdateWorkerStatus", attrs...)
	err := s.inner.UpdateWorkerStatus(ctx, id, status)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ObserveHeartbeat(ctx context.Context, workerID int64, ts time.Time, packsCumulative int64) error {
	attrs := []attribute.KeyValue{workerAttr(workerID)}
	ctx, span, t := s.op(ctx, "ObserveHeartbeat", attrs...)
	err := s.inner.ObserveHeartbeat(ctx, workerID, ts, packsCumulative)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) UpsertSubsystem(ctx context.Context, sub *types.Subsystem) error {
	attrs := []attribute.KeyValue{workerAttr(sub.WorkerID)}
	ctx, span, t := s.op(ctx, "UpsertSubsystem", attrs...)
	err := s.inner.UpsertSubsystem(ctx, sub)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetWorker(ctx context.Context, id int64) (*types.Worker, error) {
	attrs := []attribute.KeyValue{workerAttr(id)}
	ctx, span, t := s.op(ctx, "GetWorker", attrs...)
	v, err := s.inner.GetWorker(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetWorkerByName(ctx context.Context, name string) (*types.Worker, error) {
	ctx, span, t := s.op(ctx, "GetWorkerByName")
	v, err := s.inner.GetWorkerByName(ctx, name)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListWorkers(ctx context.Context, filter storage.WorkerFilter) ([]*types.Worker, error) {
	ctx, span, t := s.op(ctx, "ListWorkers")
	v, err := s.inner.ListWorkers(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("pt.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListSubsystems(ctx context.Context, workerID int64) ([]*types.Subsystem, error) {
	attrs := []attribute.KeyValue{workerAttr(workerID)}
	ctx, span, t := s.op(ctx, "ListSubsystems", attrs...)
	v, err := s.inner.ListSubsystems(ctx, workerID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Heartbeats ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) InsertHeartbeat(ctx context.Context, hb *types.Heartbeat) (bool, error) {
	attrs := []attribute.KeyValue{workerAttr(hb.WorkerID)}
	ctx, span, t := s.op(ctx, "InsertHeartbeat", attrs...)
	inserted, err := s.inner.InsertHeartbeat(ctx, hb)
	span.SetAttributes(attribute.Bool("pt.inserted", inserted))
	s.done(ctx, span, t, err, attrs...)
	return inserted, err
}

func (s *InstrumentedStorage) LatestHeartbeat(ctx context.Context, workerID int64) (*types.Heartbeat, error) {
	attrs := []attribute.KeyValue{workerAttr(workerID)}
	ctx, span, t := s.op(ctx, "LatestHeartbeat", attrs...)
	v, err := s.inner.LatestHeartbeat(ctx, workerID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListHeartbeats(ctx context.Context, workerID int64, since, until time.Time) ([]*types.Heartbeat, error) {
	attrs := []attribute.KeyValue{workerAttr(workerID)}
	ctx, span, t := s.op(ctx, "ListHeartbeats", attrs...)
	v, err := s.inner.ListHeartbeats(ctx, workerID, since, until)
	if err == nil {
		span.SetAttributes(attribute.Int("pt.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── God packs ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateGodPack(ctx context.Context, gp *types.GodPack) (bool, error) {
	ctx, span, t := s.op(ctx, "CreateGodPack")
	created, err := s.inner.CreateGodPack(ctx, gp)
	span.SetAttributes(attribute.Bool("pt.created", created))
	s.done(ctx, span, t, err)
	return created, err
}

func (s *InstrumentedStorage) UpdateGodPackState(ctx context.Context, id int64, state types.GPState) error {
	attrs := []attribute.KeyValue{gpAttr(id), attribute.String("pt.gp.state", string(state))}
	ctx, span, t := s.op(ctx, "UpdateGodPackState", attrs...)
	err := s.inner.UpdateGodPackState(ctx, id, state)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) UpdateGodPackRatio(ctx context.Context, id int64, ratio int) error {
	attrs := []attribute.KeyValue{gpAttr(id)}
	ctx, span, t := s.op(ctx, "UpdateGodPackRatio", attrs...)
	err := s.inner.UpdateGodPackRatio(ctx, id, ratio)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) DeleteGodPack(ctx context.Context, id int64) error {
	attrs := []attribute.KeyValue{gpAttr(id)}
	ctx, span, t := s.op(ctx, "DeleteGodPack", attrs...)
	err := s.inner.DeleteGodPack(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetGodPack(ctx context.Context, id int64) (*types.GodPack, error) {
	attrs := []attribute.KeyValue{gpAttr(id)}
	ctx, span, t := s.op(ctx, "GetGodPack", attrs...)
	v, err := s.inner.GetGodPack(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetGodPackByMessage(ctx context.Context, discoveryMessageID int64) (*types.GodPack, error) {
	ctx, span, t := s.op(ctx, "GetGodPackByMessage")
	v, err := s.inner.GetGodPackByMessage(ctx, discoveryMessageID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListGodPacksByState(ctx context.Context, states ...types.GPState) ([]*types.GodPack, error) {
	ctx, span, t := s.op(ctx, "ListGodPacksByState")
	v, err := s.inner.ListGodPacksByState(ctx, states...)
	if err == nil {
		span.SetAttributes(attribute.Int("pt.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListExpiringGodPacks(ctx context.Context, from, until time.Time) ([]*types.GodPack, error) {
	ctx, span, t := s.op(ctx, "ListExpiringGodPacks")
	v, err := s.inner.ListExpiringGodPacks(ctx, from, until)
	if err == nil {
		span.SetAttributes(attribute.Int("pt.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Test results ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) AddTestResult(ctx context.Context, tr *types.TestResult) error {
	attrs := []attribute.KeyValue{
		gpAttr(tr.GPID),
		workerAttr(tr.WorkerID),
		attribute.String("pt.test.kind", string(tr.Kind)),
	}
	ctx, span, t := s.op(ctx, "AddTestResult", attrs...)
	err := s.inner.AddTestResult(ctx, tr)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) DeleteTestResult(ctx context.Context, id int64) error {
	ctx, span, t := s.op(ctx, "DeleteTestResult")
	err := s.inner.DeleteTestResult(ctx, id)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) ListTestResults(ctx context.Context, gpID int64) ([]*types.TestResult, error) {
	attrs := []attribute.KeyValue{gpAttr(gpID)}
	ctx, span, t := s.op(ctx, "ListTestResults", attrs...)
	v, err := s.inner.ListTestResults(ctx, gpID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) CountGodPacksByWorker(ctx context.Context, workerID int64) (int, error) {
	attrs := []attribute.KeyValue{workerAttr(workerID)}
	ctx, span, t := s.op(ctx, "CountGodPacksByWorker", attrs...)
	v, err := s.inner.CountGodPacksByWorker(ctx, workerID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Verification cache ──────────────────────────────────────────────────────

func (s *InstrumentedStorage) PutGPStatistics(ctx context.Context, st *types.GPStatistics) error {
	attrs := []attribute.KeyValue{gpAttr(st.GPID)}
	ctx, span, t := s.op(ctx, "PutGPStatistics", attrs...)
	err := s.inner.PutGPStatistics(ctx, st)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) InvalidateGPStatistics(ctx context.Context, gpID int64) error {
	attrs := []attribute.KeyValue{gpAttr(gpID)}
	ctx, span, t := s.op(ctx, "InvalidateGPStatistics", attrs...)
	err := s.inner.InvalidateGPStatistics(ctx, gpID)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetGPStatistics(ctx context.Context, gpID int64) (*types.GPStatistics, error) {
	attrs := []attribute.KeyValue{gpAttr(gpID)}
	ctx, span, t := s.op(ctx, "GetGPStatistics", attrs...)
	v, err := s.inner.GetGPStatistics(ctx, gpID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Expiration warnings ─────────────────────────────────────────────────────

func (s *InstrumentedStorage) RecordExpirationWarning(ctx context.Context, gpID int64, ts time.Time) error {
	attrs := []attribute.KeyValue{gpAttr(gpID)}
	ctx, span, t := s.op(ctx, "RecordExpirationWarning", attrs...)
	err := s.inner.RecordExpirationWarning(ctx, gpID, ts)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) LastExpirationWarning(ctx context.Context, gpID int64) (*time.Time, error) {
	attrs := []attribute.KeyValue{gpAttr(gpID)}
	ctx, span, t := s.op(ctx, "LastExpirationWarning", attrs...)
	v, err := s.inner.LastExpirationWarning(ctx, gpID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Audit log ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) AppendSystemEvent(ctx context.Context, ev *types.SystemEvent) error {
	attrs := []attribute.KeyValue{attribute.String("pt.event.type", string(ev.Type))}
	ctx, span, t := s.op(ctx, "AppendSystemEvent", attrs...)
	err := s.inner.AppendSystemEvent(ctx, ev)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListSystemEvents(ctx context.Context, limit int) ([]*types.SystemEvent, error) {
	ctx, span, t := s.op(ctx, "ListSystemEvents")
	v, err := s.inner.ListSystemEvents(ctx, limit)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Aggregation caches ──────────────────────────────────────────────────────

func (s *InstrumentedStorage) InsertStatsSnapshot(ctx context.Context, snap *types.StatsSnapshot) error {
	ctx, span, t := s.op(ctx, "InsertStatsSnapshot")
	err := s.inner.InsertStatsSnapshot(ctx, snap)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) PutCachedRun(ctx context.Context, run *types.Run) error {
	attrs := []attribute.KeyValue{workerAttr(run.WorkerID)}
	ctx, span, t := s.op(ctx, "PutCachedRun", attrs...)
	err := s.inner.PutCachedRun(ctx, run)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListStatsSnapshots(ctx context.Context, since time.Time) ([]*types.StatsSnapshot, error) {
	ctx, span, t := s.op(ctx, "ListStatsSnapshots")
	v, err := s.inner.ListStatsSnapshots(ctx, since)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListCachedRuns(ctx context.Context, workerID int64, since time.Time) ([]*types.Run, error) {
	attrs := []attribute.KeyValue{workerAttr(workerID)}
	ctx, span, t := s.op(ctx, "ListCachedRuns", attrs...)
	v, err := s.inner.ListCachedRuns(ctx, workerID, since)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Statistics ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) TableCounts(ctx context.Context) (map[string]int64, error) {
	ctx, span, t := s.op(ctx, "TableCounts")
	v, err := s.inner.TableCounts(ctx)
	s.done(ctx, span, t, err)
	if err == nil {
		// Record current row counts as gauge snapshots, broken down by table.
		for table, n := range v {
			s.rowGauge.Record(ctx, n, metric.WithAttributes(attribute.String("table", table)))
		}
	}
	return v, err
}

// ── Transactions ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Maintenance ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Vacuum(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Vacuum")
	err := s.inner.Vacuum(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Analyze(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Analyze")
	err := s.inner.Analyze(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Optimize(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Optimize")
	err := s.inner.Optimize(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) PurgeHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span, t := s.op(ctx, "PurgeHeartbeatsBefore")
	n, err := s.inner.PurgeHeartbeatsBefore(ctx, cutoff)
	if err == nil {
		span.SetAttributes(attribute.Int64("pt.purged", n))
	}
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) Checkpoint(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Checkpoint")
	err := s.inner.Checkpoint(ctx)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) PoolStats() storage.PoolStats {
	return s.inner.PoolStats()
}

func (s *InstrumentedStorage) QueryStats() storage.QueryStats {
	return s.inner.QueryStats()
}

func (s *InstrumentedStorage) SchemaVersion(ctx context.Context) (int, error) {
	return s.inner.SchemaVersion(ctx)
}

func (s *InstrumentedStorage) Path() string {
	return s.inner.Path()
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
