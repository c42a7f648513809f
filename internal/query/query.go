// Package query serves the read-only aggregation API: per-worker run
// statistics, server-wide rollups, leaderboards, anomaly detection, and
// god-pack summaries.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rerollkit/packtrack/internal/config"
	"github.com/rerollkit/packtrack/internal/registry"
	"github.com/rerollkit/packtrack/internal/storage"
	"github.com/rerollkit/packtrack/internal/types"
	"github.com/rerollkit/packtrack/internal/verify"
)

// activeWindow is how recent a heartbeat must be for a worker to count as
// active now.
const activeWindow = 60 * time.Minute

// longSessionThreshold flags marathon runs in the anomaly report.
const longSessionThreshold = 8 * time.Hour

// Metric selects the leaderboard ranking.
type Metric string

const (
	MetricEfficiency  Metric = "efficiency"
	MetricTotalPacks  Metric = "total_packs"
	MetricRuntime     Metric = "runtime"
	MetricConsistency Metric = "consistency"
)

// Valid reports whether m is a known leaderboard metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricEfficiency, MetricTotalPacks, MetricRuntime, MetricConsistency:
		return true
	}
	return false
}

// Service answers aggregation queries.
type Service struct {
	store  storage.Storage
	reg    *registry.Registry
	engine *verify.Engine
	cfg    *config.Config
	log    *slog.Logger
	now    func() time.Time
}

// Options configure a Service.
type Options struct {
	Store    storage.Storage
	Registry *registry.Registry
	Engine   *verify.Engine
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(opts Options) *Service {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:  opts.Store,
		reg:    opts.Registry,
		engine: opts.Engine,
		cfg:    opts.Config,
		log:    opts.Logger,
		now:    opts.Now,
	}
}

// UserStats is the per-worker rollup over a window.
type UserStats struct {
	WorkerID      int64              `json:"worker_id"`
	Status        types.WorkerStatus `json:"status"`
	TotalRuns     int                `json:"total_runs"`
	RuntimeHours  float64            `json:"runtime_hours"`
	TotalPacks    int64              `json:"total_packs"`
	AvgPPM        float64            `json:"avg_ppm"`
	PeakInstances int                `json:"peak_instances"`
	Efficiency    float64            `json:"efficiency"`
	Consistency   float64            `json:"consistency"`
	LastActive    *time.Time         `json:"last_active,omitempty"`
}

// WorkerRuns derives the run list for a worker over the trailing window.
func (s *Service) WorkerRuns(ctx context.Context, workerID int64, windowDays int) ([]*types.Run, error) {
	since := s.now().AddDate(0, 0, -windowDays)
	hbs, err := s.store.ListHeartbeats(ctx, workerID, since, s.now().Add(time.Second))
	if err != nil {
		return nil, err
	}
	return DeriveRuns(hbs, s.cfg.GapThreshold()), nil
}

// UserStatsFor computes the per-worker rollup.
func (s *Service) UserStatsFor(ctx context.Context, workerID int64, windowDays int) (*UserStats, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	runs, err := s.WorkerRuns(ctx, workerID, windowDays)
	if err != nil {
		return nil, err
	}

	stats := &UserStats{
		WorkerID:   workerID,
		Status:     w.Status,
		TotalRuns:  len(runs),
		LastActive: w.LastHeartbeat,
	}
	if s.reg != nil {
		stats.Status = s.reg.DerivedStatus(w)
	}

	var totalMinutes, instanceHours float64
	var ppms []float64
	for _, run := range runs {
		totalMinutes += run.DurationMinutes()
		stats.TotalPacks += run.SessionPacks()
		instanceHours += run.AvgInstances * run.DurationMinutes() / 60
		if run.PeakInstances > stats.PeakInstances {
			stats.PeakInstances = run.PeakInstances
		}
		ppms = append(ppms, run.PacksPerMinute)
	}
	stats.RuntimeHours = totalMinutes / 60
	if totalMinutes > 0 {
		stats.AvgPPM = float64(stats.TotalPacks) / totalMinutes
	}
	if instanceHours > 0 {
		stats.Efficiency = float64(stats.TotalPacks) / instanceHours
	}
	stats.Consistency = consistency(ppms)
	return stats, nil
}

// ServerStats is the fleet-wide rollup.
type ServerStats struct {
	ActiveWorkers  int                    `json:"active_workers"`
	TotalInstances int                    `json:"total_instances"`
	PPMSum         float64                `json:"ppm_sum"`
	AvgEfficiency  float64                `json:"avg_efficiency"`
	TopEfficiency  []*UserStats           `json:"top_efficiency"`
	Timeline       []*types.StatsSnapshot `json:"timeline"`
}

// ServerStatsFor computes the fleet rollup over the trailing window. The
// hourly timeline is read from the persisted snapshots.
func (s *Service) ServerStatsFor(ctx context.Context, windowDays int) (*ServerStats, error) {
	now := s.now()
	cutoff := now.Add(-activeWindow)
	active, err := s.store.ListWorkers(ctx, storage.WorkerFilter{HeartbeatSince: &cutoff})
	if err != nil {
		return nil, err
	}

	out := &ServerStats{ActiveWorkers: len(active)}
	var efficiencies []float64
	for _, w := range active {
		if hb, err := s.store.LatestHeartbeat(ctx, w.ID); err == nil {
			out.TotalInstances += hb.InstancesOnline
		}
		stats, err := s.UserStatsFor(ctx, w.ID, windowDays)
		if err != nil {
			s.log.Warn("user stats for server rollup", "worker", w.ID, "error", err)
			continue
		}
		out.PPMSum += stats.AvgPPM
		if stats.Efficiency > 0 {
			efficiencies = append(efficiencies, stats.Efficiency)
		}
		out.TopEfficiency = append(out.TopEfficiency, stats)
	}

	if len(efficiencies) > 0 {
		sum := 0.0
		for _, e := range efficiencies {
			sum += e
		}
		out.AvgEfficiency = sum / float64(len(efficiencies))
	}
	sort.Slice(out.TopEfficiency, func(i, j int) bool {
		return out.TopEfficiency[i].Efficiency > out.TopEfficiency[j].Efficiency
	})
	if len(out.TopEfficiency) > 5 {
		out.TopEfficiency = out.TopEfficiency[:5]
	}

	out.Timeline, err = s.store.ListStatsSnapshots(ctx, now.AddDate(0, 0, -windowDays))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank  int        `json:"rank"`
	Stats *UserStats `json:"stats"`
	Value float64    `json:"value"`
}

// Leaderboard ranks all workers by the chosen metric, descending,
// returning the top K.
func (s *Service) Leaderboard(ctx context.Context, metric Metric, windowDays, limit int) ([]*LeaderboardEntry, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("unknown leaderboard metric %q", metric)
	}
	workers, err := s.store.ListWorkers(ctx, storage.WorkerFilter{})
	if err != nil {
		return nil, err
	}

	var entries []*LeaderboardEntry
	for _, w := range workers {
		stats, err := s.UserStatsFor(ctx, w.ID, windowDays)
		if err != nil {
			s.log.Warn("user stats for leaderboard", "worker", w.ID, "error", err)
			continue
		}
		if stats.TotalRuns == 0 {
			continue
		}
		var value float64
		switch metric {
		case MetricEfficiency:
			value = stats.Efficiency
		case MetricTotalPacks:
			value = float64(stats.TotalPacks)
		case MetricRuntime:
			value = stats.RuntimeHours
		case MetricConsistency:
			value = stats.Consistency
		}
		entries = append(entries, &LeaderboardEntry{Stats: stats, Value: value})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Value > entries[j].Value })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i, e := range entries {
		e.Rank = i + 1
	}
	return entries, nil
}

// AnomalyKind classifies a flagged run.
type AnomalyKind string

const (
	AnomalyHighPerformance AnomalyKind = "high_performance"
	AnomalyLowPerformance  AnomalyKind = "low_performance"
	AnomalyInstanceSpike   AnomalyKind = "instance_spike"
	AnomalyLongSession     AnomalyKind = "long_session"
)

// Anomaly is one flagged run with the threshold that tripped.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	Run       *types.Run  `json:"run"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
}

// Anomalies flags runs deviating from the worker's own distribution:
// per-run PPM outside mean +/- 2 sigma, instance peaks above mean + 2
// sigma, and sessions longer than eight hours.
func (s *Service) Anomalies(ctx context.Context, workerID int64, windowDays int) ([]*Anomaly, error) {
	runs, err := s.WorkerRuns(ctx, workerID, windowDays)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}

	ppms := make([]float64, len(runs))
	instances := make([]float64, len(runs))
	for i, run := range runs {
		ppms[i] = run.PacksPerMinute
		instances[i] = run.AvgInstances
	}
	ppmMean, ppmDev := meanStddev(ppms)
	instMean, instDev := meanStddev(instances)

	var out []*Anomaly
	for _, run := range runs {
		if ppmDev > 0 {
			switch {
			case run.PacksPerMinute > ppmMean+2*ppmDev:
				out = append(out, &Anomaly{Kind: AnomalyHighPerformance, Run: run,
					Value: run.PacksPerMinute, Threshold: ppmMean + 2*ppmDev})
			case run.PacksPerMinute < ppmMean-2*ppmDev:
				out = append(out, &Anomaly{Kind: AnomalyLowPerformance, Run: run,
					Value: run.PacksPerMinute, Threshold: ppmMean - 2*ppmDev})
			}
		}
		if instDev > 0 && float64(run.PeakInstances) > instMean+2*instDev {
			out = append(out, &Anomaly{Kind: AnomalyInstanceSpike, Run: run,
				Value: float64(run.PeakInstances), Threshold: instMean + 2*instDev})
		}
		if run.EndTS.Sub(run.StartTS) > longSessionThreshold {
			out = append(out, &Anomaly{Kind: AnomalyLongSession, Run: run,
				Value: run.EndTS.Sub(run.StartTS).Hours(), Threshold: longSessionThreshold.Hours()})
		}
	}
	return out, nil
}

// Expiring lists TESTING/ALIVE packs whose deadline falls within the next
// daysAhead days, soonest first.
func (s *Service) Expiring(ctx context.Context, daysAhead int) ([]*types.GodPack, error) {
	now := s.now()
	return s.store.ListExpiringGodPacks(ctx, now, now.AddDate(0, 0, daysAhead))
}

// TesterBreakdown is one tester's contribution to a pack's verification.
type TesterBreakdown struct {
	WorkerID int64 `json:"worker_id"`
	Miss     int   `json:"miss"`
	NoShow   int   `json:"noshow"`
}

// GPSummary bundles everything known about one god pack.
type GPSummary struct {
	GodPack          *types.GodPack     `json:"godpack"`
	ProbabilityAlive float64            `json:"probability_alive"`
	ConfidenceLevel  float64            `json:"confidence_level"`
	TotalTests       int                `json:"total_tests"`
	Recommendation   string             `json:"recommendation"`
	Testers          []*TesterBreakdown `json:"testers"`
}

// GPSummaryFor assembles the summary, computing statistics through the
// verification engine (cached when fresh).
func (s *Service) GPSummaryFor(ctx context.Context, gpID int64) (*GPSummary, error) {
	gp, err := s.store.GetGodPack(ctx, gpID)
	if err != nil {
		return nil, err
	}
	if s.engine == nil {
		return nil, errors.New("query: verification engine not configured")
	}
	res, err := s.engine.Verify(ctx, gpID, false)
	if err != nil {
		return nil, err
	}
	results, err := s.store.ListTestResults(ctx, gpID)
	if err != nil {
		return nil, err
	}

	byTester := make(map[int64]*TesterBreakdown)
	var order []int64
	for _, tr := range results {
		tb, ok := byTester[tr.WorkerID]
		if !ok {
			tb = &TesterBreakdown{WorkerID: tr.WorkerID}
			byTester[tr.WorkerID] = tb
			order = append(order, tr.WorkerID)
		}
		switch tr.Kind {
		case types.TestMiss:
			tb.Miss++
		case types.TestNoShow:
			tb.NoShow++
		}
	}
	testers := make([]*TesterBreakdown, 0, len(order))
	for _, id := range order {
		testers = append(testers, byTester[id])
	}

	return &GPSummary{
		GodPack:          gp,
		ProbabilityAlive: res.Stats.ProbabilityAlive,
		ConfidenceLevel:  res.Stats.ConfidenceLevel,
		TotalTests:       res.Stats.TotalTests,
		Recommendation:   res.Recommendation,
		Testers:          testers,
	}, nil
}

// CacheWorkerRuns derives and persists a worker's completed runs so the
// heartbeat retention purge cannot erase history older windows depend on.
// A run still inside the gap threshold may yet grow and is left uncached.
// Returns how many runs were written.
func (s *Service) CacheWorkerRuns(ctx context.Context, workerID int64, windowDays int) (int, error) {
	runs, err := s.WorkerRuns(ctx, workerID, windowDays)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.cfg.GapThreshold())
	cached := 0
	for _, run := range runs {
		if run.EndTS.After(cutoff) {
			continue
		}
		if err := s.store.PutCachedRun(ctx, run); err != nil {
			return cached, err
		}
		cached++
	}
	return cached, nil
}

// CachedRuns reads previously persisted runs for windows whose heartbeats
// may already be purged.
func (s *Service) CachedRuns(ctx context.Context, workerID int64, windowDays int) ([]*types.Run, error) {
	return s.store.ListCachedRuns(ctx, workerID, s.now().AddDate(0, 0, -windowDays))
}

// SnapshotNow samples the fleet and persists a stats snapshot; the
// scheduler calls this every stats interval.
func (s *Service) SnapshotNow(ctx context.Context) (*types.StatsSnapshot, error) {
	now := s.now()
	cutoff := now.Add(-activeWindow)
	active, err := s.store.ListWorkers(ctx, storage.WorkerFilter{HeartbeatSince: &cutoff})
	if err != nil {
		return nil, err
	}

	snap := &types.StatsSnapshot{Timestamp: now, ActiveWorkers: len(active)}
	for _, w := range active {
		hb, err := s.store.LatestHeartbeat(ctx, w.ID)
		if err != nil {
			continue
		}
		snap.TotalInstances += hb.InstancesOnline
		if hb.TimeRunningMin > 0 {
			snap.PacksPerMinute += float64(hb.PacksCumulative) / float64(hb.TimeRunningMin)
		}
	}
	if err := s.store.InsertStatsSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}
