package query

import (
	"math"
	"time"

	"github.com/rerollkit/packtrack/internal/types"
)

// DeriveRuns splits a worker's heartbeats into contiguous runs: a gap
// exceeding the threshold starts a new run. Heartbeats must be ordered by
// timestamp ascending, as ListHeartbeats returns them.
func DeriveRuns(hbs []*types.Heartbeat, gap time.Duration) []*types.Run {
	if len(hbs) == 0 {
		return nil
	}
	var runs []*types.Run
	start := 0
	for i := 1; i <= len(hbs); i++ {
		if i < len(hbs) && hbs[i].Timestamp.Sub(hbs[i-1].Timestamp) <= gap {
			continue
		}
		runs = append(runs, buildRun(hbs[start:i]))
		start = i
	}
	return runs
}

func buildRun(hbs []*types.Heartbeat) *types.Run {
	run := &types.Run{
		WorkerID:   hbs[0].WorkerID,
		StartTS:    hbs[0].Timestamp,
		EndTS:      hbs[len(hbs)-1].Timestamp,
		StartPacks: hbs[0].PacksCumulative,
		EndPacks:   hbs[len(hbs)-1].PacksCumulative,
	}
	sumInstances := 0
	mainOn := 0
	for _, hb := range hbs {
		sumInstances += hb.InstancesOnline
		if hb.InstancesOnline > run.PeakInstances {
			run.PeakInstances = hb.InstancesOnline
		}
		if hb.MainActive {
			mainOn++
		}
		// Cumulative counters can reset when a client reinstalls; take the
		// highest observation as the run's end point.
		if hb.PacksCumulative > run.EndPacks {
			run.EndPacks = hb.PacksCumulative
		}
	}
	run.AvgInstances = float64(sumInstances) / float64(len(hbs))
	run.MainOnFraction = float64(mainOn) / float64(len(hbs))
	if minutes := run.DurationMinutes(); minutes > 0 {
		run.PacksPerMinute = float64(run.SessionPacks()) / minutes
	}
	return run
}

// consistency scores how steady a worker's per-run throughput is:
// 100 - 100*sigma/mean over per-run PPM, pinned to 50 for a single run
// and clamped to [0, 100].
func consistency(ppms []float64) float64 {
	switch len(ppms) {
	case 0:
		return 0
	case 1:
		return 50
	}
	mean := 0.0
	for _, v := range ppms {
		mean += v
	}
	mean /= float64(len(ppms))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, v := range ppms {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(ppms))
	score := 100 - 100*math.Sqrt(variance)/mean
	return math.Max(0, math.Min(100, score))
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}
