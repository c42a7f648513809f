// Package verify implements the god-pack verification engine: the
// hypergeometric probability model, the confidence scale, and the cached
// statistics lifecycle.
package verify

import (
	"math"

	"github.com/rerollkit/packtrack/internal/types"
)

// noShowWeight is the pack-equivalent consumption of a NOSHOW test:
// the probability that a tester who saw s open slots out of f friends
// would have observed the pack were it real.
//
// Degenerate inputs (negative counts, s >= f, or a friend pool too small
// for the hypergeometric draw) consume a full pack-equivalent, matching a
// MISS.
func noShowWeight(openSlots, friendCount int) float64 {
	s := openSlots
	f := friendCount
	if f < types.MinFriendCount {
		f = types.MinFriendCount
	}
	if s < 0 || f < 0 || s >= f {
		return 1.0
	}
	pool := f - (4 - s)
	if pool-1 < s {
		return 1.0
	}
	d := 1.0 - binomial(pool-1, s)/binomial(pool, s)
	return clamp01(d)
}

// binomial computes C(n, k) in floats; the inputs here stay tiny (f is a
// friend count), so precision is not a concern.
func binomial(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	result := 1.0
	for i := 0; i < k; i++ {
		result *= float64(n-i) / float64(i+1)
	}
	return result
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// Computation is the output of one probability evaluation.
type Computation struct {
	ProbabilityAlive float64 // percent, [0,100]
	ConfidenceLevel  float64 // percent, [0,95]
	TotalTests       int
	MissTests        int
	NoShowTests      int
	Recommendation   string
}

// Compute evaluates the probability model for a god pack against its test
// results.
//
// Each tester starts with pack_slot_count pack-equivalents; a MISS
// consumes 1.0 and a NOSHOW consumes its hypergeometric weight. Testers
// are independent: P_alive is the product of per-tester max(remaining,0)/k.
func Compute(gp *types.GodPack, results []*types.TestResult) *Computation {
	k := float64(gp.PackSlotCount)
	c := &Computation{ProbabilityAlive: 100}

	remaining := make(map[int64]float64)
	for _, tr := range results {
		if _, ok := remaining[tr.WorkerID]; !ok {
			remaining[tr.WorkerID] = k
		}
		switch tr.Kind {
		case types.TestMiss:
			remaining[tr.WorkerID] -= 1.0
			c.MissTests++
		case types.TestNoShow:
			s, f := 0, 0
			if tr.OpenSlots != nil {
				s = *tr.OpenSlots
			}
			if tr.FriendCount != nil {
				f = *tr.FriendCount
			}
			remaining[tr.WorkerID] -= noShowWeight(s, f)
			c.NoShowTests++
		}
		c.TotalTests++
	}

	p := 1.0
	for _, rem := range remaining {
		p *= math.Max(rem, 0) / k
	}
	c.ProbabilityAlive = p * 100

	w := float64(c.MissTests) + 0.7*float64(c.NoShowTests)
	c.ConfidenceLevel = math.Min(95, 100*(1-math.Exp(-w/3)))

	c.Recommendation = recommend(c.ProbabilityAlive, c.ConfidenceLevel)
	return c
}

// recommend maps a (probability, confidence) pair to its advisory label.
func recommend(p, conf float64) string {
	switch {
	case conf < 30:
		return "more tests needed"
	case p > 80 && conf > 50:
		return "likely ALIVE"
	case p > 60 && conf > 40:
		return "possibly ALIVE"
	case p > 30 && conf > 50:
		return "uncertain"
	case p < 30 && conf > 60:
		return "likely DEAD"
	default:
		return "inconclusive"
	}
}
