package peer

import (
	"math"
	"sort"
	"time"
)

// BehaviorAnalyzer scores the behavioral checks from raw on-chain activity:
// the wallet nonce anomaly ratio and the autonomy score.
type BehaviorAnalyzer struct {
	// ExpectedActionsPerDay is the heartbeat-like cadence a sovereign
	// agent produces. One hourly tick yields 24.
	ExpectedActionsPerDay float64
}

// NewBehaviorAnalyzer returns an analyzer tuned to the hourly heartbeat.
func NewBehaviorAnalyzer() *BehaviorAnalyzer {
	return &BehaviorAnalyzer{ExpectedActionsPerDay: 24}
}

// NonceRatio compares the wallet's transaction count against the action
// count a heartbeat-driven agent of that age would produce. A wallet driven
// by a human or a script farm shows a far higher nonce than its age
// explains.
func (a *BehaviorAnalyzer) NonceRatio(nonce uint64, daysAlive int64) float64 {
	expected := float64(daysAlive) * a.ExpectedActionsPerDay
	if expected < 1 {
		expected = 1
	}
	return float64(nonce) / expected
}

// AutonomyScore rates timing regularity of the observed activity in [0, 1].
// Three equally weighted components: hour-of-day coverage (24/7 operation),
// cadence regularity (low variance between consecutive events), and
// recency (activity within the last two days).
func (a *BehaviorAnalyzer) AutonomyScore(events []time.Time, now time.Time) float64 {
	if len(events) < 2 {
		return 0
	}
	sorted := make([]time.Time, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	coverage := hourCoverage(sorted)
	regularity := cadenceRegularity(sorted)
	recency := 0.0
	if now.Sub(sorted[len(sorted)-1]) <= 48*time.Hour {
		recency = 1.0
	}
	return (coverage + regularity + recency) / 3
}

func hourCoverage(events []time.Time) float64 {
	var hours [24]bool
	count := 0
	for _, e := range events {
		h := e.UTC().Hour()
		if !hours[h] {
			hours[h] = true
			count++
		}
	}
	return float64(count) / 24
}

// cadenceRegularity is 1 minus the coefficient of variation of inter-event
// gaps, clamped to [0, 1]. A perfect hourly heartbeat scores 1.
func cadenceRegularity(sorted []time.Time) float64 {
	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Sub(sorted[i-1]).Seconds()
		if gap <= 0 {
			continue
		}
		gaps = append(gaps, gap)
	}
	if len(gaps) == 0 {
		return 0
	}
	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))
	cv := math.Sqrt(variance) / mean
	score := 1 - cv
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
