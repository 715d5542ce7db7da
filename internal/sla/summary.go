package sla

import (
	"sort"
	"time"

	"github.com/remedyhq/remedy/internal/types"
)

// DurationStats summarizes time-to-fix for one severity tier, computed
// only over findings whose SLA was met and whose fix duration is defined.
type DurationStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_hours"`
	Max    float64 `json:"max_hours"`
	Mean   float64 `json:"mean_hours"`
	Median float64 `json:"median_hours"`
}

// Summary aggregates SLA state across a set of findings.
type Summary struct {
	Total            int                                   `json:"total"`
	ByStatus         map[Status]int                        `json:"by_status"`
	BySeverityStatus map[types.SeverityTier]map[Status]int `json:"by_severity_status"`
	TimeToFix        map[types.SeverityTier]*DurationStats `json:"time_to_fix"`
}

// Summarize evaluates every finding and rolls the results up into
// per-status counts, severity-by-status counts, and per-severity
// time-to-fix statistics.
func Summarize(findings []*types.Finding, now time.Time, thresholds Thresholds) *Summary {
	s := &Summary{
		ByStatus:         make(map[Status]int),
		BySeverityStatus: make(map[types.SeverityTier]map[Status]int),
		TimeToFix:        make(map[types.SeverityTier]*DurationStats),
	}

	durations := make(map[types.SeverityTier][]float64)

	for _, f := range findings {
		ev := EvaluateFinding(f, now, thresholds)
		tier := types.NormalizeSeverity(string(f.Severity))

		s.Total++
		s.ByStatus[ev.Status]++
		if s.BySeverityStatus[tier] == nil {
			s.BySeverityStatus[tier] = make(map[Status]int)
		}
		s.BySeverityStatus[tier][ev.Status]++

		if ev.Status == StatusMet {
			if d, ok := f.FixDurationHours(); ok {
				durations[tier] = append(durations[tier], d)
			}
		}
	}

	for tier, ds := range durations {
		s.TimeToFix[tier] = computeStats(ds)
	}
	return s
}

// computeStats derives count/min/max/mean/median from a non-empty sample.
func computeStats(sample []float64) *DurationStats {
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)

	stats := &DurationStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
	}

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	stats.Mean = sum / float64(len(sorted))
	stats.Median = median(sorted)
	return stats
}

// median returns the middle value of a sorted sample; for an even count
// it is the mean of the two middle values.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
