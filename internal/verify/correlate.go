// Package verify reconciles post-fix re-scan results against the
// findings each remediation attempt targeted.
package verify

import (
	"math"
	"sort"
	"time"

	"github.com/remedyhq/remedy/internal/types"
)

// SessionSummary is the per-attempt view of a verification record.
type SessionSummary struct {
	SessionID  string                    `json:"session_id"`
	PRURL      string                    `json:"pr_url,omitempty"`
	VerifiedAt time.Time                 `json:"verified_at"`
	Summary    types.VerificationSummary `json:"summary"`
	Label      types.VerificationLabel   `json:"label"`
}

// FixAttribution records which session first fixed a fingerprint.
// Attribution is first-write-wins: the earliest verified_at is kept and
// later records never overwrite it, since a later "fix" for an
// already-fixed fingerprint is not meaningful.
type FixAttribution struct {
	FixedBySession string    `json:"fixed_by_session"`
	FixedByPR      string    `json:"fixed_by_pr,omitempty"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// AggregateStats sums verification outcomes across all records.
type AggregateStats struct {
	TotalTargeted  int     `json:"total_targeted"`
	TotalFixed     int     `json:"total_fixed"`
	TotalRemaining int     `json:"total_remaining"`
	FullyVerified  int     `json:"fully_verified"`
	PartialFixes   int     `json:"partial_fixes"`
	FixRatePercent float64 `json:"fix_rate_percent"`
}

// Result is the output of correlating verification records with findings.
type Result struct {
	SessionMap     map[string]*SessionSummary
	FingerprintFix map[string]*FixAttribution
	Aggregate      AggregateStats
	Skipped        int // malformed records excluded from correlation
}

// Correlate resolves per-session summaries and per-fingerprint fix
// attribution from the verification records.
//
// Malformed records (missing session id or verification timestamp) are
// skipped and counted rather than aborting the computation. Records for
// an already-attributed fingerprint still contribute to aggregate stats.
func Correlate(records []*types.VerificationRecord, findings []*types.Finding) *Result {
	res := &Result{
		SessionMap:     make(map[string]*SessionSummary),
		FingerprintFix: make(map[string]*FixAttribution),
	}

	// Sort ascending by verified_at so first-write-wins falls out of
	// insertion order.
	sorted := append([]*types.VerificationRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].VerifiedAt.Before(sorted[j].VerifiedAt)
	})

	for _, rec := range sorted {
		if rec.SessionID == "" || rec.VerifiedAt.IsZero() {
			res.Skipped++
			continue
		}

		res.SessionMap[rec.SessionID] = &SessionSummary{
			SessionID:  rec.SessionID,
			PRURL:      rec.PRURL,
			VerifiedAt: rec.VerifiedAt,
			Summary:    rec.Summary,
			Label:      rec.Label(),
		}

		for _, vf := range rec.VerifiedFixed {
			if vf.Fingerprint == "" {
				continue
			}
			if _, claimed := res.FingerprintFix[vf.Fingerprint]; claimed {
				continue
			}
			res.FingerprintFix[vf.Fingerprint] = &FixAttribution{
				FixedBySession: rec.SessionID,
				FixedByPR:      rec.PRURL,
				VerifiedAt:     rec.VerifiedAt,
			}
		}

		res.Aggregate.TotalTargeted += rec.Summary.TotalTargeted
		res.Aggregate.TotalFixed += rec.Summary.FixedCount
		res.Aggregate.TotalRemaining += rec.Summary.RemainingCount
		switch rec.Label() {
		case types.LabelVerifiedFix:
			res.Aggregate.FullyVerified++
		case types.LabelPartialFix:
			res.Aggregate.PartialFixes++
		}
	}

	res.Aggregate.FixRatePercent = fixRate(res.Aggregate.TotalFixed, res.Aggregate.TotalTargeted)
	return res
}

// IsFixed reports whether a finding counts as fixed for reporting: its
// fingerprint has a verification attribution OR its independently-tracked
// state says fixed. The two signals are reconciled by OR, never
// overwritten against each other.
func (r *Result) IsFixed(f *types.Finding) bool {
	if _, ok := r.FingerprintFix[f.Fingerprint]; ok {
		return true
	}
	return f.IsFixed()
}

// fixRate computes total_fixed / max(total_targeted, 1) * 100 rounded to
// one decimal place.
func fixRate(fixed, targeted int) float64 {
	denom := targeted
	if denom < 1 {
		denom = 1
	}
	rate := float64(fixed) / float64(denom) * 100
	return math.Round(rate*10) / 10
}
