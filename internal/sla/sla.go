// Package sla derives health status for findings from elapsed time
// against severity-based deadlines.
package sla

import (
	"time"

	"github.com/remedyhq/remedy/internal/types"
)

// Status is the derived health label for one finding.
type Status string

// SLA status constants
const (
	StatusOnTrack  Status = "on-track"
	StatusAtRisk   Status = "at-risk"
	StatusBreached Status = "breached"
	StatusMet      Status = "met"
	StatusUnknown  Status = "unknown"
)

// atRiskFraction is the elapsed fraction of the limit at which an open
// finding becomes at-risk. The boundary is inclusive: exactly 75% elapsed
// classifies as at-risk.
const atRiskFraction = 0.75

// Thresholds maps canonical severity tiers to their SLA limit in hours.
type Thresholds map[types.SeverityTier]float64

// DefaultThresholds returns the standard remediation deadlines.
func DefaultThresholds() Thresholds {
	return Thresholds{
		types.SeverityCritical: 48,
		types.SeverityHigh:     96,
		types.SeverityMedium:   168,
		types.SeverityLow:      336,
	}
}

// Merge overlays non-zero per-severity overrides onto the defaults.
func (t Thresholds) Merge(overrides Thresholds) Thresholds {
	merged := make(Thresholds, len(t))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			merged[types.NormalizeSeverity(string(k))] = v
		}
	}
	return merged
}

// Evaluation is the result of evaluating one finding against its deadline.
type Evaluation struct {
	Status         Status  `json:"status"`
	LimitHours     float64 `json:"limit_hours"`
	HoursElapsed   float64 `json:"hours_elapsed"`
	HoursRemaining float64 `json:"hours_remaining"`
}

// Evaluate derives the SLA state for a finding observed at firstSeen and
// optionally resolved at resolvedAt, as of now.
//
// Findings with no first-seen timestamp or an unrecognized severity tier
// evaluate to unknown rather than aborting the batch. Severity matching
// is case-insensitive. hours_remaining may be negative once breached.
func Evaluate(severity types.SeverityTier, firstSeen *time.Time, resolvedAt *time.Time, now time.Time, thresholds Thresholds) Evaluation {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}

	limit, ok := thresholds[types.NormalizeSeverity(string(severity))]
	if !ok || firstSeen == nil || firstSeen.IsZero() {
		return Evaluation{Status: StatusUnknown}
	}

	end := now
	if resolvedAt != nil && !resolvedAt.IsZero() {
		end = *resolvedAt
	}
	elapsed := end.Sub(*firstSeen).Hours()

	ev := Evaluation{
		LimitHours:     limit,
		HoursElapsed:   elapsed,
		HoursRemaining: limit - elapsed,
	}

	if resolvedAt != nil && !resolvedAt.IsZero() {
		if elapsed <= limit {
			ev.Status = StatusMet
		} else {
			ev.Status = StatusBreached
		}
		return ev
	}

	switch {
	case elapsed >= limit:
		ev.Status = StatusBreached
	case elapsed >= atRiskFraction*limit:
		ev.Status = StatusAtRisk
	default:
		ev.Status = StatusOnTrack
	}
	return ev
}

// EvaluateFinding evaluates a tracked finding against the thresholds.
func EvaluateFinding(f *types.Finding, now time.Time, thresholds Thresholds) Evaluation {
	var firstSeen *time.Time
	if !f.FirstSeenAt.IsZero() {
		firstSeen = &f.FirstSeenAt
	}
	return Evaluate(f.Severity, firstSeen, f.ResolvedAt, now, thresholds)
}
