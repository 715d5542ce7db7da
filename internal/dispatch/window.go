// Package dispatch enforces the rolling rate limit on session creation
// and keeps the durable dispatch history used for idempotent cycles.
package dispatch

import (
	"time"

	"github.com/remedyhq/remedy/internal/types"
)

// Window wraps the persisted rate-limit state with rolling-quota
// semantics. Eviction is lazy: timestamps older than the period are
// excluded from the used count rather than purged; Compact is an
// optional compaction, not a correctness requirement.
type Window struct {
	state *types.WindowState
}

// NewWindow creates an empty window with the given ceiling.
func NewWindow(maxSessions int, periodHours float64) *Window {
	return &Window{state: &types.WindowState{
		MaxSessions: maxSessions,
		PeriodHours: periodHours,
	}}
}

// FromState wraps previously-persisted window state.
func FromState(ws *types.WindowState) *Window {
	return &Window{state: ws}
}

// State exposes the underlying blob for persistence.
func (w *Window) State() *types.WindowState {
	return w.state
}

func (w *Window) period() time.Duration {
	return time.Duration(w.state.PeriodHours * float64(time.Hour))
}

// Used counts recorded dispatches within (now-period, now].
func (w *Window) Used(now time.Time) int {
	cutoff := now.Add(-w.period())
	used := 0
	for _, ts := range w.state.Timestamps {
		if ts.After(cutoff) && !ts.After(now) {
			used++
		}
	}
	return used
}

// Remaining returns the quota left in the window, never negative.
func (w *Window) Remaining(now time.Time) int {
	remaining := w.state.MaxSessions - w.Used(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Record appends a dispatch timestamp. Call immediately after a
// successful session creation.
func (w *Window) Record(ts time.Time) {
	w.state.Timestamps = append(w.state.Timestamps, ts)
}

// Compact drops timestamps that can no longer affect the used count.
func (w *Window) Compact(now time.Time) {
	cutoff := now.Add(-w.period())
	kept := w.state.Timestamps[:0]
	for _, ts := range w.state.Timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.state.Timestamps = kept
}
