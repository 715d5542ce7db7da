package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/types"
)

// ErrQuotaExhausted signals that the dispatch window has no remaining
// quota. It is a normal "no action" outcome, not a hard failure.
var ErrQuotaExhausted = errors.New("dispatch quota exhausted")

// StateStore is the slice of the persistence contract the gate needs.
// Satisfied by storage.Store.
type StateStore interface {
	LoadWindowState(ctx context.Context) (*types.WindowState, error)
	SaveWindowState(ctx context.Context, ws *types.WindowState) error
	ListDispatchHistory(ctx context.Context) ([]*types.DispatchRecord, error)
	AppendDispatchRecord(ctx context.Context, rec *types.DispatchRecord) error
}

// Gate mediates quota-consuming dispatches against the shared window
// state. Window state is read-modify-written as a unit per action;
// callers must serialize overlapping gate users (single-flight at the
// invocation layer), since the check-then-act is not atomic across
// processes.
type Gate struct {
	store       StateStore
	maxSessions int
	periodHours float64
}

// NewGate creates a gate with the configured ceiling.
func NewGate(store StateStore, maxSessions int, periodHours float64) *Gate {
	return &Gate{store: store, maxSessions: maxSessions, periodHours: periodHours}
}

// load returns the current window, initializing fresh state when none
// has been persisted yet. The configured ceiling always wins over the
// persisted one so config changes take effect without migration.
func (g *Gate) load(ctx context.Context) (*Window, error) {
	ws, err := g.store.LoadWindowState(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return NewWindow(g.maxSessions, g.periodHours), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading window state: %w", err)
	}
	ws.MaxSessions = g.maxSessions
	ws.PeriodHours = g.periodHours
	return FromState(ws), nil
}

// Remaining reports the quota left in the window as of now.
func (g *Gate) Remaining(ctx context.Context, now time.Time) (int, error) {
	w, err := g.load(ctx)
	if err != nil {
		return 0, err
	}
	return w.Remaining(now), nil
}

// CheckQuota returns ErrQuotaExhausted when no quota remains. Call
// immediately before each session creation.
func (g *Gate) CheckQuota(ctx context.Context, now time.Time) error {
	remaining, err := g.Remaining(ctx, now)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		return ErrQuotaExhausted
	}
	return nil
}

// RecordDispatch persists one quota-consuming action: the window gains a
// timestamp and the dispatch history gains a durable record. Call
// immediately after a successful session creation. Returns
// storage.ErrDuplicateSession when the batch was already dispatched in
// this cycle.
func (g *Gate) RecordDispatch(ctx context.Context, rec *types.DispatchRecord) error {
	if err := g.store.AppendDispatchRecord(ctx, rec); err != nil {
		return err
	}

	w, err := g.load(ctx)
	if err != nil {
		return err
	}
	w.Record(rec.DispatchedAt)
	w.Compact(rec.DispatchedAt)
	if err := g.store.SaveWindowState(ctx, w.State()); err != nil {
		return fmt.Errorf("saving window state: %w", err)
	}
	return nil
}

// Dispatched reports whether a batch was already dispatched in the
// given cycle, so a re-entered cycle can skip it.
func (g *Gate) Dispatched(ctx context.Context, batchID, cycleID string) (bool, error) {
	history, err := g.store.ListDispatchHistory(ctx)
	if err != nil {
		return false, fmt.Errorf("listing dispatch history: %w", err)
	}
	for _, rec := range history {
		if rec.BatchID == batchID && rec.CycleID == cycleID {
			return true, nil
		}
	}
	return false, nil
}
