package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/types"
)

// RecorderStore is the slice of the persistence contract the recorder
// needs. Satisfied by storage.Store.
type RecorderStore interface {
	ListChains(ctx context.Context) ([]*types.AttemptChain, error)
	ListDispatchHistory(ctx context.Context) ([]*types.DispatchRecord, error)
	ListVerifications(ctx context.Context) ([]*types.VerificationRecord, error)
	GetFinding(ctx context.Context, fingerprint string) (*types.Finding, error)
	AppendVerification(ctx context.Context, rec *types.VerificationRecord) error
}

// Recorder turns re-scan outcomes into verification records. After each
// scan ingest, every chain whose latest attempt is terminal with a pull
// request has its dispatched fingerprints checked against the tracked
// findings; the result is appended as a VerificationRecord for the
// correlator to attribute.
type Recorder struct {
	store RecorderStore
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store RecorderStore) *Recorder {
	return &Recorder{store: store}
}

// Record appends verification records reflecting the current finding
// state and returns how many were written.
//
// Re-running after an identical scan appends nothing: a record is only
// written when the computed summary differs from the most recent record
// for the same session, so repeated ingests of one scan stay idempotent
// while later progress still produces a fresh record.
func (r *Recorder) Record(ctx context.Context, verifiedAt time.Time) (int, error) {
	chains, err := r.store.ListChains(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing chains: %w", err)
	}
	history, err := r.store.ListDispatchHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing dispatch history: %w", err)
	}
	batchFPs := make(map[string][]string)
	for _, rec := range history {
		if len(rec.Fingerprints) > 0 {
			batchFPs[rec.BatchID] = rec.Fingerprints
		}
	}

	existing, err := r.store.ListVerifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing verifications: %w", err)
	}
	// Records come back oldest first; keep the latest summary per session.
	lastSummary := make(map[string]types.VerificationSummary)
	for _, rec := range existing {
		lastSummary[rec.SessionID] = rec.Summary
	}

	appended := 0
	for _, chain := range chains {
		latest := chain.Latest()
		if latest == nil || latest.SessionID == "" || latest.PRURL == "" || !latest.Status.IsTerminal() {
			continue
		}
		fps := batchFPs[chain.BatchID]
		if len(fps) == 0 {
			continue
		}

		var fixed []types.VerifiedFinding
		remaining := 0
		for _, fp := range fps {
			f, err := r.store.GetFinding(ctx, fp)
			if errors.Is(err, storage.ErrNotFound) {
				// A fingerprint the store cannot see is never confirmed fixed.
				remaining++
				continue
			}
			if err != nil {
				return appended, fmt.Errorf("looking up finding %s: %w", fp, err)
			}
			if f.ResolvedAt != nil || f.IsFixed() {
				fixed = append(fixed, types.VerifiedFinding{Fingerprint: fp})
			} else {
				remaining++
			}
		}

		summary := types.VerificationSummary{
			TotalTargeted:  len(fps),
			FixedCount:     len(fixed),
			RemainingCount: remaining,
		}
		if prev, ok := lastSummary[latest.SessionID]; ok && prev == summary {
			continue
		}

		rec := &types.VerificationRecord{
			SessionID:     latest.SessionID,
			PRURL:         latest.PRURL,
			VerifiedAt:    verifiedAt,
			Summary:       summary,
			VerifiedFixed: fixed,
		}
		if err := r.store.AppendVerification(ctx, rec); err != nil {
			return appended, fmt.Errorf("appending verification for session %s: %w", latest.SessionID, err)
		}
		lastSummary[latest.SessionID] = summary
		appended++
	}
	return appended, nil
}
