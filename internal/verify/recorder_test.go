package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/types"
)

// recStore is an in-memory RecorderStore for recorder tests.
type recStore struct {
	findings map[string]*types.Finding
	chains   []*types.AttemptChain
	history  []*types.DispatchRecord
	records  []*types.VerificationRecord
}

func newRecStore() *recStore {
	return &recStore{findings: make(map[string]*types.Finding)}
}

func (s *recStore) ListChains(context.Context) ([]*types.AttemptChain, error) {
	return s.chains, nil
}

func (s *recStore) ListDispatchHistory(context.Context) ([]*types.DispatchRecord, error) {
	return s.history, nil
}

func (s *recStore) ListVerifications(context.Context) ([]*types.VerificationRecord, error) {
	return s.records, nil
}

func (s *recStore) GetFinding(_ context.Context, fp string) (*types.Finding, error) {
	f, ok := s.findings[fp]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return f, nil
}

func (s *recStore) AppendVerification(_ context.Context, rec *types.VerificationRecord) error {
	s.records = append(s.records, rec)
	return nil
}

var recordedAt = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func seedRecorderStore() *recStore {
	store := newRecStore()
	resolved := recordedAt.Add(-time.Hour)
	store.findings["f1"] = &types.Finding{Fingerprint: "f1", State: types.StateOpen, ResolvedAt: &resolved}
	store.findings["f2"] = &types.Finding{Fingerprint: "f2", State: types.StateFixed}
	store.findings["f3"] = &types.Finding{Fingerprint: "f3", State: types.StateOpen}
	store.chains = []*types.AttemptChain{{
		BatchID: "b1",
		Attempts: []*types.Attempt{{
			SessionID:     "s-1",
			BatchID:       "b1",
			Status:        types.SessionFinished,
			AttemptNumber: 1,
			PRURL:         "https://pr/1",
		}},
	}}
	store.history = []*types.DispatchRecord{{
		BatchID:      "b1",
		CycleID:      "c1",
		SessionID:    "s-1",
		Fingerprints: []string{"f1", "f2", "f3"},
		DispatchedAt: recordedAt.Add(-48 * time.Hour),
	}}
	return store
}

func TestRecordWritesOutcomeForTerminalAttempt(t *testing.T) {
	store := seedRecorderStore()
	r := NewRecorder(store)

	n, err := r.Record(context.Background(), recordedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, "s-1", rec.SessionID)
	assert.Equal(t, "https://pr/1", rec.PRURL)
	assert.True(t, rec.VerifiedAt.Equal(recordedAt))
	assert.Equal(t, types.VerificationSummary{TotalTargeted: 3, FixedCount: 2, RemainingCount: 1}, rec.Summary)
	assert.Equal(t, types.LabelPartialFix, rec.Label())
	require.Len(t, rec.VerifiedFixed, 2)
	assert.Equal(t, "f1", rec.VerifiedFixed[0].Fingerprint)
	assert.Equal(t, "f2", rec.VerifiedFixed[1].Fingerprint)
}

func TestRecordIsIdempotentForSameState(t *testing.T) {
	store := seedRecorderStore()
	r := NewRecorder(store)
	ctx := context.Background()

	n, err := r.Record(ctx, recordedAt)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Re-ingesting the same scan produces the same summary: no new record.
	n, err = r.Record(ctx, recordedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, store.records, 1)

	// A later scan that fixes the remaining finding produces a fresh record.
	store.findings["f3"].State = types.StateFixed
	n, err = r.Record(ctx, recordedAt.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, store.records, 2)
	assert.Equal(t, types.LabelVerifiedFix, store.records[1].Label())
	assert.Equal(t, 3, store.records[1].Summary.FixedCount)
}

func TestRecordSkipsUnverifiableChains(t *testing.T) {
	store := seedRecorderStore()
	// Still running: nothing to verify yet.
	store.chains[0].Attempts[0].Status = types.SessionRunning
	r := NewRecorder(store)

	n, err := r.Record(context.Background(), recordedAt)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Terminal but no pull request: nothing to verify against.
	store.chains[0].Attempts[0].Status = types.SessionFinished
	store.chains[0].Attempts[0].PRURL = ""
	n, err = r.Record(context.Background(), recordedAt)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, store.records)
}

func TestRecordCountsUnknownFingerprintsAsRemaining(t *testing.T) {
	store := seedRecorderStore()
	delete(store.findings, "f3")
	r := NewRecorder(store)

	n, err := r.Record(context.Background(), recordedAt)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, types.VerificationSummary{TotalTargeted: 3, FixedCount: 2, RemainingCount: 1}, store.records[0].Summary)
}
