package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/agent"
	"github.com/remedyhq/remedy/internal/dispatch"
	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/types"
)

var cycleNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory storage.Store for cycle tests.
type memStore struct {
	findings      map[string]*types.Finding
	attempts      []*types.Attempt
	verifications []*types.VerificationRecord
	window        *types.WindowState
	history       []*types.DispatchRecord
}

func newMemStore() *memStore {
	return &memStore{findings: make(map[string]*types.Finding)}
}

func (s *memStore) UpsertFinding(_ context.Context, f *types.Finding) error {
	cp := *f
	s.findings[f.Fingerprint] = &cp
	return nil
}

func (s *memStore) GetFinding(_ context.Context, fp string) (*types.Finding, error) {
	f, ok := s.findings[fp]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) ListFindings(_ context.Context, filter types.FindingFilter) ([]*types.Finding, error) {
	var out []*types.Finding
	for _, f := range s.findings {
		if filter.Repo != "" && f.Repo != filter.Repo {
			continue
		}
		if filter.Unresolved && f.ResolvedAt != nil {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

func (s *memStore) AppendAttempt(_ context.Context, a *types.Attempt) error {
	cp := *a
	s.attempts = append(s.attempts, &cp)
	return nil
}

func (s *memStore) UpdateAttemptStatus(_ context.Context, sessionID string, status types.SessionStatus) error {
	for _, a := range s.attempts {
		if a.SessionID == sessionID {
			a.Status = status
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *memStore) SetAttemptPR(_ context.Context, sessionID, prURL string) error {
	for _, a := range s.attempts {
		if a.SessionID == sessionID {
			a.PRURL = prURL
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *memStore) GetChainByBatch(_ context.Context, batchID string) (*types.AttemptChain, error) {
	chain := &types.AttemptChain{ChainID: "chain-" + batchID, BatchID: batchID}
	for _, a := range s.attempts {
		if a.BatchID == batchID {
			chain.Attempts = append(chain.Attempts, a)
		}
	}
	if len(chain.Attempts) == 0 {
		return nil, storage.ErrNotFound
	}
	sort.Slice(chain.Attempts, func(i, j int) bool {
		return chain.Attempts[i].AttemptNumber < chain.Attempts[j].AttemptNumber
	})
	return chain, nil
}

func (s *memStore) ListChains(_ context.Context) ([]*types.AttemptChain, error) {
	byBatch := make(map[string]*types.AttemptChain)
	var order []string
	for _, a := range s.attempts {
		c, ok := byBatch[a.BatchID]
		if !ok {
			c = &types.AttemptChain{ChainID: "chain-" + a.BatchID, BatchID: a.BatchID}
			byBatch[a.BatchID] = c
			order = append(order, a.BatchID)
		}
		c.Attempts = append(c.Attempts, a)
	}
	out := make([]*types.AttemptChain, 0, len(order))
	for _, id := range order {
		c := byBatch[id]
		sort.Slice(c.Attempts, func(i, j int) bool {
			return c.Attempts[i].AttemptNumber < c.Attempts[j].AttemptNumber
		})
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) AppendVerification(_ context.Context, rec *types.VerificationRecord) error {
	s.verifications = append(s.verifications, rec)
	return nil
}

func (s *memStore) ListVerifications(_ context.Context) ([]*types.VerificationRecord, error) {
	return s.verifications, nil
}

func (s *memStore) LoadWindowState(_ context.Context) (*types.WindowState, error) {
	if s.window == nil {
		return nil, storage.ErrNotFound
	}
	return s.window, nil
}

func (s *memStore) SaveWindowState(_ context.Context, ws *types.WindowState) error {
	s.window = ws
	return nil
}

func (s *memStore) ListDispatchHistory(_ context.Context) ([]*types.DispatchRecord, error) {
	return s.history, nil
}

func (s *memStore) AppendDispatchRecord(_ context.Context, rec *types.DispatchRecord) error {
	for _, r := range s.history {
		if r.BatchID == rec.BatchID && r.CycleID == rec.CycleID {
			return storage.ErrDuplicateSession
		}
	}
	s.history = append(s.history, rec)
	return nil
}

func (s *memStore) Close() error { return nil }

// fakeAgent scripts session creation and status polling.
type fakeAgent struct {
	statuses map[string]types.SessionStatus
	prURLs   map[string]string
	created  []agent.CreateSessionRequest
	nextID   int

	createErr error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		statuses: make(map[string]types.SessionStatus),
		prURLs:   make(map[string]string),
	}
}

func (f *fakeAgent) CreateSession(_ context.Context, req agent.CreateSessionRequest) (*agent.Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	f.nextID++
	id := fmt.Sprintf("s-%d", f.nextID)
	return &agent.Session{ID: id, URL: "https://agent/" + id, Status: types.SessionCreated}, nil
}

func (f *fakeAgent) GetSession(_ context.Context, id string) (*agent.Session, error) {
	status, ok := f.statuses[id]
	if !ok {
		status = types.SessionRunning
	}
	return &agent.Session{ID: id, Status: status, PRURL: f.prURLs[id]}, nil
}

func (f *fakeAgent) SendMessage(context.Context, string, string) error { return nil }

func openFinding(fp, cwe string, severity types.SeverityTier) *types.Finding {
	return &types.Finding{
		Fingerprint: fp,
		RuleID:      "go/" + cwe,
		Severity:    severity,
		CWEFamily:   cwe,
		File:        "a.go",
		StartLine:   1,
		State:       types.StateOpen,
		FirstSeenAt: cycleNow.Add(-24 * time.Hour),
		Appearances: 1,
		Repo:        "acme/payments",
	}
}

func newTestOrchestrator(store *memStore, svc agent.Service, maxSessions int) *Orchestrator {
	gate := dispatch.NewGate(store, maxSessions, 24)
	o := New(store, svc, gate, Options{MaxAttempts: 2})
	o.now = func() time.Time { return cycleNow }
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func TestPlanGroupsFindingsIntoBatches(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-1", "cwe-089", types.SeverityHigh)))
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-2", "cwe-089", types.SeverityHigh)))
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-3", "cwe-079", types.SeverityMedium)))

	// Already fixed findings never enter a batch.
	fixed := openFinding("fp-4", "cwe-089", types.SeverityHigh)
	fixed.State = types.StateFixed
	require.NoError(t, store.UpsertFinding(ctx, fixed))

	o := newTestOrchestrator(store, newFakeAgent(), 10)
	plan, err := o.Plan(ctx, "acme/payments")
	require.NoError(t, err)

	require.Len(t, plan.NewBatches, 2)
	byCWE := make(map[string]*types.Batch)
	for _, b := range plan.NewBatches {
		byCWE[b.CWEFamily] = b
	}
	assert.Equal(t, []string{"fp-1", "fp-2"}, byCWE["cwe-089"].Fingerprints)
	assert.Equal(t, []string{"fp-3"}, byCWE["cwe-079"].Fingerprints)
	assert.Equal(t, 10, plan.QuotaRemaining)

	// Replanning the same state yields identical batch ids.
	plan2, err := o.Plan(ctx, "acme/payments")
	require.NoError(t, err)
	assert.Equal(t, plan.NewBatches[0].ID, plan2.NewBatches[0].ID)
	assert.Equal(t, plan.NewBatches[1].ID, plan2.NewBatches[1].ID)
}

func TestCycleDispatchesFreshBatches(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-1", "cwe-089", types.SeverityHigh)))
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-2", "cwe-079", types.SeverityMedium)))

	svc := newFakeAgent()
	o := newTestOrchestrator(store, svc, 10)

	result, err := o.Cycle(ctx, "acme/payments", "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeComplete, result.Outcome)
	assert.Len(t, result.Dispatched, 2)
	assert.Len(t, store.attempts, 2)
	assert.Len(t, store.history, 2)
	assert.Equal(t, 8, result.QuotaRemaining)

	for _, a := range store.attempts {
		assert.Equal(t, 1, a.AttemptNumber)
		assert.Empty(t, a.OriginalSessionID)
	}
	for _, req := range svc.created {
		assert.Contains(t, req.Prompt, "acme/payments")
		assert.Contains(t, req.Tags, "attempt-1")
		assert.NotEmpty(t, req.IdempotencyKey)
	}
}

func TestCycleReentryDoesNotRedispatch(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-1", "cwe-089", types.SeverityHigh)))

	svc := newFakeAgent()
	o := newTestOrchestrator(store, svc, 10)

	first, err := o.Cycle(ctx, "acme/payments", "cycle-1")
	require.NoError(t, err)
	require.Len(t, first.Dispatched, 1)

	// Re-entering the same cycle finds the batch in the dispatch history.
	second, err := o.Cycle(ctx, "acme/payments", "cycle-1")
	require.NoError(t, err)
	assert.Empty(t, second.Dispatched)
	assert.Len(t, store.history, 1, "no duplicate dispatch record")
	assert.Len(t, svc.created, 1, "no duplicate session")
}

func TestCycleQuotaExhaustionIsASkipNotAnError(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-1", "cwe-089", types.SeverityHigh)))
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-2", "cwe-079", types.SeverityMedium)))

	o := newTestOrchestrator(store, newFakeAgent(), 1)

	result, err := o.Cycle(ctx, "acme/payments", "")
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, result.Outcome)
	assert.Len(t, result.Dispatched, 1)
	require.Len(t, result.Skips, 1)
	assert.Contains(t, result.Skips[0].Reason, "window exhausted")
	assert.Equal(t, 0, result.QuotaRemaining)
}

func TestCycleCreateFailureIsPerItemSkip(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-1", "cwe-089", types.SeverityHigh)))

	svc := newFakeAgent()
	svc.createErr = errors.New("service down")
	o := newTestOrchestrator(store, svc, 10)

	result, err := o.Cycle(ctx, "acme/payments", "")
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, result.Outcome)
	require.Len(t, result.Skips, 1)
	assert.Contains(t, result.Skips[0].Reason, "session creation")
	assert.Empty(t, store.attempts, "failed creation records nothing")
	assert.Empty(t, store.history)
}

func TestCycleSyncsStatusesAndStepsChains(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	f := openFinding("fp-1", "cwe-089", types.SeverityHigh)
	require.NoError(t, store.UpsertFinding(ctx, f))

	require.NoError(t, store.AppendAttempt(ctx, &types.Attempt{
		SessionID:     "s-old",
		BatchID:       "batch-1",
		CWEFamily:     "cwe-089",
		Severity:      types.SeverityHigh,
		Status:        types.SessionRunning,
		AttemptNumber: 1,
		CreatedAt:     cycleNow.Add(-2 * time.Hour),
	}))
	store.history = append(store.history, &types.DispatchRecord{
		BatchID:      "batch-1",
		CycleID:      "cycle-0",
		SessionID:    "s-old",
		Fingerprints: []string{"fp-1"},
		DispatchedAt: cycleNow.Add(-2 * time.Hour),
	})

	svc := newFakeAgent()
	svc.statuses["s-old"] = types.SessionFinished
	svc.prURLs["s-old"] = "https://pr/1"
	o := newTestOrchestrator(store, svc, 10)

	result, err := o.Cycle(ctx, "acme/payments", "")
	require.NoError(t, err)

	// Status sync recorded the terminal outcome and the PR.
	assert.Equal(t, types.SessionFinished, store.attempts[0].Status)
	assert.Equal(t, "https://pr/1", store.attempts[0].PRURL)

	// The chain got a follow-up attempt since the session is terminal and
	// the finding is still open.
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "followup_created", string(result.Steps[0].Action))
	require.Len(t, store.attempts, 2)
	follow := store.attempts[1]
	assert.Equal(t, 2, follow.AttemptNumber)
	assert.Equal(t, "s-old", follow.OriginalSessionID)
	assert.Equal(t, "batch-1", follow.BatchID)
}

func TestCycleLeavesVerifiedFixedChainAlone(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-1", "cwe-089", types.SeverityHigh)))

	require.NoError(t, store.AppendAttempt(ctx, &types.Attempt{
		SessionID:     "s-done",
		BatchID:       "batch-1",
		CWEFamily:     "cwe-089",
		Severity:      types.SeverityHigh,
		Status:        types.SessionFinished,
		AttemptNumber: 1,
		PRURL:         "https://pr/1",
		CreatedAt:     cycleNow.Add(-3 * time.Hour),
	}))
	store.history = append(store.history, &types.DispatchRecord{
		BatchID:      "batch-1",
		CycleID:      "cycle-0",
		SessionID:    "s-done",
		Fingerprints: []string{"fp-1"},
		DispatchedAt: cycleNow.Add(-3 * time.Hour),
	})
	// The re-scan confirmed every targeted finding fixed.
	store.verifications = append(store.verifications, &types.VerificationRecord{
		SessionID:     "s-done",
		PRURL:         "https://pr/1",
		VerifiedAt:    cycleNow.Add(-time.Hour),
		Summary:       types.VerificationSummary{TotalTargeted: 1, FixedCount: 1},
		VerifiedFixed: []types.VerifiedFinding{{Fingerprint: "fp-1"}},
	})

	svc := newFakeAgent()
	o := newTestOrchestrator(store, svc, 10)

	result, err := o.Cycle(ctx, "acme/payments", "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoAction, result.Outcome)
	assert.Empty(t, result.Dispatched)
	assert.Empty(t, result.Steps)
	assert.Empty(t, svc.created, "a fully fixed batch must not get a follow-up session")
	assert.Len(t, store.attempts, 1, "no new attempt recorded")
	assert.Equal(t, 10, result.QuotaRemaining, "no quota consumed")
}

func TestCycleSkipsChainWithNoRemainingFindings(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	// The only dispatched finding has since disappeared from scans; there
	// is no verification record, but nothing is left to retry against.
	f := openFinding("fp-1", "cwe-089", types.SeverityHigh)
	resolved := cycleNow.Add(-time.Hour)
	f.ResolvedAt = &resolved
	f.State = types.StateFixed
	require.NoError(t, store.UpsertFinding(ctx, f))

	require.NoError(t, store.AppendAttempt(ctx, &types.Attempt{
		SessionID:     "s-done",
		BatchID:       "batch-1",
		CWEFamily:     "cwe-089",
		Severity:      types.SeverityHigh,
		Status:        types.SessionFinished,
		AttemptNumber: 1,
		PRURL:         "https://pr/1",
		CreatedAt:     cycleNow.Add(-3 * time.Hour),
	}))
	store.history = append(store.history, &types.DispatchRecord{
		BatchID:      "batch-1",
		CycleID:      "cycle-0",
		SessionID:    "s-done",
		Fingerprints: []string{"fp-1"},
		DispatchedAt: cycleNow.Add(-3 * time.Hour),
	})

	svc := newFakeAgent()
	o := newTestOrchestrator(store, svc, 10)

	result, err := o.Cycle(ctx, "acme/payments", "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoAction, result.Outcome)
	assert.Empty(t, result.Steps)
	assert.Empty(t, svc.created)
	assert.Len(t, store.attempts, 1)
}

func TestStatusReportsQuotaChainsAndSLA(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertFinding(ctx, openFinding("fp-1", "cwe-089", types.SeverityHigh)))

	o := newTestOrchestrator(store, newFakeAgent(), 5)

	report, err := o.Status(ctx, "acme/payments", nil)
	require.NoError(t, err)

	assert.Equal(t, 5, report.QuotaRemaining)
	assert.Equal(t, 1, report.OpenFindings)
	require.NotNil(t, report.SLA)
	assert.Equal(t, 1, report.SLA.Total)
	assert.Nil(t, report.PullRequests, "no fetcher configured")
}

// fakePRFetcher scripts pull-request lookups.
type fakePRFetcher struct {
	prs  map[string]*types.PullRequest
	errs map[string]error
}

func (f *fakePRFetcher) FetchPullRequestByURL(_ context.Context, prURL string) (*types.PullRequest, error) {
	if err := f.errs[prURL]; err != nil {
		return nil, err
	}
	pr, ok := f.prs[prURL]
	if !ok {
		return nil, errors.New("not found")
	}
	return pr, nil
}

func TestStatusEnrichesChainsWithPullRequests(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	require.NoError(t, store.AppendAttempt(ctx, &types.Attempt{
		SessionID:     "s-1",
		BatchID:       "batch-1",
		Status:        types.SessionFinished,
		AttemptNumber: 1,
		PRURL:         "https://github.com/acme/payments/pull/7",
	}))
	require.NoError(t, store.AppendAttempt(ctx, &types.Attempt{
		SessionID:     "s-2",
		BatchID:       "batch-2",
		Status:        types.SessionFinished,
		AttemptNumber: 1,
		PRURL:         "https://github.com/acme/payments/pull/9",
	}))

	merged := cycleNow.Add(-time.Hour)
	fetcher := &fakePRFetcher{
		prs: map[string]*types.PullRequest{
			"https://github.com/acme/payments/pull/7": {Number: 7, State: "closed", MergedAt: &merged},
		},
		errs: map[string]error{
			"https://github.com/acme/payments/pull/9": errors.New("rate limited"),
		},
	}

	gate := dispatch.NewGate(store, 5, 24)
	o := New(store, newFakeAgent(), gate, Options{MaxAttempts: 2, PRs: fetcher})
	o.now = func() time.Time { return cycleNow }

	report, err := o.Status(ctx, "acme/payments", nil)
	require.NoError(t, err)

	require.Len(t, report.PullRequests, 1)
	pr := report.PullRequests["https://github.com/acme/payments/pull/7"]
	require.NotNil(t, pr)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "closed", pr.State)
	require.NotNil(t, pr.MergedAt)

	// A code-host failure drops the entry without failing the report.
	assert.NotContains(t, report.PullRequests, "https://github.com/acme/payments/pull/9")
}
