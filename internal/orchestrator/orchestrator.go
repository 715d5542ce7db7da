// Package orchestrator drives remediation cycles: planning batches of
// open findings, dispatching fresh agent sessions under the rate-limit
// window, and stepping existing attempt chains through the retry
// protocol.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/remedyhq/remedy/internal/agent"
	"github.com/remedyhq/remedy/internal/dispatch"
	"github.com/remedyhq/remedy/internal/retry"
	"github.com/remedyhq/remedy/internal/sla"
	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/telemetry"
	"github.com/remedyhq/remedy/internal/types"
	"github.com/remedyhq/remedy/internal/verify"
)

// TierFunc selects the resource tier for a batch. The heuristic itself
// lives outside the orchestrator; callers inject it.
type TierFunc func(batch *types.Batch) string

// DefaultTier is used when no tier function is injected.
func DefaultTier(*types.Batch) string { return "standard" }

// PRFetcher resolves pull-request metadata from the code host. Display
// and attribution only; a nil fetcher or an unreachable host simply
// leaves PR details out of the status report.
type PRFetcher interface {
	FetchPullRequestByURL(ctx context.Context, prURL string) (*types.PullRequest, error)
}

// batchNamespace seeds deterministic batch ids so a re-entered cycle
// recomputes the same plan and the dispatch history can deduplicate it.
var batchNamespace = uuid.MustParse("8f3b5c1a-6f0e-4ad0-9f20-1d2c3e4f5a6b")

// Orchestrator wires the stores and clients into the cycle driver.
type Orchestrator struct {
	store   storage.Store
	agent   agent.Service
	gate    *dispatch.Gate
	machine *retry.Machine
	metrics *telemetry.CycleMetrics
	prs     PRFetcher

	maxAttempts   int
	dispatchDelay time.Duration
	tierFor       TierFunc

	group singleflight.Group
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Options configure an Orchestrator.
type Options struct {
	MaxAttempts   int
	DispatchDelay time.Duration
	TierFor       TierFunc
	PRs           PRFetcher // optional, enriches status output
}

// New creates an orchestrator.
func New(store storage.Store, svc agent.Service, gate *dispatch.Gate, opts Options) *Orchestrator {
	if opts.TierFor == nil {
		opts.TierFor = DefaultTier
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Orchestrator{
		store:         store,
		agent:         svc,
		gate:          gate,
		machine:       retry.NewMachine(svc, gate),
		metrics:       telemetry.NewCycleMetrics(),
		prs:           opts.PRs,
		maxAttempts:   opts.MaxAttempts,
		dispatchDelay: opts.DispatchDelay,
		tierFor:       opts.TierFor,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Plan is the side-effect-free description of what a cycle would do.
type Plan struct {
	Repo           string                `json:"repo"`
	NewBatches     []*types.Batch        `json:"new_batches"`
	RetryChains    []*types.AttemptChain `json:"retry_chains"`
	QuotaRemaining int                   `json:"quota_remaining"`
}

// Skip records one per-item failure or refusal inside a cycle. Skips
// never abort the cycle; they are reported alongside what did succeed.
type Skip struct {
	BatchID string `json:"batch_id"`
	Reason  string `json:"reason"`
}

// Outcome classifies a completed cycle.
type Outcome string

// Cycle outcomes
const (
	OutcomeNoAction Outcome = "no_action" // nothing needed doing
	OutcomeComplete Outcome = "complete"  // everything planned was done
	OutcomePartial  Outcome = "partial"   // some items were skipped
)

// DispatchedSession describes one fresh session created by a cycle.
type DispatchedSession struct {
	BatchID    string `json:"batch_id"`
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url,omitempty"`
}

// CycleResult reports what one cycle did.
type CycleResult struct {
	CycleID        string               `json:"cycle_id"`
	Repo           string               `json:"repo"`
	Outcome        Outcome              `json:"outcome"`
	Dispatched     []DispatchedSession  `json:"dispatched,omitempty"`
	Steps          []*retry.StepResult  `json:"steps,omitempty"`
	Skips          []Skip               `json:"skips,omitempty"`
	QuotaRemaining int                  `json:"quota_remaining"`
}

// Plan computes the work a cycle would perform for one repository
// without performing any of it.
func (o *Orchestrator) Plan(ctx context.Context, repo string) (*Plan, error) {
	now := o.now()

	findings, err := o.store.ListFindings(ctx, types.FindingFilter{Repo: repo, Unresolved: true})
	if err != nil {
		return nil, fmt.Errorf("listing findings: %w", err)
	}
	records, err := o.store.ListVerifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing verifications: %w", err)
	}
	res := verify.Correlate(records, findings)

	history, err := o.store.ListDispatchHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dispatch history: %w", err)
	}
	covered := make(map[string]bool)
	for _, rec := range history {
		for _, fp := range rec.Fingerprints {
			covered[fp] = true
		}
	}

	// Group never-dispatched, still-broken findings by CWE family and
	// severity. Batch ids are derived from content so replanning the same
	// state yields the same ids.
	groups := make(map[string][]*types.Finding)
	for _, f := range findings {
		if covered[f.Fingerprint] || res.IsFixed(f) {
			continue
		}
		key := f.CWEFamily + "|" + string(types.NormalizeSeverity(string(f.Severity)))
		groups[key] = append(groups[key], f)
	}

	plan := &Plan{Repo: repo}
	for key, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			return members[i].Fingerprint < members[j].Fingerprint
		})
		fps := make([]string, len(members))
		for i, f := range members {
			fps[i] = f.Fingerprint
		}
		cwe, severity, _ := strings.Cut(key, "|")
		plan.NewBatches = append(plan.NewBatches, &types.Batch{
			ID:           batchID(repo, key, fps),
			Repo:         repo,
			CWEFamily:    cwe,
			Severity:     types.SeverityTier(severity),
			Fingerprints: fps,
		})
	}
	sort.Slice(plan.NewBatches, func(i, j int) bool {
		return plan.NewBatches[i].ID < plan.NewBatches[j].ID
	})

	chains, err := o.store.ListChains(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing chains: %w", err)
	}
	// Every non-empty chain is planned for a retry step; the machine
	// classifies exhausted and ineligible chains itself.
	for _, c := range chains {
		if c.Latest() == nil {
			continue
		}
		plan.RetryChains = append(plan.RetryChains, c)
	}

	remaining, err := o.gate.Remaining(ctx, now)
	if err != nil {
		return nil, err
	}
	plan.QuotaRemaining = remaining
	return plan, nil
}

// batchID derives a stable id from the batch's identity and content.
func batchID(repo, key string, fingerprints []string) string {
	material := repo + "\x00" + key + "\x00" + strings.Join(fingerprints, "\x00")
	return uuid.NewSHA1(batchNamespace, []byte(material)).String()
}

// Cycle runs one full orchestration pass for a repository: sync session
// statuses, dispatch fresh batches under quota, then step every eligible
// attempt chain. Overlapping invocations for the same repository are
// collapsed into one execution; callers of the collapsed invocations all
// receive the winner's result.
//
// Pass a non-empty cycleID to re-enter a previously interrupted cycle;
// already-dispatched batches are then skipped via the dispatch history.
func (o *Orchestrator) Cycle(ctx context.Context, repo, cycleID string) (*CycleResult, error) {
	if cycleID == "" {
		cycleID = uuid.NewString()
	}
	v, err, _ := o.group.Do("cycle:"+repo, func() (interface{}, error) {
		return o.runCycle(ctx, repo, cycleID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CycleResult), nil
}

func (o *Orchestrator) runCycle(ctx context.Context, repo, cycleID string) (*CycleResult, error) {
	result := &CycleResult{CycleID: cycleID, Repo: repo}

	if err := o.syncChains(ctx, result); err != nil {
		return nil, err
	}

	plan, err := o.Plan(ctx, repo)
	if err != nil {
		return nil, err
	}

	if err := o.dispatchBatches(ctx, cycleID, plan, result); err != nil {
		return nil, err
	}
	if err := o.stepChains(ctx, cycleID, plan, result); err != nil {
		return nil, err
	}

	remaining, err := o.gate.Remaining(ctx, o.now())
	if err != nil {
		return nil, err
	}
	result.QuotaRemaining = remaining
	result.Outcome = classify(result)
	return result, nil
}

// Dispatch creates fresh sessions for the plan's new batches. Exposed
// separately so the CLI can plan and dispatch as distinct commands.
func (o *Orchestrator) Dispatch(ctx context.Context, cycleID string, plan *Plan) (*CycleResult, error) {
	if cycleID == "" {
		cycleID = uuid.NewString()
	}
	result := &CycleResult{CycleID: cycleID, Repo: plan.Repo}
	if err := o.dispatchBatches(ctx, cycleID, plan, result); err != nil {
		return nil, err
	}
	remaining, err := o.gate.Remaining(ctx, o.now())
	if err != nil {
		return nil, err
	}
	result.QuotaRemaining = remaining
	result.Outcome = classify(result)
	return result, nil
}

// syncChains refreshes recorded attempt statuses from the agent service
// so eligibility decisions run against current outcomes. Failures to
// reach the service degrade to per-chain skips.
func (o *Orchestrator) syncChains(ctx context.Context, result *CycleResult) error {
	chains, err := o.store.ListChains(ctx)
	if err != nil {
		return fmt.Errorf("listing chains: %w", err)
	}
	for _, c := range chains {
		latest := c.Latest()
		if latest == nil || latest.Status.IsTerminal() {
			continue
		}
		live, err := o.agent.GetSession(ctx, latest.SessionID)
		if err != nil {
			result.Skips = append(result.Skips, Skip{BatchID: c.BatchID, Reason: fmt.Sprintf("status sync: %v", err)})
			o.metrics.Skipped(ctx, result.Repo, "status_sync")
			continue
		}
		if live.Status != latest.Status {
			if err := o.store.UpdateAttemptStatus(ctx, latest.SessionID, live.Status); err != nil {
				return fmt.Errorf("updating attempt status: %w", err)
			}
			latest.Status = live.Status
		}
		if live.PRURL != "" && latest.PRURL == "" {
			if err := o.store.SetAttemptPR(ctx, latest.SessionID, live.PRURL); err != nil {
				return fmt.Errorf("recording attempt PR: %w", err)
			}
			latest.PRURL = live.PRURL
		}
	}
	return nil
}

// dispatchBatches creates one fresh session per new batch, sequentially,
// pausing between creations. Quota is checked immediately before each
// creation and recorded immediately after.
func (o *Orchestrator) dispatchBatches(ctx context.Context, cycleID string, plan *Plan, result *CycleResult) error {
	findingsByFP, err := o.findingIndex(ctx, plan.Repo)
	if err != nil {
		return err
	}

	for i, batch := range plan.NewBatches {
		done, err := o.gate.Dispatched(ctx, batch.ID, cycleID)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		now := o.now()
		if err := o.gate.CheckQuota(ctx, now); err != nil {
			if errors.Is(err, dispatch.ErrQuotaExhausted) {
				result.Skips = append(result.Skips, Skip{BatchID: batch.ID, Reason: "dispatch window exhausted"})
				o.metrics.Skipped(ctx, plan.Repo, "rate_limited")
				continue
			}
			return err
		}

		members := make([]*types.Finding, 0, len(batch.Fingerprints))
		for _, fp := range batch.Fingerprints {
			if f, ok := findingsByFP[fp]; ok {
				members = append(members, f)
			}
		}

		session, err := o.agent.CreateSession(ctx, agent.CreateSessionRequest{
			Prompt:         BuildBatchPrompt(batch, members),
			Title:          batchTitle(batch),
			Tags:           batchTags(batch),
			MaxCompute:     o.tierFor(batch),
			IdempotencyKey: fmt.Sprintf("%s/%s/attempt-1", batch.ID, cycleID),
		})
		if err != nil {
			result.Skips = append(result.Skips, Skip{BatchID: batch.ID, Reason: fmt.Sprintf("session creation: %v", err)})
			o.metrics.Skipped(ctx, plan.Repo, "create_failed")
			continue
		}

		if err := o.gate.RecordDispatch(ctx, &types.DispatchRecord{
			BatchID:      batch.ID,
			CycleID:      cycleID,
			SessionID:    session.ID,
			Fingerprints: batch.Fingerprints,
			DispatchedAt: now,
		}); err != nil {
			return fmt.Errorf("recording dispatch for batch %s: %w", batch.ID, err)
		}

		attempt := &types.Attempt{
			SessionID:     session.ID,
			SessionURL:    session.URL,
			BatchID:       batch.ID,
			CWEFamily:     batch.CWEFamily,
			Severity:      batch.Severity,
			Status:        session.Status,
			AttemptNumber: 1,
			CreatedAt:     now,
		}
		if err := o.store.AppendAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("recording attempt for batch %s: %w", batch.ID, err)
		}

		result.Dispatched = append(result.Dispatched, DispatchedSession{
			BatchID:    batch.ID,
			SessionID:  session.ID,
			SessionURL: session.URL,
		})
		o.metrics.Dispatched(ctx, plan.Repo)

		if i < len(plan.NewBatches)-1 {
			if err := o.sleep(ctx, o.dispatchDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// stepChains runs one retry step per eligible chain.
func (o *Orchestrator) stepChains(ctx context.Context, cycleID string, plan *Plan, result *CycleResult) error {
	if len(plan.RetryChains) == 0 {
		return nil
	}

	records, err := o.store.ListVerifications(ctx)
	if err != nil {
		return fmt.Errorf("listing verifications: %w", err)
	}
	findingsByFP, err := o.findingIndex(ctx, plan.Repo)
	if err != nil {
		return err
	}
	history, err := o.store.ListDispatchHistory(ctx)
	if err != nil {
		return fmt.Errorf("listing dispatch history: %w", err)
	}
	batchFPs := make(map[string][]string)
	for _, rec := range history {
		if len(rec.Fingerprints) > 0 {
			batchFPs[rec.BatchID] = rec.Fingerprints
		}
	}
	res := verify.Correlate(records, nil)

	for _, chain := range plan.RetryChains {
		latest := chain.Latest()
		verification := res.SessionMap[latest.SessionID]

		remaining := make([]*types.Finding, 0)
		for _, fp := range batchFPs[chain.BatchID] {
			f, ok := findingsByFP[fp]
			if !ok || res.IsFixed(f) {
				continue
			}
			remaining = append(remaining, f)
		}

		// A chain is only stepped while its last verification showed a
		// partial or failed fix. Fully verified batches, and batches whose
		// dispatched findings are all gone, are finished work: no step, no
		// quota, no skip.
		if verification != nil && verification.Label == types.LabelVerifiedFix {
			continue
		}
		if len(batchFPs[chain.BatchID]) > 0 && len(remaining) == 0 {
			continue
		}

		step, err := o.machine.Step(ctx, retry.StepInput{
			Chain:        chain,
			Verification: verification,
			Remaining:    remaining,
			MaxCompute: o.tierFor(&types.Batch{
				ID:        chain.BatchID,
				Repo:      plan.Repo,
				CWEFamily: latest.CWEFamily,
				Severity:  latest.Severity,
			}),
			MaxAttempts: o.maxAttempts,
			CycleID:     cycleID,
			Now:         o.now(),
		})
		if err != nil {
			result.Skips = append(result.Skips, Skip{BatchID: chain.BatchID, Reason: fmt.Sprintf("retry step: %v", err)})
			o.metrics.Skipped(ctx, plan.Repo, "step_failed")
			continue
		}

		result.Steps = append(result.Steps, step)
		switch step.Action {
		case retry.ActionMessageSent:
			o.metrics.Nudged(ctx, plan.Repo)
		case retry.ActionMaxRetries:
			o.metrics.Exhausted(ctx, plan.Repo)
		case retry.ActionFollowupCreated:
			o.metrics.FollowedUp(ctx, plan.Repo)
			if err := o.store.AppendAttempt(ctx, step.NewAttempt); err != nil {
				return fmt.Errorf("recording follow-up attempt for batch %s: %w", chain.BatchID, err)
			}
			if err := o.sleep(ctx, o.dispatchDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// findingIndex loads the repo's findings keyed by fingerprint.
func (o *Orchestrator) findingIndex(ctx context.Context, repo string) (map[string]*types.Finding, error) {
	findings, err := o.store.ListFindings(ctx, types.FindingFilter{Repo: repo})
	if err != nil {
		return nil, fmt.Errorf("listing findings: %w", err)
	}
	byFP := make(map[string]*types.Finding, len(findings))
	for _, f := range findings {
		byFP[f.Fingerprint] = f
	}
	return byFP, nil
}

func classify(r *CycleResult) Outcome {
	acted := len(r.Dispatched) > 0 || len(r.Steps) > 0
	switch {
	case len(r.Skips) > 0:
		return OutcomePartial
	case acted:
		return OutcomeComplete
	default:
		return OutcomeNoAction
	}
}

// StatusReport is the operator-facing view of orchestration state.
type StatusReport struct {
	Repo           string                        `json:"repo,omitempty"`
	QuotaRemaining int                           `json:"quota_remaining"`
	OpenFindings   int                           `json:"open_findings"`
	Chains         []*types.AttemptChain         `json:"chains,omitempty"`
	PullRequests   map[string]*types.PullRequest `json:"pull_requests,omitempty"` // keyed by pr_url
	Verification   verify.AggregateStats         `json:"verification"`
	SLA            *sla.Summary                  `json:"sla,omitempty"`
}

// Status assembles the current quota, chain, verification, and SLA view.
func (o *Orchestrator) Status(ctx context.Context, repo string, thresholds sla.Thresholds) (*StatusReport, error) {
	now := o.now()

	remaining, err := o.gate.Remaining(ctx, now)
	if err != nil {
		return nil, err
	}

	findings, err := o.store.ListFindings(ctx, types.FindingFilter{Repo: repo})
	if err != nil {
		return nil, fmt.Errorf("listing findings: %w", err)
	}
	records, err := o.store.ListVerifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing verifications: %w", err)
	}
	chains, err := o.store.ListChains(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing chains: %w", err)
	}

	res := verify.Correlate(records, findings)
	open := 0
	for _, f := range findings {
		if f.ResolvedAt == nil && !res.IsFixed(f) {
			open++
		}
	}

	report := &StatusReport{
		Repo:           repo,
		QuotaRemaining: remaining,
		OpenFindings:   open,
		Chains:         chains,
		Verification:   res.Aggregate,
		SLA:            sla.Summarize(findings, now, thresholds),
	}
	report.PullRequests = o.fetchPullRequests(ctx, chains)
	return report, nil
}

// fetchPullRequests resolves PR metadata for each chain's latest pull
// request. Fetch failures drop the entry rather than failing the report;
// orchestration state never depends on the code host being reachable.
func (o *Orchestrator) fetchPullRequests(ctx context.Context, chains []*types.AttemptChain) map[string]*types.PullRequest {
	if o.prs == nil {
		return nil
	}
	out := make(map[string]*types.PullRequest)
	for _, c := range chains {
		latest := c.Latest()
		if latest == nil || latest.PRURL == "" {
			continue
		}
		if _, done := out[latest.PRURL]; done {
			continue
		}
		pr, err := o.prs.FetchPullRequestByURL(ctx, latest.PRURL)
		if err != nil {
			continue
		}
		out[latest.PRURL] = pr
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
