// Package retry implements the bounded retry-with-feedback protocol for
// remediation attempts: nudge an active session, spawn a follow-up
// session, or declare the chain exhausted.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remedyhq/remedy/internal/agent"
	"github.com/remedyhq/remedy/internal/dispatch"
	"github.com/remedyhq/remedy/internal/types"
	"github.com/remedyhq/remedy/internal/verify"
)

// Action is the outcome of one retry step.
type Action string

// Step actions
const (
	// ActionMessageSent means feedback was sent to the still-active
	// session; the attempt number does not advance and no quota is
	// consumed.
	ActionMessageSent Action = "message_sent"

	// ActionFollowupCreated means a new session was created to continue
	// the chain; the attempt number advances and quota is consumed.
	ActionFollowupCreated Action = "followup_created"

	// ActionMaxRetries means the chain is exhausted; human follow-up is
	// required. Terminal for the chain, reported, not an error.
	ActionMaxRetries Action = "max_retries_exceeded"

	// ActionRateLimited means a follow-up was due but the dispatch
	// window has no quota. Normal no-action outcome, retried next cycle.
	ActionRateLimited Action = "rate_limited"

	// ActionSkipped means the chain is not eligible for a retry step.
	ActionSkipped Action = "skipped"
)

// QuotaGate is the slice of the dispatch gate the machine needs.
type QuotaGate interface {
	CheckQuota(ctx context.Context, now time.Time) error
	RecordDispatch(ctx context.Context, rec *types.DispatchRecord) error
}

// StepInput carries everything one retry step needs.
type StepInput struct {
	Chain          *types.AttemptChain
	Verification   *verify.SessionSummary // latest verification for the chain, may be nil
	Remaining      []*types.Finding       // findings in the batch still open
	OriginalPrompt string
	MaxCompute     string // resource tier chosen by the external heuristic
	MaxAttempts    int
	CycleID        string
	Now            time.Time
}

// StepResult reports what one retry step did.
type StepResult struct {
	Action        Action         `json:"action"`
	SessionID     string         `json:"session_id,omitempty"` // messaged or newly created session
	SessionURL    string         `json:"session_url,omitempty"`
	AttemptNumber int            `json:"attempt_number"`
	Reason        string         `json:"reason,omitempty"`
	NewAttempt    *types.Attempt `json:"new_attempt,omitempty"` // set for followup_created; caller persists it
}

// Machine executes retry steps against the agent service under the
// dispatch gate.
type Machine struct {
	agent agent.Service
	gate  QuotaGate
}

// NewMachine creates a retry machine.
func NewMachine(svc agent.Service, gate QuotaGate) *Machine {
	return &Machine{agent: svc, gate: gate}
}

// Step executes one retry step for an attempt chain.
//
// The decision order is fixed: chain exhaustion is checked first,
// regardless of session status; then eligibility of the most recent
// recorded outcome; then the live session status picks between nudging
// the active session and creating a follow-up. A send or create failure
// is surfaced to the caller as an error, never silently swallowed; the
// machine only advances on a successful creation.
func (m *Machine) Step(ctx context.Context, in StepInput) (*StepResult, error) {
	latest := in.Chain.Latest()
	if latest == nil {
		return &StepResult{Action: ActionSkipped, Reason: "chain has no attempts"}, nil
	}

	res := &StepResult{AttemptNumber: latest.AttemptNumber}

	if latest.AttemptNumber > in.MaxAttempts {
		res.Action = ActionMaxRetries
		res.Reason = fmt.Sprintf("attempt %d exceeds max %d", latest.AttemptNumber, in.MaxAttempts)
		return res, nil
	}

	// Attempts with nothing to verify are skipped entirely, not retried.
	if latest.SessionID == "" {
		res.Action = ActionSkipped
		res.Reason = "attempt has no session id"
		return res, nil
	}
	if latest.PRURL == "" {
		res.Action = ActionSkipped
		res.Reason = "attempt has no pull request"
		return res, nil
	}
	if latest.Status.IsTerminal() && !latest.Status.RetryEligible() {
		res.Action = ActionSkipped
		res.Reason = fmt.Sprintf("recorded status %q is not retryable", latest.Status)
		return res, nil
	}
	if in.Verification != nil && in.Verification.Label == types.LabelVerifiedFix {
		res.Action = ActionSkipped
		res.Reason = "verification confirmed every targeted finding fixed"
		return res, nil
	}

	live, err := m.agent.GetSession(ctx, latest.SessionID)
	if err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", latest.SessionID, err)
	}

	if !live.Status.IsTerminal() {
		return m.nudge(ctx, in, latest, res)
	}
	return m.followup(ctx, in, latest, res)
}

// nudge sends verification feedback to the same, still-active session.
func (m *Machine) nudge(ctx context.Context, in StepInput, latest *types.Attempt, res *StepResult) (*StepResult, error) {
	msg := BuildFeedback(in.Verification, in.Remaining)
	if err := m.agent.SendMessage(ctx, latest.SessionID, msg); err != nil {
		return nil, fmt.Errorf("sending feedback to session %s: %w", latest.SessionID, err)
	}
	res.Action = ActionMessageSent
	res.SessionID = latest.SessionID
	res.SessionURL = latest.SessionURL
	return res, nil
}

// followup creates a brand-new session continuing the chain.
func (m *Machine) followup(ctx context.Context, in StepInput, latest *types.Attempt, res *StepResult) (*StepResult, error) {
	if err := m.gate.CheckQuota(ctx, in.Now); err != nil {
		if errors.Is(err, dispatch.ErrQuotaExhausted) {
			res.Action = ActionRateLimited
			res.Reason = "dispatch window exhausted"
			return res, nil
		}
		return nil, err
	}

	next := latest.AttemptNumber + 1
	originalSession := latest.OriginalSessionID
	if originalSession == "" {
		originalSession = latest.SessionID
	}

	req := agent.CreateSessionRequest{
		Prompt:         BuildFollowupPrompt(in.OriginalPrompt, in.Verification, latest.PRURL, in.Remaining),
		Title:          fmt.Sprintf("Fix remaining %s findings (attempt %d)", latest.CWEFamily, next),
		Tags:           FollowupTags(latest.CWEFamily, latest.BatchID, next, originalSession),
		MaxCompute:     in.MaxCompute,
		IdempotencyKey: fmt.Sprintf("%s/%s/attempt-%d", latest.BatchID, in.CycleID, next),
	}

	session, err := m.agent.CreateSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating follow-up for batch %s: %w", latest.BatchID, err)
	}

	if err := m.gate.RecordDispatch(ctx, &types.DispatchRecord{
		BatchID:      latest.BatchID,
		CycleID:      in.CycleID,
		SessionID:    session.ID,
		DispatchedAt: in.Now,
	}); err != nil {
		return nil, fmt.Errorf("recording follow-up dispatch: %w", err)
	}

	res.Action = ActionFollowupCreated
	res.SessionID = session.ID
	res.SessionURL = session.URL
	res.AttemptNumber = next
	res.NewAttempt = &types.Attempt{
		SessionID:         session.ID,
		SessionURL:        session.URL,
		BatchID:           latest.BatchID,
		CWEFamily:         latest.CWEFamily,
		Severity:          latest.Severity,
		Status:            session.Status,
		AttemptNumber:     next,
		OriginalSessionID: originalSession,
		CreatedAt:         in.Now,
	}
	return res, nil
}
