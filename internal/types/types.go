// Package types defines core data structures for the remedy orchestrator.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Finding represents one static-analysis result tracked across scans.
//
// Identity is the fingerprint: two findings with equal fingerprints are the
// same logical issue, regardless of line drift between scans. Findings are
// never physically deleted; superseded rows remain for audit history.
type Finding struct {
	Fingerprint string       `json:"fingerprint"`
	RuleID      string       `json:"rule_id"`
	Severity    SeverityTier `json:"severity_tier"`
	CWEFamily   string       `json:"cwe_family,omitempty"`
	File        string       `json:"file"`
	StartLine   int          `json:"start_line"`
	Message     string       `json:"message,omitempty"`
	State       FindingState `json:"state,omitempty"`
	FirstSeenAt time.Time    `json:"first_seen_at"`
	LastSeenAt  time.Time    `json:"last_seen_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	Appearances int          `json:"appearances"`
	Repo        string       `json:"repo,omitempty"`
}

// Validate checks that the finding can be used as a tracked entity.
// An empty fingerprint is rejected rather than silently dropped; the
// ingestion layer surfaces these as skipped records.
func (f *Finding) Validate() error {
	if strings.TrimSpace(f.Fingerprint) == "" {
		return fmt.Errorf("fingerprint is required")
	}
	if f.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	if !f.Severity.IsValid() {
		return fmt.Errorf("invalid severity tier: %s", f.Severity)
	}
	if f.StartLine < 0 {
		return fmt.Errorf("start_line cannot be negative (got %d)", f.StartLine)
	}
	return nil
}

// FixDurationHours returns the hours between first observation and
// resolution. The second return is false while the finding is unresolved
// or its first-seen timestamp is missing.
func (f *Finding) FixDurationHours() (float64, bool) {
	if f.ResolvedAt == nil || f.FirstSeenAt.IsZero() {
		return 0, false
	}
	return f.ResolvedAt.Sub(f.FirstSeenAt).Hours(), true
}

// IsFixed reports whether the finding's independently-tracked state marks
// it as fixed. Verification attribution is reconciled with this signal by
// OR in the correlator, never overwritten against it.
func (f *Finding) IsFixed() bool {
	return f.State == StateFixed || f.State == StateVerifiedFixed
}

// SeverityTier classifies finding severity for SLA purposes.
type SeverityTier string

// Severity tier constants (canonical lower-case keys)
const (
	SeverityCritical SeverityTier = "critical"
	SeverityHigh     SeverityTier = "high"
	SeverityMedium   SeverityTier = "medium"
	SeverityLow      SeverityTier = "low"
)

// NormalizeSeverity folds a raw severity string to its canonical
// lower-case tier. Mixed-case severities in one batch must collapse to a
// single key before grouping.
func NormalizeSeverity(raw string) SeverityTier {
	return SeverityTier(strings.ToLower(strings.TrimSpace(raw)))
}

// IsValid checks if the severity tier is one of the known tiers.
func (s SeverityTier) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// FindingState is the independently-tracked remediation state of a finding.
type FindingState string

// Finding state constants
const (
	StateOpen          FindingState = "open"
	StateFixed         FindingState = "fixed"
	StateVerifiedFixed FindingState = "verified_fixed"
)

// IsValid checks if the finding state value is valid. The empty string is
// accepted and treated as open for records ingested before state tracking.
func (s FindingState) IsValid() bool {
	switch s {
	case StateOpen, StateFixed, StateVerifiedFixed, "":
		return true
	}
	return false
}

// SessionStatus is the raw status string reported by the remediation-agent
// service for one session.
type SessionStatus string

// Session status constants
const (
	SessionCreated  SessionStatus = "created"
	SessionRunning  SessionStatus = "running"
	SessionFinished SessionStatus = "finished"
	SessionBlocked  SessionStatus = "blocked"
	SessionFailed   SessionStatus = "failed"
	SessionExpired  SessionStatus = "expired"
	SessionStopped  SessionStatus = "stopped"
)

// StatusClass is a closed classification of vendor status strings.
type StatusClass int

// Status classes. Unknown vendor strings classify as active so that the
// retry machine fails closed ("don't retry yet") instead of spawning
// follow-ups against a session whose state it cannot interpret.
const (
	ClassActive StatusClass = iota
	ClassTerminal
)

// statusClasses is the explicit mapping table from raw vendor statuses.
var statusClasses = map[SessionStatus]StatusClass{
	SessionCreated:  ClassActive,
	SessionRunning:  ClassActive,
	SessionFinished: ClassTerminal,
	SessionBlocked:  ClassTerminal,
	SessionFailed:   ClassTerminal,
	SessionExpired:  ClassTerminal,
	SessionStopped:  ClassTerminal,
}

// Class returns the closed classification for the status. Statuses not in
// the mapping table (future vendor additions) classify as active.
func (s SessionStatus) Class() StatusClass {
	if c, ok := statusClasses[SessionStatus(strings.ToLower(string(s)))]; ok {
		return c
	}
	return ClassActive
}

// IsTerminal reports whether the session can no longer make progress.
func (s SessionStatus) IsTerminal() bool {
	return s.Class() == ClassTerminal
}

// RetryEligible reports whether a terminal status qualifies its attempt
// for a retry step. Expired and stopped sessions are excluded: they were
// abandoned rather than completed, so there is nothing to verify against.
func (s SessionStatus) RetryEligible() bool {
	switch SessionStatus(strings.ToLower(string(s))) {
	case SessionFinished, SessionBlocked, SessionFailed:
		return true
	}
	return false
}

// Attempt is one remediation session dispatched against a batch of
// findings. Terminal attempts are immutable except for attribution fields
// filled in by the verification correlator.
type Attempt struct {
	SessionID         string        `json:"session_id"`
	SessionURL        string        `json:"session_url,omitempty"`
	BatchID           string        `json:"batch_id"`
	CWEFamily         string        `json:"cwe_family,omitempty"`
	Severity          SeverityTier  `json:"severity_tier,omitempty"`
	Status            SessionStatus `json:"status"`
	AttemptNumber     int           `json:"attempt_number"`
	PRURL             string        `json:"pr_url,omitempty"`
	OriginalSessionID string        `json:"original_session_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Validate checks attempt invariants before persistence.
func (a *Attempt) Validate() error {
	if a.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if a.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if a.AttemptNumber < 1 {
		return fmt.Errorf("attempt_number must be 1-based (got %d)", a.AttemptNumber)
	}
	if a.AttemptNumber > 1 && a.OriginalSessionID == "" {
		return fmt.Errorf("follow-up attempts must reference the original session")
	}
	return nil
}

// AttemptChain is the ordered sequence of attempts (original plus
// follow-ups) addressing the same batch. Lineage is an explicit structure
// owned by the persistence layer, not derived from session tags.
type AttemptChain struct {
	ChainID  string     `json:"chain_id"`
	BatchID  string     `json:"batch_id"`
	Attempts []*Attempt `json:"attempts"`
}

// Latest returns the most recent attempt in the chain, or nil for an
// empty chain.
func (c *AttemptChain) Latest() *Attempt {
	if len(c.Attempts) == 0 {
		return nil
	}
	return c.Attempts[len(c.Attempts)-1]
}

// Active returns the current non-terminal attempt, or nil if every
// attempt has reached a terminal status. At most one active attempt may
// exist per batch at any time.
func (c *AttemptChain) Active() *Attempt {
	for _, a := range c.Attempts {
		if !a.Status.IsTerminal() {
			return a
		}
	}
	return nil
}

// Length returns the number of attempts recorded in the chain.
func (c *AttemptChain) Length() int {
	return len(c.Attempts)
}

// Batch is a group of findings dispatched together in one attempt.
// Batches are keyed by CWE family and severity within a repository.
type Batch struct {
	ID           string       `json:"id"`
	Repo         string       `json:"repo,omitempty"`
	CWEFamily    string       `json:"cwe_family,omitempty"`
	Severity     SeverityTier `json:"severity_tier,omitempty"`
	Fingerprints []string     `json:"fingerprints"`
}

// VerificationSummary counts the outcome of one post-fix re-scan.
type VerificationSummary struct {
	TotalTargeted  int `json:"total_targeted"`
	FixedCount     int `json:"fixed_count"`
	RemainingCount int `json:"remaining_count"`
}

// VerifiedFinding identifies one fingerprint a re-scan confirmed fixed.
type VerifiedFinding struct {
	Fingerprint string `json:"fingerprint"`
}

// VerificationRecord is the result of re-scanning after a remediation
// attempt. Many records may reference the same fingerprint over time;
// attribution is resolved first-write-wins by the correlator.
type VerificationRecord struct {
	SessionID     string              `json:"session_id"`
	PRURL         string              `json:"pr_url,omitempty"`
	VerifiedAt    time.Time           `json:"verified_at"`
	Summary       VerificationSummary `json:"summary"`
	VerifiedFixed []VerifiedFinding   `json:"verified_fixed,omitempty"`
}

// VerificationLabel classifies an attempt's verification outcome.
type VerificationLabel string

// Verification label constants
const (
	LabelVerifiedFix VerificationLabel = "verified-fix"
	LabelPartialFix  VerificationLabel = "codeql-partial-fix"
	LabelNeedsWork   VerificationLabel = "codeql-needs-work"
)

// Label derives the outcome classification from the record's summary.
func (r *VerificationRecord) Label() VerificationLabel {
	s := r.Summary
	switch {
	case s.TotalTargeted > 0 && s.FixedCount == s.TotalTargeted:
		return LabelVerifiedFix
	case s.FixedCount > 0 && s.FixedCount < s.TotalTargeted:
		return LabelPartialFix
	default:
		return LabelNeedsWork
	}
}

// WindowState is the persisted rolling rate-limit state: the ordered
// session-creation timestamps plus the configured ceiling. Read and
// written as a whole blob; see the dispatch package for semantics.
type WindowState struct {
	Timestamps  []time.Time `json:"timestamps"`
	MaxSessions int         `json:"max_sessions"`
	PeriodHours float64     `json:"period_hours"`
}

// DispatchRecord is one durable dispatch-history entry, keyed for
// idempotency so a re-entered cycle never dispatches a batch twice.
type DispatchRecord struct {
	BatchID      string    `json:"batch_id"`
	CycleID      string    `json:"cycle_id"`
	SessionID    string    `json:"session_id"`
	Fingerprints []string  `json:"fingerprints,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// FindingFilter is used to filter finding queries.
type FindingFilter struct {
	Severity   *SeverityTier
	State      *FindingState
	CWEFamily  string
	Repo       string
	Unresolved bool // only findings with no resolved_at
	Limit      int
}

// PullRequest holds code-hosting metadata used for display and
// attribution only; orchestration decisions never depend on it beyond
// linking the PR URL.
type PullRequest struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	HTMLURL   string     `json:"html_url"`
	User      string     `json:"user,omitempty"`
}
