package types

import (
	"strings"
	"testing"
	"time"
)

func TestFindingValidation(t *testing.T) {
	tests := []struct {
		name    string
		finding Finding
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid finding",
			finding: Finding{
				Fingerprint: "ab12cd34",
				RuleID:      "go/sql-injection",
				Severity:    SeverityHigh,
				File:        "db/query.go",
				StartLine:   42,
			},
			wantErr: false,
		},
		{
			name: "missing fingerprint",
			finding: Finding{
				RuleID:   "go/sql-injection",
				Severity: SeverityHigh,
			},
			wantErr: true,
			errMsg:  "fingerprint is required",
		},
		{
			name: "whitespace fingerprint",
			finding: Finding{
				Fingerprint: "   ",
				RuleID:      "go/sql-injection",
				Severity:    SeverityHigh,
			},
			wantErr: true,
			errMsg:  "fingerprint is required",
		},
		{
			name: "missing rule",
			finding: Finding{
				Fingerprint: "ab12cd34",
				Severity:    SeverityHigh,
			},
			wantErr: true,
			errMsg:  "rule_id is required",
		},
		{
			name: "invalid severity",
			finding: Finding{
				Fingerprint: "ab12cd34",
				RuleID:      "go/sql-injection",
				Severity:    SeverityTier("urgent"),
			},
			wantErr: true,
			errMsg:  "invalid severity tier",
		},
		{
			name: "negative start line",
			finding: Finding{
				Fingerprint: "ab12cd34",
				RuleID:      "go/sql-injection",
				Severity:    SeverityLow,
				StartLine:   -1,
			},
			wantErr: true,
			errMsg:  "start_line cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.finding.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errMsg)
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %q, want substring %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := []struct {
		raw  string
		want SeverityTier
	}{
		{"Critical", SeverityCritical},
		{"HIGH", SeverityHigh},
		{"medium", SeverityMedium},
		{"  Low ", SeverityLow},
		{"bogus", SeverityTier("bogus")},
	}
	for _, tt := range tests {
		if got := NormalizeSeverity(tt.raw); got != tt.want {
			t.Errorf("NormalizeSeverity(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestSessionStatusClassification(t *testing.T) {
	terminal := []SessionStatus{SessionFinished, SessionBlocked, SessionFailed, SessionExpired, SessionStopped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []SessionStatus{SessionCreated, SessionRunning}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should be active", s)
		}
	}

	// Unknown future vendor statuses fail closed: treated as active so
	// the retry machine does not spawn follow-ups against them.
	if SessionStatus("paused_for_review").IsTerminal() {
		t.Error("unknown status must classify as active")
	}

	// Classification is case-insensitive against raw vendor strings.
	if !SessionStatus("FINISHED").IsTerminal() {
		t.Error("status classification should be case-insensitive")
	}
}

func TestRetryEligible(t *testing.T) {
	eligible := []SessionStatus{SessionFinished, SessionBlocked, SessionFailed}
	for _, s := range eligible {
		if !s.RetryEligible() {
			t.Errorf("%s should be retry-eligible", s)
		}
	}
	ineligible := []SessionStatus{SessionCreated, SessionRunning, SessionExpired, SessionStopped, SessionStatus("weird")}
	for _, s := range ineligible {
		if s.RetryEligible() {
			t.Errorf("%s should not be retry-eligible", s)
		}
	}
}

func TestAttemptValidation(t *testing.T) {
	a := Attempt{SessionID: "s-1", BatchID: "b-1", AttemptNumber: 1}
	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a = Attempt{SessionID: "s-2", BatchID: "b-1", AttemptNumber: 2}
	if err := a.Validate(); err == nil {
		t.Error("follow-up without original_session_id should fail validation")
	}
	a.OriginalSessionID = "s-1"
	if err := a.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	a = Attempt{SessionID: "s-3", BatchID: "b-1", AttemptNumber: 0}
	if err := a.Validate(); err == nil {
		t.Error("attempt_number must be 1-based")
	}
}

func TestAttemptChainActive(t *testing.T) {
	chain := &AttemptChain{
		ChainID: "c-1",
		BatchID: "b-1",
		Attempts: []*Attempt{
			{SessionID: "s-1", BatchID: "b-1", AttemptNumber: 1, Status: SessionFailed},
			{SessionID: "s-2", BatchID: "b-1", AttemptNumber: 2, Status: SessionRunning, OriginalSessionID: "s-1"},
		},
	}
	if got := chain.Active(); got == nil || got.SessionID != "s-2" {
		t.Errorf("Active() = %+v, want s-2", got)
	}
	if got := chain.Latest(); got == nil || got.SessionID != "s-2" {
		t.Errorf("Latest() = %+v, want s-2", got)
	}

	chain.Attempts[1].Status = SessionFinished
	if got := chain.Active(); got != nil {
		t.Errorf("Active() = %+v, want nil for all-terminal chain", got)
	}

	empty := &AttemptChain{ChainID: "c-2", BatchID: "b-2"}
	if empty.Latest() != nil || empty.Active() != nil {
		t.Error("empty chain should have no latest or active attempt")
	}
}

func TestVerificationLabel(t *testing.T) {
	tests := []struct {
		name    string
		summary VerificationSummary
		want    VerificationLabel
	}{
		{"all fixed", VerificationSummary{TotalTargeted: 3, FixedCount: 3, RemainingCount: 0}, LabelVerifiedFix},
		{"partial", VerificationSummary{TotalTargeted: 3, FixedCount: 1, RemainingCount: 2}, LabelPartialFix},
		{"none fixed", VerificationSummary{TotalTargeted: 3, FixedCount: 0, RemainingCount: 3}, LabelNeedsWork},
		{"empty target", VerificationSummary{TotalTargeted: 0, FixedCount: 0}, LabelNeedsWork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := VerificationRecord{Summary: tt.summary}
			if got := r.Label(); got != tt.want {
				t.Errorf("Label() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFixDurationHours(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	resolved := t0.Add(50 * time.Hour)

	f := Finding{Fingerprint: "f1", FirstSeenAt: t0, ResolvedAt: &resolved}
	d, ok := f.FixDurationHours()
	if !ok || d != 50.0 {
		t.Errorf("FixDurationHours() = %v, %v; want 50.0, true", d, ok)
	}

	f.ResolvedAt = nil
	if _, ok := f.FixDurationHours(); ok {
		t.Error("unresolved finding should have no fix duration")
	}
}
