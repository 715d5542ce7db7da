package retry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/remedyhq/remedy/internal/types"
	"github.com/remedyhq/remedy/internal/verify"
)

func sampleSummary() *verify.SessionSummary {
	return &verify.SessionSummary{
		SessionID: "s-1",
		Label:     types.LabelPartialFix,
		Summary:   types.VerificationSummary{TotalTargeted: 4, FixedCount: 1, RemainingCount: 3},
	}
}

func TestBuildFeedback(t *testing.T) {
	msg := BuildFeedback(sampleSummary(), []*types.Finding{
		{RuleID: "go/sql-injection", CWEFamily: "cwe-089", File: "db/query.go", StartLine: 42, Message: "user input flows into query"},
		{RuleID: "go/path-injection", File: "fs/read.go", StartLine: 7},
	})

	assert.Contains(t, msg, "codeql-partial-fix")
	assert.Contains(t, msg, "1 of 4 targeted findings fixed, 3 remaining")
	assert.Contains(t, msg, "- go/sql-injection (cwe-089) at db/query.go:42: user input flows into query")
	assert.Contains(t, msg, "- go/path-injection at fs/read.go:7\n")
	assert.Contains(t, msg, "same pull request")
}

func TestBuildFeedbackWithoutVerification(t *testing.T) {
	msg := BuildFeedback(nil, nil)
	assert.NotContains(t, msg, "Verification result")
	assert.Contains(t, msg, "(no remaining findings listed)")
}

func TestBuildFollowupPrompt(t *testing.T) {
	prompt := BuildFollowupPrompt("fix the injection findings in repo X", sampleSummary(), "https://pr/9", []*types.Finding{
		{RuleID: "go/sql-injection", CWEFamily: "cwe-089", File: "a.go", StartLine: 3, Message: "tainted"},
	})

	assert.Contains(t, prompt, "## Original task")
	assert.Contains(t, prompt, "fix the injection findings in repo X")
	assert.Contains(t, prompt, "## Previous attempt")
	assert.Contains(t, prompt, "1 of 4 targeted findings fixed")
	assert.Contains(t, prompt, "Previous pull request: https://pr/9")
	assert.Contains(t, prompt, "## Remaining findings")
	assert.Contains(t, prompt, "- go/sql-injection (cwe-089) at a.go:3: tainted")
}

func TestFollowupTags(t *testing.T) {
	tags := FollowupTags("cwe-079", "batch-7", 3, "s-root")
	assert.Equal(t, []string{"cwe-079", "batch-7", "attempt-3", "original-session-s-root"}, tags)

	// Empty CWE drops the leading tag rather than emitting a blank one.
	tags = FollowupTags("", "batch-7", 2, "s-root")
	assert.Equal(t, []string{"batch-7", "attempt-2", "original-session-s-root"}, tags)
}

func TestFindingListTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("x", 300)
	out := findingList([]*types.Finding{{RuleID: "r", File: "f.go", StartLine: 1, Message: long}})

	assert.Contains(t, out, strings.Repeat("x", maxMessageLen)+"...")
	assert.NotContains(t, out, strings.Repeat("x", maxMessageLen+1))
}
