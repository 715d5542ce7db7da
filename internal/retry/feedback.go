package retry

import (
	"fmt"
	"strings"

	"github.com/remedyhq/remedy/internal/types"
	"github.com/remedyhq/remedy/internal/verify"
)

// maxMessageLen bounds each finding message in feedback lists.
const maxMessageLen = 120

// BuildFeedback renders the message sent to a still-active session:
// a verification summary plus a bulleted list of remaining findings.
func BuildFeedback(v *verify.SessionSummary, remaining []*types.Finding) string {
	var b strings.Builder

	b.WriteString("A re-scan of your changes found unresolved findings.\n\n")
	if v != nil {
		fmt.Fprintf(&b, "Verification result: %s (%d of %d targeted findings fixed, %d remaining).\n\n",
			v.Label, v.Summary.FixedCount, v.Summary.TotalTargeted, v.Summary.RemainingCount)
	}
	b.WriteString(findingList(remaining))
	b.WriteString("\nPlease address the remaining findings in the same pull request.\n")
	return b.String()
}

// BuildFollowupPrompt renders the prompt for a brand-new follow-up
// session: the original task, the prior verification outcome, the prior
// PR reference, and the detailed remaining-findings list.
func BuildFollowupPrompt(originalPrompt string, v *verify.SessionSummary, priorPR string, remaining []*types.Finding) string {
	var b strings.Builder

	b.WriteString("This is a follow-up to an earlier remediation attempt that did not fix everything.\n\n")
	if originalPrompt != "" {
		b.WriteString("## Original task\n\n")
		b.WriteString(originalPrompt)
		b.WriteString("\n\n")
	}
	if v != nil {
		b.WriteString("## Previous attempt\n\n")
		fmt.Fprintf(&b, "Outcome: %s (%d of %d targeted findings fixed).\n",
			v.Label, v.Summary.FixedCount, v.Summary.TotalTargeted)
	}
	if priorPR != "" {
		fmt.Fprintf(&b, "Previous pull request: %s\n", priorPR)
	}
	b.WriteString("\n## Remaining findings\n\n")
	b.WriteString(findingList(remaining))
	b.WriteString("\nFix each remaining finding and open a pull request with the changes.\n")
	return b.String()
}

// FollowupTags builds the traceability tags for a follow-up session.
func FollowupTags(cweFamily, batchID string, nextAttempt int, originalSession string) []string {
	tags := make([]string, 0, 4)
	if cweFamily != "" {
		tags = append(tags, cweFamily)
	}
	tags = append(tags,
		batchID,
		fmt.Sprintf("attempt-%d", nextAttempt),
		fmt.Sprintf("original-session-%s", originalSession),
	)
	return tags
}

// findingList renders findings as bullets: rule, CWE, file:line, and a
// truncated message.
func findingList(findings []*types.Finding) string {
	if len(findings) == 0 {
		return "(no remaining findings listed)\n"
	}
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s", f.RuleID)
		if f.CWEFamily != "" {
			fmt.Fprintf(&b, " (%s)", f.CWEFamily)
		}
		fmt.Fprintf(&b, " at %s:%d", f.File, f.StartLine)
		if f.Message != "" {
			fmt.Fprintf(&b, ": %s", truncate(f.Message, maxMessageLen))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// truncate shortens s to at most n runes, appending an ellipsis.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
