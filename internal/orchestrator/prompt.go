package orchestrator

import (
	"fmt"
	"strings"

	"github.com/remedyhq/remedy/internal/types"
)

// maxMessageLen bounds each finding message in prompts.
const maxMessageLen = 120

// BuildBatchPrompt renders the initial task prompt for a fresh batch.
func BuildBatchPrompt(batch *types.Batch, findings []*types.Finding) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Fix the following static-analysis findings in %s.\n\n", batch.Repo)
	if batch.CWEFamily != "" {
		fmt.Fprintf(&b, "All findings belong to the %s family", batch.CWEFamily)
		if batch.Severity != "" {
			fmt.Fprintf(&b, " at %s severity", batch.Severity)
		}
		b.WriteString(".\n\n")
	}

	b.WriteString("## Findings\n\n")
	if len(findings) == 0 {
		b.WriteString("(finding details unavailable; see fingerprints below)\n")
		for _, fp := range batch.Fingerprints {
			fmt.Fprintf(&b, "- %s\n", fp)
		}
	} else {
		for _, f := range findings {
			fmt.Fprintf(&b, "- %s", f.RuleID)
			fmt.Fprintf(&b, " at %s:%d", f.File, f.StartLine)
			if f.Message != "" {
				fmt.Fprintf(&b, ": %s", truncate(f.Message, maxMessageLen))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nFix every finding listed and open a single pull request with the changes.\n")
	return b.String()
}

func batchTitle(batch *types.Batch) string {
	label := batch.CWEFamily
	if label == "" {
		label = "uncategorized"
	}
	return fmt.Sprintf("Fix %s findings in %s (attempt 1)", label, batch.Repo)
}

func batchTags(batch *types.Batch) []string {
	tags := make([]string, 0, 3)
	if batch.CWEFamily != "" {
		tags = append(tags, batch.CWEFamily)
	}
	tags = append(tags, batch.ID, "attempt-1")
	return tags
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
