package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/sla"
	"github.com/remedyhq/remedy/internal/types"
)

var (
	findingsSeverity   string
	findingsState      string
	findingsCWE        string
	findingsUnresolved bool
	findingsLimit      int
)

var findingsCmd = &cobra.Command{
	Use:   "findings [repo]",
	Short: "List tracked findings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := types.FindingFilter{
			CWEFamily:  findingsCWE,
			Unresolved: findingsUnresolved,
			Limit:      findingsLimit,
		}
		if len(args) > 0 {
			filter.Repo = args[0]
		}
		if findingsSeverity != "" {
			tier := types.NormalizeSeverity(findingsSeverity)
			if !tier.IsValid() {
				return fmt.Errorf("invalid severity tier: %s", findingsSeverity)
			}
			filter.Severity = &tier
		}
		if findingsState != "" {
			state := types.FindingState(findingsState)
			if !state.IsValid() {
				return fmt.Errorf("invalid finding state: %s", findingsState)
			}
			filter.State = &state
		}

		findings, err := store.ListFindings(rootCtx, filter)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(findings)
			return nil
		}
		if len(findings) == 0 {
			fmt.Println("No findings match.")
			return nil
		}
		for _, f := range findings {
			status := "open"
			if f.ResolvedAt != nil {
				status = "resolved"
			}
			fmt.Printf("%s  [%s/%s]  %s:%d  %s  seen %dx  %s\n",
				f.Fingerprint, f.Severity, f.CWEFamily, f.File, f.StartLine, f.RuleID, f.Appearances, status)
		}
		return nil
	},
}

var slaCmd = &cobra.Command{
	Use:   "sla [repo]",
	Short: "Summarize SLA health for tracked findings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := types.FindingFilter{}
		if len(args) > 0 {
			filter.Repo = args[0]
		}
		findings, err := store.ListFindings(rootCtx, filter)
		if err != nil {
			return err
		}

		summary := sla.Summarize(findings, time.Now().UTC(), cfg.SLAThresholds())
		if jsonOutput {
			outputJSON(summary)
			return nil
		}

		fmt.Printf("Findings tracked: %d\n", summary.Total)
		for _, status := range []sla.Status{sla.StatusOnTrack, sla.StatusAtRisk, sla.StatusBreached, sla.StatusMet, sla.StatusUnknown} {
			if n := summary.ByStatus[status]; n > 0 {
				fmt.Printf("  %-9s %d\n", status, n)
			}
		}
		if len(summary.TimeToFix) > 0 {
			fmt.Println("Time to fix (hours, SLA-met findings):")
			for tier, stats := range summary.TimeToFix {
				fmt.Printf("  %-9s n=%d min=%.1f median=%.1f mean=%.1f max=%.1f\n",
					tier, stats.Count, stats.Min, stats.Median, stats.Mean, stats.Max)
			}
		}
		return nil
	},
}

func init() {
	findingsCmd.Flags().StringVar(&findingsSeverity, "severity", "", "Filter by severity tier")
	findingsCmd.Flags().StringVar(&findingsState, "state", "", "Filter by finding state")
	findingsCmd.Flags().StringVar(&findingsCWE, "cwe", "", "Filter by CWE family")
	findingsCmd.Flags().BoolVar(&findingsUnresolved, "unresolved", false, "Only findings with no resolution")
	findingsCmd.Flags().IntVar(&findingsLimit, "limit", 0, "Maximum findings to list")
	rootCmd.AddCommand(findingsCmd, slaCmd)
}
