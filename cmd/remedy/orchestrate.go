package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/agent"
	"github.com/remedyhq/remedy/internal/dispatch"
	"github.com/remedyhq/remedy/internal/github"
	"github.com/remedyhq/remedy/internal/orchestrator"
)

var cycleID string

// buildOrchestrator wires the store and clients into a cycle driver.
// Commands that create or message sessions need the agent endpoint;
// read-only commands work without it.
func buildOrchestrator(requireAgent bool) (*orchestrator.Orchestrator, error) {
	var svc agent.Service
	if cfg.Agent.URL != "" {
		svc = agent.NewClient(cfg.Agent.URL, cfg.Agent.Token)
	} else if requireAgent {
		return nil, errors.New("agent.url is required (set REMEDY_AGENT_URL or agent.url in config)")
	}
	var prs orchestrator.PRFetcher
	if cfg.GitHub.Token != "" {
		prs = github.NewClient(cfg.GitHub.Token)
	}
	gate := dispatch.NewGate(store, cfg.Window.MaxSessions, cfg.Window.PeriodHours)
	return orchestrator.New(store, svc, gate, orchestrator.Options{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		DispatchDelay: cfg.DispatchDelay,
		PRs:           prs,
	}), nil
}

var planCmd = &cobra.Command{
	Use:   "plan <repo>",
	Short: "Show what a cycle would do without doing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := buildOrchestrator(false)
		if err != nil {
			return err
		}
		plan, err := o.Plan(rootCtx, args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(plan)
			return nil
		}
		fmt.Printf("Plan for %s:\n", plan.Repo)
		fmt.Printf("  quota remaining: %d\n", plan.QuotaRemaining)
		fmt.Printf("  new batches:     %d\n", len(plan.NewBatches))
		for _, b := range plan.NewBatches {
			fmt.Printf("    %s  %s/%s  %d finding(s)\n", b.ID, b.CWEFamily, b.Severity, len(b.Fingerprints))
		}
		fmt.Printf("  retry chains:    %d\n", len(plan.RetryChains))
		for _, c := range plan.RetryChains {
			latest := c.Latest()
			fmt.Printf("    %s  attempt %d  status %s\n", c.BatchID, latest.AttemptNumber, latest.Status)
		}
		return nil
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <repo>",
	Short: "Create fresh sessions for planned batches under quota",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := buildOrchestrator(true)
		if err != nil {
			return err
		}
		plan, err := o.Plan(rootCtx, args[0])
		if err != nil {
			return err
		}
		result, err := o.Dispatch(rootCtx, cycleID, plan)
		if err != nil {
			return err
		}
		printCycleResult(result)
		return nil
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle <repo>",
	Short: "Run one full orchestration cycle for a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := buildOrchestrator(true)
		if err != nil {
			return err
		}
		result, err := o.Cycle(rootCtx, args[0], cycleID)
		if err != nil {
			return err
		}
		printCycleResult(result)
		return nil
	},
}

func printCycleResult(result *orchestrator.CycleResult) {
	if jsonOutput {
		outputJSON(result)
		return
	}
	fmt.Printf("Cycle %s (%s): %s\n", result.CycleID, result.Repo, result.Outcome)
	for _, d := range result.Dispatched {
		fmt.Printf("  dispatched %s for batch %s\n", d.SessionID, d.BatchID)
	}
	for _, s := range result.Steps {
		fmt.Printf("  chain step: %s", s.Action)
		if s.SessionID != "" {
			fmt.Printf(" (session %s, attempt %d)", s.SessionID, s.AttemptNumber)
		}
		fmt.Println()
	}
	for _, s := range result.Skips {
		fmt.Printf("  skipped %s: %s\n", s.BatchID, s.Reason)
	}
	fmt.Printf("  quota remaining: %d\n", result.QuotaRemaining)
}

var statusCmd = &cobra.Command{
	Use:   "status [repo]",
	Short: "Show quota, chains, verification, and SLA state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := ""
		if len(args) > 0 {
			repo = args[0]
		}
		o, err := buildOrchestrator(false)
		if err != nil {
			return err
		}
		report, err := o.Status(rootCtx, repo, cfg.SLAThresholds())
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(report)
			return nil
		}
		fmt.Printf("Quota remaining:  %d\n", report.QuotaRemaining)
		fmt.Printf("Open findings:    %d\n", report.OpenFindings)
		fmt.Printf("Attempt chains:   %d\n", len(report.Chains))
		for _, c := range report.Chains {
			latest := c.Latest()
			fmt.Printf("  %s  attempt %d  status %s\n", c.BatchID, latest.AttemptNumber, latest.Status)
			if pr, ok := report.PullRequests[latest.PRURL]; ok {
				merged := ""
				if pr.MergedAt != nil {
					merged = " (merged)"
				}
				fmt.Printf("    PR #%d %s%s  %s\n", pr.Number, pr.State, merged, pr.HTMLURL)
			}
		}
		fmt.Printf("Fix rate:         %.1f%% (%d/%d targeted)\n",
			report.Verification.FixRatePercent, report.Verification.TotalFixed, report.Verification.TotalTargeted)
		if report.SLA != nil {
			fmt.Printf("SLA: %d tracked", report.SLA.Total)
			for status, n := range report.SLA.ByStatus {
				fmt.Printf("  %s=%d", status, n)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&cycleID, "cycle-id", "", "Re-enter an interrupted cycle by id")
	cycleCmd.Flags().StringVar(&cycleID, "cycle-id", "", "Re-enter an interrupted cycle by id")
	rootCmd.AddCommand(planCmd, dispatchCmd, cycleCmd, statusCmd)
}
