package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/fingerprint"
	"github.com/remedyhq/remedy/internal/scan"
	"github.com/remedyhq/remedy/internal/verify"
	"github.com/remedyhq/remedy/internal/watch"
)

var ingestRepo string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest scan results from files or the scan service",
	Long: `Ingest scan result files, or fetch the latest scan from the scan
service with --repo. Each ingest resolves finding identity: recurring
fingerprints gain an appearance, disappeared findings are resolved, and
resolved findings that reappear are reopened.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := fingerprint.NewResolver(store)

		if ingestRepo != "" {
			if cfg.Scan.URL == "" {
				return errors.New("scan.url is required (set REMEDY_SCAN_URL or scan.url in config)")
			}
			client := scan.NewClient(cfg.Scan.URL, cfg.Scan.Token)
			findings, err := client.LatestFindings(rootCtx, ingestRepo)
			if err != nil {
				return err
			}
			scanTime := time.Now().UTC()
			report, err := resolver.Ingest(rootCtx, ingestRepo, findings, scanTime)
			if err != nil {
				return err
			}
			verified, err := verify.NewRecorder(store).Record(rootCtx, scanTime)
			if err != nil {
				return err
			}
			printIngestReport(ingestRepo, report, verified)
			return nil
		}

		if len(args) == 0 {
			return errors.New("provide result files or --repo")
		}
		for _, path := range args {
			if err := ingestFile(rootCtx, resolver, path); err != nil {
				return err
			}
		}
		return nil
	},
}

func ingestFile(ctx context.Context, resolver *fingerprint.Resolver, path string) error {
	rf, err := scan.ReadResultsFile(path)
	if err != nil {
		return err
	}
	report, err := resolver.Ingest(ctx, rf.Repo, rf.Findings, rf.ScanTime)
	if err != nil {
		return err
	}
	verified, err := verify.NewRecorder(store).Record(ctx, rf.ScanTime)
	if err != nil {
		return err
	}
	printIngestReport(rf.Repo, report, verified)
	return nil
}

func printIngestReport(repo string, report *fingerprint.Report, verified int) {
	if jsonOutput {
		outputJSON(map[string]interface{}{"repo": repo, "report": report, "verifications": verified})
		return
	}
	fmt.Printf("Ingested %s: %d new, %d recurring, %d resolved, %d reopened",
		repo, report.Inserted, report.Updated, report.Resolved, report.Reopened)
	if len(report.Skipped) > 0 {
		fmt.Printf(", %d skipped", len(report.Skipped))
	}
	if verified > 0 {
		fmt.Printf(", %d verification record(s)", verified)
	}
	fmt.Println()
	for _, s := range report.Skipped {
		fmt.Printf("  skipped record %d: %s\n", s.Index, s.Reason)
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a drop directory and ingest result files as they appear",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.Scan.DropDir
		if len(args) > 0 {
			dir = args[0]
		}
		if dir == "" {
			return errors.New("provide a directory or set scan.drop_dir in config")
		}

		resolver := fingerprint.NewResolver(store)
		w := watch.New(dir,
			func(ctx context.Context, path string) error {
				return ingestFile(ctx, resolver, path)
			},
			func(path string, err error) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error ingesting %s: %v\n", path, err)
			},
		)

		fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s for scan results... (Press Ctrl+C to exit)\n", dir)
		err := w.Run(rootCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestRepo, "repo", "", "Fetch the latest scan for this repository instead of reading files")
	rootCmd.AddCommand(ingestCmd, watchCmd)
}
