// Package fingerprint assigns stable identity to findings across scans.
//
// The scanner supplies the fingerprint; this package treats it as opaque
// and enforces the upsert semantics that keep a finding recognizable as
// the same logical issue over repeated scans of a changing codebase.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/types"
)

// SkippedRecord describes one scan record rejected during ingestion.
// Rejected records are flagged rather than silently dropped.
type SkippedRecord struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Report summarizes one scan ingestion.
type Report struct {
	Repo     string          `json:"repo"`
	ScanTime time.Time       `json:"scan_time"`
	Inserted int             `json:"inserted"`
	Updated  int             `json:"updated"`
	Resolved int             `json:"resolved"`
	Reopened int             `json:"reopened"`
	Skipped  []SkippedRecord `json:"skipped,omitempty"`
}

// FindingStore is the slice of the persistence contract the resolver
// needs. Satisfied by storage.Store.
type FindingStore interface {
	GetFinding(ctx context.Context, fingerprint string) (*types.Finding, error)
	UpsertFinding(ctx context.Context, f *types.Finding) error
	ListFindings(ctx context.Context, filter types.FindingFilter) ([]*types.Finding, error)
}

// Resolver ingests scan output into the finding store.
type Resolver struct {
	store FindingStore
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store FindingStore) *Resolver {
	return &Resolver{store: store}
}

// Ingest applies one scan's findings for a repository.
//
// A record whose fingerprint already exists increments appearances and
// leaves first_seen_at unchanged; recurrence clears any earlier
// resolved_at (the issue is back). A record with a new fingerprint is
// inserted with appearances = 1. Previously-open findings absent from
// this scan are marked resolved at the scan time.
//
// Ingestion is idempotent against re-delivery: duplicate fingerprints in
// one payload are counted once, and a scan time at or before a finding's
// last_seen_at (the same scan delivered again, as the drop-directory
// watcher does on file rewrites) neither increments appearances nor
// counts the record as recurring.
func (r *Resolver) Ingest(ctx context.Context, repo string, scanned []types.ScanFinding, scanTime time.Time) (*Report, error) {
	report := &Report{Repo: repo, ScanTime: scanTime}
	seen := make(map[string]bool)

	for i, raw := range scanned {
		fp := strings.TrimSpace(raw.Fingerprint)
		if fp == "" {
			report.Skipped = append(report.Skipped, SkippedRecord{Index: i, Reason: "empty fingerprint"})
			continue
		}
		if seen[fp] {
			report.Skipped = append(report.Skipped, SkippedRecord{Index: i, Reason: "duplicate fingerprint in scan"})
			continue
		}
		seen[fp] = true

		existing, err := r.store.GetFinding(ctx, fp)
		switch {
		case err == nil:
			newer := scanTime.After(existing.LastSeenAt)
			if newer {
				existing.Appearances++
				existing.LastSeenAt = scanTime
			}
			existing.RuleID = raw.RuleID
			existing.File = raw.File
			existing.StartLine = raw.StartLine
			existing.Message = raw.Message
			if tier := types.NormalizeSeverity(raw.Severity); tier.IsValid() {
				existing.Severity = tier
			}
			if raw.CWEFamily != "" {
				existing.CWEFamily = raw.CWEFamily
			}
			if existing.ResolvedAt != nil {
				existing.ResolvedAt = nil
				existing.State = types.StateOpen
				report.Reopened++
			}
			if err := r.store.UpsertFinding(ctx, existing); err != nil {
				return report, fmt.Errorf("updating finding %s: %w", fp, err)
			}
			if newer {
				report.Updated++
			}

		case errors.Is(err, storage.ErrNotFound):
			f := &types.Finding{
				Fingerprint: fp,
				RuleID:      raw.RuleID,
				Severity:    types.NormalizeSeverity(raw.Severity),
				CWEFamily:   raw.CWEFamily,
				File:        raw.File,
				StartLine:   raw.StartLine,
				Message:     raw.Message,
				State:       types.StateOpen,
				FirstSeenAt: scanTime,
				LastSeenAt:  scanTime,
				Appearances: 1,
				Repo:        repo,
			}
			if err := f.Validate(); err != nil {
				report.Skipped = append(report.Skipped, SkippedRecord{Index: i, Reason: err.Error()})
				continue
			}
			if err := r.store.UpsertFinding(ctx, f); err != nil {
				return report, fmt.Errorf("inserting finding %s: %w", fp, err)
			}
			report.Inserted++

		default:
			return report, fmt.Errorf("looking up finding %s: %w", fp, err)
		}
	}

	// Findings that were open before this scan but did not recur are
	// resolved as of the scan time.
	open, err := r.store.ListFindings(ctx, types.FindingFilter{Repo: repo, Unresolved: true})
	if err != nil {
		return report, fmt.Errorf("listing open findings: %w", err)
	}
	for _, f := range open {
		if seen[f.Fingerprint] {
			continue
		}
		resolved := scanTime
		f.ResolvedAt = &resolved
		f.State = types.StateFixed
		if err := r.store.UpsertFinding(ctx, f); err != nil {
			return report, fmt.Errorf("resolving finding %s: %w", f.Fingerprint, err)
		}
		report.Resolved++
	}

	return report, nil
}
