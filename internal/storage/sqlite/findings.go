package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/types"
)

// timeFormat is the canonical on-disk timestamp representation.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// UpsertFinding inserts or replaces a finding keyed by fingerprint.
func (s *Store) UpsertFinding(ctx context.Context, f *types.Finding) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid finding: %w", err)
	}

	var resolvedAt sql.NullString
	if f.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: formatTime(*f.ResolvedAt), Valid: true}
	}
	lastSeen := ""
	if !f.LastSeenAt.IsZero() {
		lastSeen = formatTime(f.LastSeenAt)
	}
	state := f.State
	if state == "" {
		state = types.StateOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (fingerprint, rule_id, severity, cwe_family, file, start_line, message, state, first_seen_at, last_seen_at, resolved_at, appearances, repo)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			rule_id = excluded.rule_id,
			severity = excluded.severity,
			cwe_family = excluded.cwe_family,
			file = excluded.file,
			start_line = excluded.start_line,
			message = excluded.message,
			state = excluded.state,
			last_seen_at = excluded.last_seen_at,
			resolved_at = excluded.resolved_at,
			appearances = excluded.appearances,
			repo = excluded.repo`,
		f.Fingerprint, f.RuleID, string(f.Severity), f.CWEFamily, f.File, f.StartLine,
		f.Message, string(state), formatTime(f.FirstSeenAt), lastSeen, resolvedAt, f.Appearances, f.Repo)
	if err != nil {
		return fmt.Errorf("failed to upsert finding: %w", err)
	}
	return nil
}

// GetFinding retrieves a finding by fingerprint.
func (s *Store) GetFinding(ctx context.Context, fingerprint string) (*types.Finding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, rule_id, severity, cwe_family, file, start_line, message, state, first_seen_at, last_seen_at, resolved_at, appearances, repo
		FROM findings WHERE fingerprint = ?`, fingerprint)

	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return f, err
}

// ListFindings returns findings matching the filter, ordered by first
// observation time.
func (s *Store) ListFindings(ctx context.Context, filter types.FindingFilter) ([]*types.Finding, error) {
	query := `
		SELECT fingerprint, rule_id, severity, cwe_family, file, start_line, message, state, first_seen_at, last_seen_at, resolved_at, appearances, repo
		FROM findings`
	var conds []string
	var args []interface{}

	if filter.Repo != "" {
		conds = append(conds, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.CWEFamily != "" {
		conds = append(conds, "cwe_family = ?")
		args = append(args, filter.CWEFamily)
	}
	if filter.Severity != nil {
		conds = append(conds, "severity = ?")
		args = append(args, string(*filter.Severity))
	}
	if filter.State != nil {
		conds = append(conds, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.Unresolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY first_seen_at, fingerprint"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var findings []*types.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFinding(row rowScanner) (*types.Finding, error) {
	var f types.Finding
	var severity, state, firstSeen, lastSeen string
	var resolvedAt sql.NullString

	err := row.Scan(&f.Fingerprint, &f.RuleID, &severity, &f.CWEFamily, &f.File, &f.StartLine,
		&f.Message, &state, &firstSeen, &lastSeen, &resolvedAt, &f.Appearances, &f.Repo)
	if err != nil {
		return nil, err
	}

	f.Severity = types.SeverityTier(severity)
	f.State = types.FindingState(state)
	if f.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("failed to parse first_seen_at for %s: %w", f.Fingerprint, err)
	}
	if lastSeen != "" {
		if f.LastSeenAt, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("failed to parse last_seen_at for %s: %w", f.Fingerprint, err)
		}
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resolved_at for %s: %w", f.Fingerprint, err)
		}
		f.ResolvedAt = &t
	}
	return &f, nil
}
