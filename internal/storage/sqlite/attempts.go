package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/types"
)

// AppendAttempt records a new remediation attempt. It enforces the
// single-active-attempt invariant: a new attempt for a batch may only be
// appended once every prior attempt for that batch is terminal.
func (s *Store) AppendAttempt(ctx context.Context, a *types.Attempt) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid attempt: %w", err)
	}

	chain, err := s.GetChainByBatch(ctx, a.BatchID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if chain != nil && chain.Active() != nil {
		return fmt.Errorf("%w: batch %s session %s", storage.ErrActiveAttempt, a.BatchID, chain.Active().SessionID)
	}

	now := time.Now().UTC()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := a.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts (session_id, session_url, batch_id, cwe_family, severity, status, attempt_number, pr_url, original_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.SessionURL, a.BatchID, a.CWEFamily, string(a.Severity), string(a.Status),
		a.AttemptNumber, a.PRURL, a.OriginalSessionID, formatTime(createdAt), formatTime(updatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateSession, a.SessionID)
		}
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// UpdateAttemptStatus records the latest observed session status.
func (s *Store) UpdateAttemptStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?, updated_at = ? WHERE session_id = ?`,
		string(status), formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update attempt status: %w", err)
	}
	return checkRowAffected(res, sessionID)
}

// SetAttemptPR links a pull request to an attempt.
func (s *Store) SetAttemptPR(ctx context.Context, sessionID, prURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET pr_url = ?, updated_at = ? WHERE session_id = ?`,
		prURL, formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("failed to set attempt PR: %w", err)
	}
	return checkRowAffected(res, sessionID)
}

// GetChainByBatch reconstructs the attempt chain for a batch, ordered by
// attempt number. Returns ErrNotFound when the batch has no attempts.
func (s *Store) GetChainByBatch(ctx context.Context, batchID string) (*types.AttemptChain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, session_url, batch_id, cwe_family, severity, status, attempt_number, pr_url, original_session_id, created_at, updated_at
		FROM attempts WHERE batch_id = ? ORDER BY attempt_number`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chain := &types.AttemptChain{ChainID: "chain-" + batchID, BatchID: batchID}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		chain.Attempts = append(chain.Attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain.Attempts) == 0 {
		return nil, storage.ErrNotFound
	}
	return chain, nil
}

// ListChains returns every attempt chain, grouped by batch.
func (s *Store) ListChains(ctx context.Context) ([]*types.AttemptChain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, session_url, batch_id, cwe_family, severity, status, attempt_number, pr_url, original_session_id, created_at, updated_at
		FROM attempts ORDER BY batch_id, attempt_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chains []*types.AttemptChain
	byBatch := make(map[string]*types.AttemptChain)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		chain, ok := byBatch[a.BatchID]
		if !ok {
			chain = &types.AttemptChain{ChainID: "chain-" + a.BatchID, BatchID: a.BatchID}
			byBatch[a.BatchID] = chain
			chains = append(chains, chain)
		}
		chain.Attempts = append(chain.Attempts, a)
	}
	return chains, rows.Err()
}

func scanAttempt(rows *sql.Rows) (*types.Attempt, error) {
	var a types.Attempt
	var severity, status, createdAt, updatedAt string

	err := rows.Scan(&a.SessionID, &a.SessionURL, &a.BatchID, &a.CWEFamily, &severity, &status,
		&a.AttemptNumber, &a.PRURL, &a.OriginalSessionID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.Severity = types.SeverityTier(severity)
	a.Status = types.SessionStatus(status)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", a.SessionID, err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s: %w", a.SessionID, err)
	}
	return &a, nil
}

// AppendVerification records one post-fix re-scan result.
func (s *Store) AppendVerification(ctx context.Context, rec *types.VerificationRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("verification record requires a session_id")
	}

	fps := make([]string, 0, len(rec.VerifiedFixed))
	for _, vf := range rec.VerifiedFixed {
		fps = append(fps, vf.Fingerprint)
	}
	encoded, err := json.Marshal(fps)
	if err != nil {
		return fmt.Errorf("failed to encode verified fingerprints: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verifications (session_id, pr_url, verified_at, total_targeted, fixed_count, remaining_count, verified_fixed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.PRURL, formatTime(rec.VerifiedAt),
		rec.Summary.TotalTargeted, rec.Summary.FixedCount, rec.Summary.RemainingCount, string(encoded))
	if err != nil {
		return fmt.Errorf("failed to append verification: %w", err)
	}
	return nil
}

// ListVerifications returns all verification records ordered by
// verification time.
func (s *Store) ListVerifications(ctx context.Context) ([]*types.VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, pr_url, verified_at, total_targeted, fixed_count, remaining_count, verified_fixed
		FROM verifications ORDER BY verified_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.VerificationRecord
	for rows.Next() {
		var rec types.VerificationRecord
		var verifiedAt, encoded string
		err := rows.Scan(&rec.SessionID, &rec.PRURL, &verifiedAt,
			&rec.Summary.TotalTargeted, &rec.Summary.FixedCount, &rec.Summary.RemainingCount, &encoded)
		if err != nil {
			return nil, err
		}
		if rec.VerifiedAt, err = parseTime(verifiedAt); err != nil {
			return nil, fmt.Errorf("failed to parse verified_at for %s: %w", rec.SessionID, err)
		}
		var fps []string
		if err := json.Unmarshal([]byte(encoded), &fps); err != nil {
			return nil, fmt.Errorf("failed to decode verified fingerprints for %s: %w", rec.SessionID, err)
		}
		for _, fp := range fps {
			rec.VerifiedFixed = append(rec.VerifiedFixed, types.VerifiedFinding{Fingerprint: fp})
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func checkRowAffected(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", storage.ErrNotFound, sessionID)
	}
	return nil
}
