package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/types"
)

// LoadWindowState reads the dispatch-window blob. Returns ErrNotFound
// when no state has been saved yet.
func (s *Store) LoadWindowState(ctx context.Context) (*types.WindowState, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM window_state WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load window state: %w", err)
	}

	var ws types.WindowState
	if err := json.Unmarshal([]byte(blob), &ws); err != nil {
		return nil, fmt.Errorf("failed to decode window state: %w", err)
	}
	return &ws, nil
}

// SaveWindowState writes the dispatch-window blob as a unit. Callers are
// responsible for serializing load-mutate-save sequences.
func (s *Store) SaveWindowState(ctx context.Context, ws *types.WindowState) error {
	blob, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("failed to encode window state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO window_state (id, blob) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET blob = excluded.blob`, string(blob))
	if err != nil {
		return fmt.Errorf("failed to save window state: %w", err)
	}
	return nil
}

// AppendDispatchRecord adds a durable dispatch-history entry. Appending
// the same batch twice within one cycle returns ErrDuplicateSession so a
// re-entered cycle cannot double-dispatch.
func (s *Store) AppendDispatchRecord(ctx context.Context, rec *types.DispatchRecord) error {
	if rec.BatchID == "" || rec.CycleID == "" {
		return fmt.Errorf("dispatch record requires batch_id and cycle_id")
	}

	encoded, err := json.Marshal(rec.Fingerprints)
	if err != nil {
		return fmt.Errorf("failed to encode fingerprints: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatch_history (batch_id, cycle_id, session_id, fingerprints, dispatched_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.BatchID, rec.CycleID, rec.SessionID, string(encoded), formatTime(rec.DispatchedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: batch %s already dispatched in cycle %s", storage.ErrDuplicateSession, rec.BatchID, rec.CycleID)
		}
		return fmt.Errorf("failed to append dispatch record: %w", err)
	}
	return nil
}

// ListDispatchHistory returns all dispatch records, oldest first.
func (s *Store) ListDispatchHistory(ctx context.Context) ([]*types.DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, cycle_id, session_id, fingerprints, dispatched_at
		FROM dispatch_history ORDER BY dispatched_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.DispatchRecord
	for rows.Next() {
		var rec types.DispatchRecord
		var encoded, dispatchedAt string
		if err := rows.Scan(&rec.BatchID, &rec.CycleID, &rec.SessionID, &encoded, &dispatchedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(encoded), &rec.Fingerprints); err != nil {
			return nil, fmt.Errorf("failed to decode fingerprints for batch %s: %w", rec.BatchID, err)
		}
		if rec.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
			return nil, fmt.Errorf("failed to parse dispatched_at for batch %s: %w", rec.BatchID, err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// isUniqueViolation detects SQLite unique-constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
