// Package storage provides shared types for orchestrator persistence.
//
// The concrete implementation lives in the sqlite sub-package. This
// package holds the interface and sentinel errors referenced by both the
// implementation and its consumers. The orchestration core requires only
// the narrow contracts declared here; no further schema is part of it.
package storage

import (
	"context"
	"errors"

	"github.com/remedyhq/remedy/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when appending an attempt whose session
// id was already recorded.
var ErrDuplicateSession = errors.New("session already recorded")

// ErrActiveAttempt is returned when appending an attempt for a batch that
// already has a non-terminal attempt. At most one active attempt may
// exist per batch at any time.
var ErrActiveAttempt = errors.New("batch already has an active attempt")

// Store is the persistence contract for the orchestration core.
//
// Consumers depend on this interface rather than on the concrete type so
// that alternative implementations (mocks, proxies) can be substituted.
type Store interface {
	// Findings, keyed by fingerprint.
	UpsertFinding(ctx context.Context, f *types.Finding) error
	GetFinding(ctx context.Context, fingerprint string) (*types.Finding, error)
	ListFindings(ctx context.Context, filter types.FindingFilter) ([]*types.Finding, error)

	// Remediation attempts and their chains.
	AppendAttempt(ctx context.Context, a *types.Attempt) error
	UpdateAttemptStatus(ctx context.Context, sessionID string, status types.SessionStatus) error
	SetAttemptPR(ctx context.Context, sessionID, prURL string) error
	GetChainByBatch(ctx context.Context, batchID string) (*types.AttemptChain, error)
	ListChains(ctx context.Context) ([]*types.AttemptChain, error)

	// Verification records.
	AppendVerification(ctx context.Context, rec *types.VerificationRecord) error
	ListVerifications(ctx context.Context) ([]*types.VerificationRecord, error)

	// Dispatch-window state, read and written as a whole blob. Callers
	// must serialize read-modify-write sequences; concurrent unserialized
	// writers can lose updates (documented limitation).
	LoadWindowState(ctx context.Context) (*types.WindowState, error)
	SaveWindowState(ctx context.Context, ws *types.WindowState) error

	// Durable dispatch history for idempotent cycle re-entry.
	ListDispatchHistory(ctx context.Context) ([]*types.DispatchRecord, error)
	AppendDispatchRecord(ctx context.Context, rec *types.DispatchRecord) error

	Close() error
}
