// Package remedy provides a minimal public API for embedding the
// remediation orchestrator in other Go programs.
//
// It exports only the essential types and constructors; the full
// behavior lives in the internal packages and is exercised through the
// remedy CLI.
package remedy

import (
	"context"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/internal/storage/sqlite"
	"github.com/remedyhq/remedy/internal/types"
)

// Core types for working with findings and attempts
type (
	Finding       = types.Finding
	SeverityTier  = types.SeverityTier
	FindingState  = types.FindingState
	Attempt       = types.Attempt
	AttemptChain  = types.AttemptChain
	SessionStatus = types.SessionStatus
	FindingFilter = types.FindingFilter
)

// Severity tier constants
const (
	SeverityCritical = types.SeverityCritical
	SeverityHigh     = types.SeverityHigh
	SeverityMedium   = types.SeverityMedium
	SeverityLow      = types.SeverityLow
)

// Finding state constants
const (
	StateOpen          = types.StateOpen
	StateFixed         = types.StateFixed
	StateVerifiedFixed = types.StateVerifiedFixed
)

// Storage is the persistence contract for programmatic access.
type Storage = storage.Store

// NewSQLiteStorage opens a remedy SQLite database for programmatic
// access, creating it when absent.
func NewSQLiteStorage(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}
