// Package agent provides the client for the remediation-agent service.
package agent

import (
	"time"

	"github.com/remedyhq/remedy/internal/types"
)

// DefaultTimeout bounds each HTTP request to the agent service.
const DefaultTimeout = 30 * time.Second

// Session is the agent service's view of one remediation session.
type Session struct {
	ID     string              `json:"session_id"`
	URL    string              `json:"url,omitempty"`
	Status types.SessionStatus `json:"status"`
	Title  string              `json:"title,omitempty"`
	PRURL  string              `json:"pr_url,omitempty"`
}

// CreateSessionRequest describes a new session to dispatch.
type CreateSessionRequest struct {
	Prompt     string   `json:"prompt"`
	Title      string   `json:"title,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	MaxCompute string   `json:"max_compute,omitempty"`

	// IdempotencyKey deduplicates retried creations on the service side:
	// session creation is at-least-once across process crashes, never
	// exactly-once.
	IdempotencyKey string `json:"-"`
}
