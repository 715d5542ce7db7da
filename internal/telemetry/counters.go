package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const cycleScopeName = "github.com/remedyhq/remedy/orchestrator"

// CycleMetrics counts the orchestrator's externally visible actions.
// All counters are no-ops when telemetry is disabled.
type CycleMetrics struct {
	dispatches metric.Int64Counter
	nudges     metric.Int64Counter
	followups  metric.Int64Counter
	exhausted  metric.Int64Counter
	skips      metric.Int64Counter
}

// NewCycleMetrics registers the orchestrator counters.
func NewCycleMetrics() *CycleMetrics {
	m := Meter(cycleScopeName)
	dispatches, _ := m.Int64Counter("remedy.sessions.dispatched",
		metric.WithDescription("Fresh remediation sessions created"),
	)
	nudges, _ := m.Int64Counter("remedy.sessions.nudged",
		metric.WithDescription("Feedback messages sent to active sessions"),
	)
	followups, _ := m.Int64Counter("remedy.sessions.followups",
		metric.WithDescription("Follow-up sessions created by the retry protocol"),
	)
	exhausted, _ := m.Int64Counter("remedy.chains.exhausted",
		metric.WithDescription("Attempt chains that hit the retry ceiling"),
	)
	skips, _ := m.Int64Counter("remedy.cycle.skips",
		metric.WithDescription("Per-item skips recorded during a cycle"),
	)
	return &CycleMetrics{
		dispatches: dispatches,
		nudges:     nudges,
		followups:  followups,
		exhausted:  exhausted,
		skips:      skips,
	}
}

func (c *CycleMetrics) Dispatched(ctx context.Context, repo string) {
	c.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("repo", repo)))
}

func (c *CycleMetrics) Nudged(ctx context.Context, repo string) {
	c.nudges.Add(ctx, 1, metric.WithAttributes(attribute.String("repo", repo)))
}

func (c *CycleMetrics) FollowedUp(ctx context.Context, repo string) {
	c.followups.Add(ctx, 1, metric.WithAttributes(attribute.String("repo", repo)))
}

func (c *CycleMetrics) Exhausted(ctx context.Context, repo string) {
	c.exhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("repo", repo)))
}

func (c *CycleMetrics) Skipped(ctx context.Context, repo, reason string) {
	c.skips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repo", repo),
		attribute.String("reason", reason),
	))
}
