// Package ratelimit bounds how fast actors may submit runs.
package ratelimit

import "time"

// Limit is a submission budget: Rate runs per Period, of which up to
// Burst may be consumed back to back.
type Limit struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// Verdict is the outcome of a single Allow check.
type Verdict struct {
	Allowed   bool
	Remaining int

	// RetryAfter says how long until the next submission would pass.
	// Zero when Allowed.
	RetryAfter time.Duration

	// ResetAfter says how long until the budget is fully replenished.
	ResetAfter time.Duration
}

// ActorKey keys the limiter by submitting actor, the default granularity
// for POST /v1/runs.
func ActorKey(actorID string) string {
	return "submit:actor:" + actorID
}

// WorkspaceKey keys the limiter by workspace, for a budget shared across
// all of a workspace's actors.
func WorkspaceKey(workspaceID string) string {
	return "submit:workspace:" + workspaceID
}
