package policy

import "context"

// Engine evaluates tool calls against the loaded rule set.
type Engine interface {
	// Evaluate resolves the outcome for one call. It never returns an
	// implicit allow: when no rule matches, the query's default applies.
	Evaluate(ctx context.Context, q Query) (Decision, error)
}
