package ratelimit

import "context"

// Limiter decides whether a keyed submission fits its budget.
// Implementations must be safe for concurrent use and should spread the
// budget smoothly over the period (GCRA-style) so bursts at window edges
// cannot double-spend it.
type Limiter interface {
	Allow(ctx context.Context, key string, lim Limit) (Verdict, error)
}
