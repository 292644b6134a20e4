package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/ratelimit"
)

// SubmitLimiter is an in-memory GCRA limiter for run submissions. Each key
// carries one theoretical-arrival-time cell; a submission is admitted when
// now has caught up to the cell minus the burst allowance. An optional
// janitor sweeps cells that have fully drained so per-actor entries do not
// accumulate forever.
type SubmitLimiter struct {
	mu    sync.Mutex
	cells map[string]time.Time

	sweepEvery time.Duration
	staleAfter time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewSubmitLimiter builds a limiter with the default janitor cadence
// (sweep every 5 minutes, drop cells idle for an hour).
func NewSubmitLimiter() *SubmitLimiter {
	return NewSubmitLimiterWithJanitor(5*time.Minute, time.Hour)
}

// NewSubmitLimiterWithJanitor builds a limiter with an explicit sweep
// cadence and staleness cutoff.
func NewSubmitLimiterWithJanitor(sweepEvery, staleAfter time.Duration) *SubmitLimiter {
	return &SubmitLimiter{
		cells:      make(map[string]time.Time),
		sweepEvery: sweepEvery,
		staleAfter: staleAfter,
		done:       make(chan struct{}),
	}
}

// Allow runs the GCRA admission check for key under lim and, when the
// submission is admitted, advances the key's cell by one emission interval.
func (l *SubmitLimiter) Allow(_ context.Context, key string, lim ratelimit.Limit) (ratelimit.Verdict, error) {
	if lim.Rate <= 0 {
		lim.Rate = 1
	}
	if lim.Burst <= 0 {
		lim.Burst = lim.Rate
	}
	emission := lim.Period / time.Duration(lim.Rate)
	allowance := time.Duration(lim.Burst) * emission

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	tat, ok := l.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}

	if earliest := tat.Add(-allowance); now.Before(earliest) {
		return ratelimit.Verdict{
			Allowed:    false,
			RetryAfter: earliest.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	next := tat.Add(emission)
	if next.Before(now) {
		next = now.Add(emission)
	}
	l.cells[key] = next

	remaining := int((allowance - next.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > lim.Burst {
		remaining = lim.Burst
	}
	return ratelimit.Verdict{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: next.Sub(now),
	}, nil
}

// StartJanitor begins the background sweep. It stops when ctx is cancelled
// or Stop is called.
func (l *SubmitLimiter) StartJanitor(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *SubmitLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.staleAfter)
	swept := 0
	for key, tat := range l.cells {
		if tat.Before(cutoff) {
			delete(l.cells, key)
			swept++
		}
	}
	if swept > 0 {
		slog.Debug("submit limiter sweep", "swept", swept, "live", len(l.cells))
	}
}

// Stop halts the janitor and waits for it to exit. Safe to call twice.
func (l *SubmitLimiter) Stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Len reports the number of tracked keys.
func (l *SubmitLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cells)
}

var _ ratelimit.Limiter = (*SubmitLimiter)(nil)
