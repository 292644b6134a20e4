// Package approval implements the pending-approval coordination protocol:
// one approval slot per run, a FIFO waiter queue behind it, and
// requester-only decision resolution.
package approval

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome a reviewer submits for a pending approval.
type Decision struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	ReviewerID string `json:"reviewerId,omitempty"`
}

// ResolveOutcome reports what happened to a resolution attempt.
type ResolveOutcome string

const (
	// Resolved means the decision reached the waiting call.
	Resolved ResolveOutcome = "resolved"
	// NotFound means no pending approval matched the call id, or it was
	// already resolved.
	NotFound ResolveOutcome = "not_found"
	// Unauthorized means the submitting actor is not the run's requester.
	Unauthorized ResolveOutcome = "unauthorized"
)

// Request is one approval prompt: a tool call parked until a reviewer
// decides. It lives inside the coordinator until resolved or the run ends.
type Request struct {
	// ID is the approval id surfaced to reviewers. It equals the call id:
	// one call, at most one approval.
	ID           string    `json:"id"`
	RunID        string    `json:"runId"`
	CallID       string    `json:"callId"`
	ToolPath     string    `json:"toolPath"`
	RequesterID  string    `json:"requesterId"`
	InputPreview string    `json:"inputPreview,omitempty"`
	Title        string    `json:"title,omitempty"`
	Details      string    `json:"details,omitempty"`
	Link         string    `json:"link,omitempty"`
	CodeSnippet  string    `json:"codeSnippet,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	decision chan Decision
}

// NewRequest builds a request with its decision slot ready.
func NewRequest(runID, callID, toolPath, requesterID string) *Request {
	return &Request{
		ID:          callID,
		RunID:       runID,
		CallID:      callID,
		ToolPath:    toolPath,
		RequesterID: requesterID,
		CreatedAt:   time.Now().UTC(),
		decision:    make(chan Decision, 1),
	}
}

// Coordinator serializes approvals for one run. At most one request is
// pending at any instant; later approval-requiring calls queue behind it in
// FIFO order. A closed coordinator denies everything immediately.
type Coordinator struct {
	mu          sync.Mutex
	runID       string
	requesterID string
	adminIDs    map[string]bool

	pending *Request
	waiters []chan struct{}

	closed      bool
	closeReason string
}

// NewCoordinator creates the coordinator for one run. Only requesterID may
// resolve this run's approvals.
func NewCoordinator(runID, requesterID string) *Coordinator {
	return &Coordinator{runID: runID, requesterID: requesterID}
}

// AllowReviewer additionally authorizes an actor (workspace admin) to
// resolve this run's approvals.
func (c *Coordinator) AllowReviewer(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adminIDs == nil {
		c.adminIDs = make(map[string]bool)
	}
	c.adminIDs[actorID] = true
}

// Park acquires the approval slot and publishes the request as pending.
// When the slot is held by an earlier call, Park blocks in FIFO order until
// it frees. Returns the decision to apply immediately (non-nil) when the
// coordinator is closed, or an error when ctx expires first.
func (c *Coordinator) Park(ctx context.Context, req *Request) (*Decision, error) {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return &Decision{Approved: false, Reason: c.closeReason}, nil
		}
		if c.pending == nil {
			if req.decision == nil {
				req.decision = make(chan Decision, 1)
			}
			c.pending = req
			c.mu.Unlock()
			return nil, nil
		}
		wait := make(chan struct{})
		c.waiters = append(c.waiters, wait)
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			c.removeWaiter(wait)
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
}

// Await blocks until the parked request is resolved or ctx expires. On
// context expiry the slot is released and the head waiter woken, so a
// timed-out call cannot wedge the queue.
func (c *Coordinator) Await(ctx context.Context, req *Request) (Decision, error) {
	select {
	case d := <-req.decision:
		c.release(req)
		return d, nil
	case <-ctx.Done():
		c.release(req)
		return Decision{}, ctx.Err()
	}
}

// Resolve submits a decision for the pending approval. The actor must be
// the run's requester (or an explicitly allowed reviewer), and callID must
// match the current pending request; anything else is rejected without
// disturbing the pending call.
func (c *Coordinator) Resolve(callID, actorID string, d Decision) ResolveOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.CallID != callID {
		return NotFound
	}
	if actorID != c.requesterID && !c.adminIDs[actorID] {
		return Unauthorized
	}

	// Buffered channel: the send never blocks, and a second resolution for
	// the same request hits pending==nil above after release.
	select {
	case c.pending.decision <- d:
	default:
		return NotFound
	}
	return Resolved
}

// Pending returns the currently pending request, or nil.
func (c *Coordinator) Pending() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Close denies the pending approval (if any) with the given reason, wakes
// every queued waiter, and makes all future Park calls return an immediate
// denial. Used on run cancellation and deadline expiry.
func (c *Coordinator) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	pending := c.pending
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	if pending != nil {
		select {
		case pending.decision <- Decision{Approved: false, Reason: reason}:
		default:
		}
	}
	for _, w := range waiters {
		close(w)
	}
}

// release clears the slot after a decision (or abandonment) and wakes the
// head of the waiter queue.
func (c *Coordinator) release(req *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != req {
		return
	}
	c.pending = nil
	if len(c.waiters) > 0 {
		head := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(head)
	}
}

// removeWaiter drops an abandoned slot waiter. If it was already woken, the
// wake-up is passed to the next waiter so the slot is not lost.
func (c *Coordinator) removeWaiter(wait chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == wait {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
	// Not in the queue: it was woken concurrently. Hand the slot to the
	// next waiter, if any.
	if len(c.waiters) > 0 && c.pending == nil {
		head := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(head)
	}
}
