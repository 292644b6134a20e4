package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RhysSullivan/codegate/internal/domain/approval"
	"github.com/RhysSullivan/codegate/internal/domain/tool"
)

// ErrSessionClosed is returned by Next when the session has been destroyed.
var ErrSessionClosed = errors.New("run session closed")

// DefaultHighWaterMark is the buffered-event count that triggers a
// backpressure event.
const DefaultHighWaterMark = 1024

// CallState tracks one in-flight or completed mediated call on a session.
type CallState struct {
	done    chan struct{}
	receipt *Receipt
}

// Session is the transient in-memory handle for a live run: the ordered
// event buffer with its consumers, the approval coordinator, the pinned
// registry snapshot, and the receipt table that makes callbacks idempotent.
// It is created at submission and destroyed after the terminal event drains.
type Session struct {
	RunID string

	// Snapshot is the tool registry version pinned at run start. Read-only.
	Snapshot *tool.Snapshot

	// Approvals coordinates this run's pending-approval slot.
	Approvals *approval.Coordinator

	// Cancel aborts the runtime execution. Set once before dispatch.
	Cancel context.CancelFunc

	mu        sync.Mutex
	seq       uint64
	events    []Event
	notify    chan struct{}
	highWater int
	closed    bool

	terminalSeen bool
	drained      chan struct{}
	drainedOnce  sync.Once

	calls map[string]*CallState
}

// NewSession creates the session for a freshly submitted run.
func NewSession(runID string, snapshot *tool.Snapshot, coord *approval.Coordinator) *Session {
	return &Session{
		RunID:     runID,
		Snapshot:  snapshot,
		Approvals: coord,
		notify:    make(chan struct{}),
		highWater: DefaultHighWaterMark,
		drained:   make(chan struct{}),
		calls:     make(map[string]*CallState),
	}
}

// SetHighWaterMark overrides the backpressure threshold. Zero or negative
// keeps the default.
func (s *Session) SetHighWaterMark(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.highWater = n
	s.mu.Unlock()
}

// Append assigns the next sequence number to the event, buffers it, and
// wakes every blocked consumer. When the buffer crosses the high-water mark
// the oldest non-terminal event is dropped and a backpressure event is
// appended in its place; terminal events are never dropped.
func (s *Session) Append(ev Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev.Seq = s.seq
	ev.RunID = s.RunID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.events = append(s.events, ev)
	if ev.Type.IsTerminal() {
		s.terminalSeen = true
	}

	if len(s.events) > s.highWater {
		dropped := 0
		for i, buffered := range s.events {
			if !buffered.Type.IsTerminal() {
				s.events = append(s.events[:i], s.events[i+1:]...)
				dropped = 1
				break
			}
		}
		if dropped > 0 {
			s.seq++
			s.events = append(s.events, Event{
				Seq:     s.seq,
				RunID:   s.RunID,
				Type:    EventBackpressure,
				At:      time.Now().UTC(),
				Dropped: dropped,
			})
		}
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return ev
}

// LastSeq returns the most recently assigned sequence number.
func (s *Session) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Next blocks until an event with a sequence number greater than afterSeq is
// available, then returns the earliest such event. Consumers keep their own
// cursor, so multiple consumers each see the full ordered stream. When the
// consumer has read the terminal event the session marks itself drained.
func (s *Session) Next(ctx context.Context, afterSeq uint64) (Event, error) {
	for {
		s.mu.Lock()
		if ev, ok := s.nextLocked(afterSeq); ok {
			s.mu.Unlock()
			if ev.Type.IsTerminal() {
				s.drainedOnce.Do(func() { close(s.drained) })
			}
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrSessionClosed
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (s *Session) nextLocked(afterSeq uint64) (Event, bool) {
	for _, ev := range s.events {
		if ev.Seq > afterSeq {
			return ev, true
		}
	}
	return Event{}, false
}

// Drained returns a channel closed once at least one consumer has read the
// terminal event. The retention sweeper waits on it (with a timer fallback)
// before destroying the session.
func (s *Session) Drained() <-chan struct{} {
	return s.drained
}

// TerminalSeen reports whether a terminal event has been appended.
func (s *Session) TerminalSeen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalSeen
}

// CloseSession wakes all consumers with ErrSessionClosed. Called when the
// session is evicted from the run table.
func (s *Session) CloseSession() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
	s.drainedOnce.Do(func() { close(s.drained) })
}

// BeginCall claims a call id for execution. Exactly one caller per call id
// gets first=true and must eventually call FinishCall; every other caller
// receives the shared state to wait on or read the receipt from.
func (s *Session) BeginCall(callID string) (*CallState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.calls[callID]; ok {
		return cs, false
	}
	cs := &CallState{done: make(chan struct{})}
	s.calls[callID] = cs
	return cs, true
}

// FinishCall records the receipt for a call id and releases every waiter.
func (s *Session) FinishCall(callID string, receipt *Receipt) {
	s.mu.Lock()
	cs, ok := s.calls[callID]
	if !ok {
		// BeginCall always precedes FinishCall.
		cs = &CallState{done: make(chan struct{})}
		s.calls[callID] = cs
	}
	alreadyDone := cs.receipt != nil
	if !alreadyDone {
		cs.receipt = receipt
	}
	s.mu.Unlock()
	if !alreadyDone {
		close(cs.done)
	}
}

// AbandonCall releases a claimed call id without a receipt, so a later
// retry can execute it. Used when the first attempt ends without a terminal
// answer (context cancellation before any side effect).
func (s *Session) AbandonCall(callID string, cs *CallState) {
	s.mu.Lock()
	if cur, ok := s.calls[callID]; ok && cur == cs && cur.receipt == nil {
		delete(s.calls, callID)
	}
	s.mu.Unlock()
}

// Receipt returns the recorded receipt for a call id, if the call finished.
func (cs *CallState) Receipt() *Receipt {
	return cs.receipt
}

// Done returns a channel closed when the call finishes.
func (cs *CallState) Done() <-chan struct{} {
	return cs.done
}

// Receipts returns the finished receipts. Completion order is not
// guaranteed; callers sort if they need stable output.
func (s *Session) Receipts() []*Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Receipt, 0, len(s.calls))
	for _, cs := range s.calls {
		if cs.receipt != nil {
			out = append(out, cs.receipt)
		}
	}
	return out
}
