// Package queue implements the family of concrete pending-event queues
// consumed by the surrounding scheduler: a plain binary heap, a
// binomial heap, two- and three-tier heap-of-agent-queues, and a
// calendar-style ladder queue. All of them satisfy EventQueue; which
// one is configured is an implementation detail above this package.
package queue

import (
	"fmt"
	"io"

	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

// EventQueue is the contract every concrete queue in this package (and
// the multi-threaded one in package mtqueue) satisfies. See spec §4.2.
type EventQueue interface {
	// AddAgent registers agent id, returning the cross-reference handle:
	// the two- and three-tier heaps return the agent's top-heap index and
	// keep it current on every swap; the other variants return
	// event.NoCrossRef. Calling AddAgent twice for the same id is a
	// programming error.
	AddAgent(id event.AgentID) (event.CrossRef, error)

	// RemoveAgent cancels every event pending for id, releases its
	// second-tier storage, and returns ErrUnknownAgent if id was never
	// added. Idempotent: a second call on an already-removed id is a
	// no-op returning ErrUnknownAgent.
	RemoveAgent(id event.AgentID) error

	// Empty reports whether any deliverable event remains.
	Empty() bool

	// Front returns the lowest event in canonical order without
	// dequeuing it, or ok=false if the queue is empty.
	Front() (e *event.Event, ok bool)

	// DequeueNextAgentEvents atomically removes every event sharing the
	// front (recv_time, receiver) pair and appends them to out,
	// returning the extended slice. The order within the returned
	// batch is unspecified. A nil or empty result leaves out unchanged.
	// The returned error is one of the debug-mode fatal checks
	// (ErrAntiMessageDelivery, ErrCausalityViolation) surfaced instead
	// of aborting the process outright, so a host can log and stop
	// cleanly; a non-nil error is always accompanied by the partial
	// batch extracted so far.
	DequeueNextAgentEvents(out []*event.Event) ([]*event.Event, error)

	// Enqueue inserts one event for agent e.Receiver, performing one
	// IncRef via the queue's configured Recycler.
	Enqueue(e *event.Event) error

	// EnqueueBatch inserts many events without performing any IncRef
	// (the caller already owns correct reference counts, e.g. after a
	// rollback). events is truncated to length zero on return.
	EnqueueBatch(events *[]*event.Event) error

	// EraseAfter cancels every pending event e with e.Receiver == dest,
	// e.Sender == sender, and e.SentTime >= sentTime, performing one
	// DecRef per cancelled event, and returns the count cancelled.
	EraseAfter(dest, sender event.AgentID, sentTime vrtime.Time) int

	// PrettyPrint writes a diagnostic dump of pending events.
	PrettyPrint(w io.Writer)

	// ReportStats writes and returns diagnostic counters.
	ReportStats(w io.Writer) Stats
}

// Stats carries the diagnostic counters §12 of SPEC_FULL.md asks every
// variant to populate. Fields a given variant has no notion of (e.g.
// rung counts on a plain binary heap) stay zero.
type Stats struct {
	Len          int
	MaxQueueSize int
	RungsCreated int
	CurrentRungs int
	BucketsTotal int
}

func (s Stats) String() string {
	return fmt.Sprintf("len=%d max_q_size=%d rungs_created=%d current_rungs=%d buckets_total=%d",
		s.Len, s.MaxQueueSize, s.RungsCreated, s.CurrentRungs, s.BucketsTotal)
}

// DebugChecks gates the debug-mode-only causality check. The
// anti-message check always runs, and there is no structural invariant
// check to gate. Production builds of a host simulator
// typically disable this once a model has been validated; it defaults
// on so tests exercise it.
var DebugChecks = true

// checkCausality implements the debug-mode delivery check: an event
// whose receive time does not strictly exceed the receiving agent's
// last-vetted time indicates the host scheduled something in the
// agent's own past.
func checkCausality(e *event.Event, lvt vrtime.Time) error {
	if !DebugChecks {
		return nil
	}
	if e.ReceiveTime.LE(lvt) {
		return fmt.Errorf("%w: event %s at or before agent %d's lvt %s",
			event.ErrCausalityViolation, e, e.Receiver, lvt)
	}
	return nil
}

// checkNotAntiMessage implements the always-on delivery check: the
// front event selected for dispatch must never be an anti-message.
func checkNotAntiMessage(e *event.Event) error {
	if e.AntiMessage {
		return fmt.Errorf("%w: event %s", event.ErrAntiMessageDelivery, e)
	}
	return nil
}
