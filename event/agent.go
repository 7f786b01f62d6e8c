package event

import (
	"math"

	"github.com/iti/musepq/vrtime"
)

// CrossRef is the opaque handle a queue hands back from AddAgent. The
// two- and three-tier heaps keep it current on every top-heap swap so
// that lookups tied to an agent stay O(1) without a map probe on the
// hot path.
type CrossRef int

// NoCrossRef is the value of a CrossRef before the agent has been
// placed into whatever top-tier structure the queue maintains, or
// after the agent has been removed. Queues without an indexed top tier
// (the flat and binomial heaps, the ladder queue, mtqueue) return it
// from AddAgent.
const NoCrossRef CrossRef = -1

// Agent is the queue-visible slice of a simulation entity's state: the
// three mutable fields spec.md §3 calls out as visible to the queue.
// Everything else about an agent (its model state) is the host
// scheduler's business. The two- and three-tier heaps read and update
// OldTopTime to decide whether a heap repair is needed and write
// CrossRef on every top-heap swap; every queue reads LVT for the
// debug-mode causality check.
type Agent struct {
	ID AgentID

	// OldTopTime is the last receive time this agent's top pending
	// event had, as observed by the queue. Comparing a fresh top time
	// against this field is how the heap-of-agents queues (C5/C6)
	// decide whether a repair of the agent's position in a parent
	// structure is needed.
	OldTopTime vrtime.Time

	// CrossRef is this agent's current index/handle in whatever
	// top-tier structure the queue maintains.
	CrossRef CrossRef

	// LVT is the agent's last-vetted virtual time, used by the
	// debug-mode causality check at delivery (ReceiveTime <= LVT is
	// fatal). The queues in package queue never advance it;
	// mtqueue.Scheduler sets it to the receive time of each batch it
	// delivers. NewAgent starts it below every time, so a fresh agent
	// accepts an event at time zero.
	LVT vrtime.Time
}

// NewAgent registers a fresh Agent record. The host calls this once
// per simulation entity before any event naming it as a receiver is
// enqueued.
func NewAgent(id AgentID) *Agent {
	return &Agent{ID: id, OldTopTime: vrtime.Infinity, CrossRef: NoCrossRef, LVT: vrtime.FromSeconds(math.Inf(-1))}
}
