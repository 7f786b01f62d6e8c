// Package event defines the immutable pending-event record and the
// agent identifier space shared by every concrete event queue, along
// with the reference-counting contract a queue delegates to when it
// takes or surrenders ownership of an event.
package event

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/iti/musepq/vrtime"
)

// AgentID names a simulation entity. The zero value is never assigned
// to a registered agent; it is reserved as InvalidAgentID so that a
// zero-valued Event.Receiver is recognizably unset.
type AgentID uint64

// InvalidAgentID marks an unset agent id. No queue rejects it; the
// tests and seed scenarios use it as the Sender of their events.
const InvalidAgentID AgentID = 0

// Sentinel errors for the four fatal conditions the scheduler core can
// detect (§7 of the scheduler design). All four are meant to abort the
// host simulator with diagnostic context; none is recoverable inside
// the queue.
var (
	// ErrUnknownAgent is returned when an operation names a receiver
	// that was never registered with AddAgent.
	ErrUnknownAgent = errors.New("event: unknown agent")

	// ErrAntiMessageDelivery indicates the front event selected for
	// delivery is an anti-message; anti-messages are cancellation
	// records and must never reach a handler.
	ErrAntiMessageDelivery = errors.New("event: anti-message reached delivery")

	// ErrCausalityViolation indicates an event's receive time is not
	// strictly after the receiving agent's last-vetted time. Checked
	// only in debug mode.
	ErrCausalityViolation = errors.New("event: causality violation")

	// ErrInvariantViolation indicates an internal structural check
	// (heap order, tier-2 sortedness, ladder bucket ranges, skip-list
	// order) failed. No queue in this module runs such a check, so
	// none returns it.
	ErrInvariantViolation = errors.New("event: invariant violation")
)

// Event is an immutable pending-event record. Once handed to a queue
// via Enqueue/EnqueueBatch, no field is mutated by the queue; the
// queue's only privilege over an Event is adjusting its reference
// count through a Recycler.
type Event struct {
	// ReceiveTime is when the receiver processes this event. Must be
	// non-negative and >= SentTime.
	ReceiveTime vrtime.Time

	// SentTime is when the sender produced this event.
	SentTime vrtime.Time

	// Receiver is who the event is scheduled for.
	Receiver AgentID

	// Sender is who produced the event; cancellation (EraseAfter)
	// matches on (Sender, SentTime).
	Sender AgentID

	// AntiMessage marks this event as a cancellation record for a
	// previously sent message. The scheduler core never interprets
	// this flag beyond the debug-mode delivery check; matching an
	// anti-message to the message it cancels is the host's job.
	AntiMessage bool

	// Payload is opaque application data carried alongside the event,
	// analogous to evtm.Event's Context/Data pair in the teacher
	// package, collapsed to one field since the scheduler core never
	// inspects it.
	Payload any

	refCount int32
	shards   *shardedCounters
}

// Less implements the canonical event order (§4.1): lexicographic by
// (ReceiveTime, Receiver). Every concrete queue keys on this.
func Less(lhs, rhs *Event) bool {
	if lhs.ReceiveTime.EQ(rhs.ReceiveTime) {
		return lhs.Receiver < rhs.Receiver
	}
	return lhs.ReceiveTime.LT(rhs.ReceiveTime)
}

// SameBatch reports whether two events belong to the same concurrent
// delivery batch: identical receive time and receiver.
func SameBatch(lhs, rhs *Event) bool {
	return lhs.ReceiveTime.EQ(rhs.ReceiveTime) && lhs.Receiver == rhs.Receiver
}

// MatchesCancellation reports whether e is cancelled by
// EraseAfter(dest, sender, sentTime): e.Receiver == dest,
// e.Sender == sender, and e.SentTime >= sentTime.
func (e *Event) MatchesCancellation(dest, sender AgentID, sentTime vrtime.Time) bool {
	return e.Receiver == dest && e.Sender == sender && e.SentTime.GE(sentTime)
}

// String renders one diagnostic line, used by pretty_print call sites.
func (e *Event) String() string {
	return fmt.Sprintf("(recv=%s, sender=%d, receiver=%d, sent=%s, anti=%t)",
		e.ReceiveTime, e.Sender, e.Receiver, e.SentTime, e.AntiMessage)
}

// Recycler is the external collaborator every queue delegates
// ownership bookkeeping to. A queue never frees an Event itself: it
// calls IncRef exactly once per logical storage slot it creates for
// an event, and DecRef exactly once per slot it surrenders (on
// cancellation or on handing the event to the caller for delivery).
// What happens when the count reaches zero — pooling, or nothing — is
// entirely the Recycler's business.
type Recycler interface {
	IncRef(e *Event)
	DecRef(e *Event)
}

// SimpleRecycler maintains one atomic counter per Event and invokes
// release exactly once, the first time a DecRef observes the count
// reach zero. This is the usingSharedEvents=false configuration: a
// single counter shared by every goroutine that touches the event.
type SimpleRecycler struct {
	release func(*Event)
}

// NewSimpleRecycler builds a Recycler with a single shared counter per
// event. release may be nil, in which case reaching zero is a no-op
// (the common case in tests, where events are stack- or
// pool-allocated by the caller and simply dropped).
func NewSimpleRecycler(release func(*Event)) *SimpleRecycler {
	return &SimpleRecycler{release: release}
}

func (r *SimpleRecycler) IncRef(e *Event) {
	atomic.AddInt32(&e.refCount, 1)
}

func (r *SimpleRecycler) DecRef(e *Event) {
	if atomic.AddInt32(&e.refCount, -1) == 0 && r.release != nil {
		r.release(e)
	}
}

// RefCount reports the current shared reference count, for tests and
// diagnostics only.
func RefCount(e *Event) int32 {
	return atomic.LoadInt32(&e.refCount)
}

// ThreadLocalRecycler implements the usingSharedEvents=true
// configuration (§5, §9 design notes): rather than contending a single
// atomic counter, each worker accumulates its increments and
// decrements into its own shard. The queue never observes which mode
// is active; it only ever calls IncRef/DecRef.
//
// Shard assignment is caller-driven: a worker calls Bind to obtain a
// ShardRecycler scoped to its shard index (mirroring the small-integer
// worker ids the epoch-GC scheme in package skiplist already assigns),
// and uses that handle for the duration of its work. Every DecRef on an
// event with shard storage sums all its shards (tally) and calls
// release when the sum reaches zero.
type ThreadLocalRecycler struct {
	shards  int
	release func(*Event)
}

// NewThreadLocalRecycler builds a Recycler with shards independent
// counters per event.
func NewThreadLocalRecycler(shards int, release func(*Event)) *ThreadLocalRecycler {
	if shards < 1 {
		shards = 1
	}
	return &ThreadLocalRecycler{shards: shards, release: release}
}

// Bind returns a ShardRecycler for worker shard id in [0, shards).
func (r *ThreadLocalRecycler) Bind(shard int) *ShardRecycler {
	return &ShardRecycler{parent: r, shard: shard % r.shards}
}

// shardedCounters is the per-shard counter storage an Event carries in
// its unexported shards field once WithShardedCounters has been called
// on it; it stays nil otherwise. There is no package-level table: a
// shared map would need a global lock and defeat the point of sharding.
type shardedCounters struct {
	counts []int32
}

// WithShardedCounters attaches per-shard counter storage to an event
// (its shards field) when the caller opts into ThreadLocalRecycler for
// that event. Events not carrying shard storage fall back to the single
// shared counter, so SimpleRecycler and ThreadLocalRecycler can be
// mixed within one run if a host chooses to.
func WithShardedCounters(e *Event, shards int) {
	e.shards = &shardedCounters{counts: make([]int32, shards)}
}

// ShardRecycler is a worker-scoped view of a ThreadLocalRecycler.
type ShardRecycler struct {
	parent *ThreadLocalRecycler
	shard  int
}

func (s *ShardRecycler) IncRef(e *Event) {
	if e.shards == nil {
		atomic.AddInt32(&e.refCount, 1)
		return
	}
	atomic.AddInt32(&e.shards.counts[s.shard], 1)
}

func (s *ShardRecycler) DecRef(e *Event) {
	if e.shards == nil {
		if atomic.AddInt32(&e.refCount, -1) == 0 && s.parent.release != nil {
			s.parent.release(e)
		}
		return
	}
	atomic.AddInt32(&e.shards.counts[s.shard], -1)
	if s.parent.tally(e) == 0 && s.parent.release != nil {
		s.parent.release(e)
	}
}

func (r *ThreadLocalRecycler) tally(e *Event) int32 {
	var total int32
	for i := range e.shards.counts {
		total += atomic.LoadInt32(&e.shards.counts[i])
	}
	return total
}
