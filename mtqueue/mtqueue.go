// Package mtqueue implements C9: a multi-threaded three-tier scheduler
// built directly on package skiplist's C8 lock-free priority queue, so
// that several worker threads can dequeue different agents' events
// concurrently (spec §4.9).
//
// The shape mirrors package queue's C6 ThreeTierHeap — a top tier
// keyed by (agent top time, agent id) over per-agent second-tier
// storage keyed by recv_time — but both tiers are lock-free skip-list
// priority queues rather than binary heaps, and the per-agent
// second-tier entry additionally carries its own mutex and a removed
// flag so a concurrent enqueuer racing a dequeuer can tell a tier-2
// PQ hit apart from a tier-2 PQ miss that just hasn't been physically
// unlinked yet.
package mtqueue

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/iti/musepq/config"
	"github.com/iti/musepq/event"
	"github.com/iti/musepq/metrics"
	"github.com/iti/musepq/queue"
	"github.com/iti/musepq/skiplist"
	"github.com/iti/musepq/vrtime"
)

// queueKind labels every Scheduler metric; there is exactly one
// Scheduler implementation, so this is a constant rather than a field.
const queueKind = "mtqueue"

// DebugChecks gates the debug-mode causality check, as package queue's
// switch does, kept separate since an MT scheduler and a
// single-threaded one are typically configured independently. The
// anti-message check always runs.
var DebugChecks = true

// topKey orders the top tier by (agent top time, agent id), the same
// tie-break the single-threaded heap variants use.
type topKey struct {
	time vrtime.Time
	id   event.AgentID
}

func cmpTopKey(a, b topKey) int {
	if c := vrtime.Compare(a.time, b.time); c != 0 {
		return c
	}
	switch {
	case a.id < b.id:
		return -1
	case a.id > b.id:
		return 1
	default:
		return 0
	}
}

// tier2Entry groups every event sharing one agent's recv_time, the
// same concurrent-batch unit package queue's tier2Bucket represents,
// guarded by its own lock since multiple enqueuers may append to it
// while a dequeuer is in the middle of extracting it.
type tier2Entry struct {
	mu       sync.Mutex
	recvTime vrtime.Time
	events   []*event.Event
	removed  bool
}

// mtAgent is one agent's MT-visible state: the shared Agent record the
// rest of the module uses plus this package's own tier-2 PQ, entry
// pool, and the restructure_mutex spec §4.9 calls for serializing an
// agent's top-key relocation against itself (never against other
// agents).
type mtAgent struct {
	agent *event.Agent

	tier2 *skiplist.LockFreeSkipPQ[vrtime.Time, *tier2Entry]

	restructureMu sync.Mutex
	key           topKey

	lvtMu sync.Mutex

	poolMu sync.Mutex
	pool   []*tier2Entry
}

func (a *mtAgent) getEntry(recvTime vrtime.Time) *tier2Entry {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	if n := len(a.pool); n > 0 {
		e := a.pool[n-1]
		a.pool = a.pool[:n-1]
		e.recvTime = recvTime
		e.events = e.events[:0]
		e.removed = false
		return e
	}
	return &tier2Entry{recvTime: recvTime}
}

func (a *mtAgent) recycleEntry(e *tier2Entry) {
	a.poolMu.Lock()
	a.pool = append(a.pool, e)
	a.poolMu.Unlock()
}

func (a *mtAgent) getLVT() vrtime.Time {
	a.lvtMu.Lock()
	defer a.lvtMu.Unlock()
	return a.agent.LVT
}

func (a *mtAgent) setLVT(t vrtime.Time) {
	a.lvtMu.Lock()
	a.agent.LVT = t
	a.lvtMu.Unlock()
}

// Scheduler is the MT three-tier queue. AddAgent/RemoveAgent are not
// thread-safe and may only be called during a sequential setup/teardown
// phase (spec §4.9); Enqueue/EnqueueBatch/DequeueNextAgentEvents/
// EraseAfter are safe for concurrent use by multiple enqueuer threads
// and (for EraseAfter and the dequeue side) exactly one dequeuer
// thread.
type Scheduler struct {
	cfg config.Tunables

	top *skiplist.LockFreeSkipPQ[topKey, *mtAgent]

	agentsMu sync.RWMutex
	agents   map[event.AgentID]*mtAgent

	recycler event.Recycler

	count    atomic.Int64
	maxQSize atomic.Int64
}

// New builds an empty Scheduler. recycler is the shared Recycler every
// Enqueue/EraseAfter/dequeue call delegates ownership bookkeeping to,
// exactly as in package queue.
func New(recycler event.Recycler, cfg config.Tunables) *Scheduler {
	minKey := topKey{time: vrtime.FromSeconds(math.Inf(-1)), id: event.InvalidAgentID}
	maxKey := topKey{time: vrtime.Infinity, id: event.AgentID(^uint64(0))}
	return &Scheduler{
		cfg:      cfg,
		top:      skiplist.New[topKey, *mtAgent](cmpTopKey, cfg.NumLevels, cfg.MaxOffset, minKey, maxKey),
		agents:   make(map[event.AgentID]*mtAgent),
		recycler: recycler,
	}
}

func (s *Scheduler) lookupAgent(id event.AgentID) (*mtAgent, bool) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// AddAgent registers id. Not thread-safe; call only during sequential
// setup.
func (s *Scheduler) AddAgent(id event.AgentID) (event.CrossRef, error) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	if _, exists := s.agents[id]; exists {
		return event.NoCrossRef, fmt.Errorf("mtqueue: agent %d already registered", id)
	}
	tier2MinKey := vrtime.FromSeconds(math.Inf(-1))
	a := &mtAgent{
		agent: event.NewAgent(id),
		tier2: skiplist.New[vrtime.Time, *tier2Entry](vrtime.Compare, s.cfg.NumLevels, s.cfg.MaxOffset, tier2MinKey, vrtime.Infinity),
		key:   topKey{time: vrtime.Infinity, id: id},
	}
	s.agents[id] = a
	s.top.Insert(a.key, a)
	// CrossRef has no meaning over a skip-list (no index to keep
	// current); every caller of this package addresses agents by id.
	return event.NoCrossRef, nil
}

// RemoveAgent cancels every event pending for id and drops its tier-2
// PQ. Not thread-safe; call only during sequential teardown, never
// concurrently with a live Enqueue/dequeue against the same id.
func (s *Scheduler) RemoveAgent(id event.AgentID) error {
	s.agentsMu.Lock()
	a, exists := s.agents[id]
	if !exists {
		s.agentsMu.Unlock()
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, id)
	}
	delete(s.agents, id)
	s.agentsMu.Unlock()

	s.top.DeleteEntry(a.key)
	for {
		_, entry, ok := a.tier2.DeleteMin()
		if !ok {
			break
		}
		for _, e := range entry.events {
			s.recycler.DecRef(e)
			s.bumpCount(-1)
		}
	}
	return nil
}

func (s *Scheduler) bumpCount(delta int64) {
	n := s.count.Add(delta)
	metrics.QueueDepth.WithLabelValues(queueKind).Set(float64(n))
	for {
		cur := s.maxQSize.Load()
		if n <= cur || s.maxQSize.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Enqueue inserts e, taking one IncRef.
func (s *Scheduler) Enqueue(e *event.Event) error {
	return s.enqueueCore(e, true)
}

// EnqueueBatch inserts every event in *events without any IncRef,
// truncating *events to length zero on return.
func (s *Scheduler) EnqueueBatch(events *[]*event.Event) error {
	for _, e := range *events {
		if err := s.enqueueCore(e, false); err != nil {
			return err
		}
	}
	*events = (*events)[:0]
	return nil
}

// enqueueCore implements spec §4.9's enqueue_event protocol: look up
// the entry at e.ReceiveTime in the agent's tier-2 PQ; if found and
// live, append under its lock; if found but already removed (a
// dequeuer beat us to it), fall through and build a fresh entry; if
// insertion of a fresh entry races another enqueuer, recycle ours and
// retry against the winner.
func (s *Scheduler) enqueueCore(e *event.Event, incRef bool) error {
	a, ok := s.lookupAgent(e.Receiver)
	if !ok {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
	}
	if incRef {
		s.recycler.IncRef(e)
	}
	s.bumpCount(1)

	for {
		if entry, found := a.tier2.GetEntry(e.ReceiveTime); found {
			entry.mu.Lock()
			if !entry.removed {
				entry.events = append(entry.events, e)
				entry.mu.Unlock()
				s.restructureTopQueue(a, e.ReceiveTime)
				metrics.EventsEnqueued.WithLabelValues(queueKind).Inc()
				return nil
			}
			entry.mu.Unlock()
		}

		fresh := a.getEntry(e.ReceiveTime)
		fresh.events = append(fresh.events, e)
		if _, inserted := a.tier2.Insert(e.ReceiveTime, fresh); inserted {
			s.restructureTopQueue(a, e.ReceiveTime)
			metrics.EventsEnqueued.WithLabelValues(queueKind).Inc()
			return nil
		}
		a.recycleEntry(fresh)
	}
}

// restructureTopQueue implements restructure_top_queue: under the
// agent's own restructure_mutex, relocate its top-tier key only if
// newTime sorts ahead of its current one. If the agent's current key
// can't be found (a dequeuer has it mid-pop_next_agent), the relocation
// is dropped: push_agent will recompute the correct key from scratch
// once the dequeuer returns it.
func (s *Scheduler) restructureTopQueue(a *mtAgent, newTime vrtime.Time) {
	a.restructureMu.Lock()
	defer a.restructureMu.Unlock()
	if !newTime.LT(a.key.time) {
		return
	}
	if _, ok := s.top.DeleteEntry(a.key); !ok {
		return
	}
	a.key = topKey{time: newTime, id: a.agent.ID}
	s.top.Insert(a.key, a)
}

func nextMinOrInfinity(a *mtAgent) vrtime.Time {
	t, _, ok := a.tier2.PeekMin()
	if !ok {
		return vrtime.Infinity
	}
	return t
}

// popNextAgent implements pop_next_agent: remove and return the
// top-tier minimum. Once popped, an agent is absent from the top tier
// until pushAgent restores it — restructureTopQueue observes this and
// defers its own relocation rather than racing a second insert.
func (s *Scheduler) popNextAgent() (*mtAgent, bool) {
	_, a, ok := s.top.DeleteMin()
	return a, ok
}

// dequeueNextEvents implements dequeue_next_events: pop the agent's
// tier-2 minimum entry, mark it removed (so a racing enqueuer that
// already holds a GetEntry reference to it falls through to a fresh
// entry instead of appending to one already handed to a caller),
// extract its events, DecRef and recycle it.
func (s *Scheduler) dequeueNextEvents(a *mtAgent, out []*event.Event) []*event.Event {
	_, entry, ok := a.tier2.DeleteMin()
	if !ok {
		return out
	}
	entry.mu.Lock()
	entry.removed = true
	events := entry.events
	entry.mu.Unlock()

	out = append(out, events...)
	for _, e := range events {
		s.recycler.DecRef(e)
		s.bumpCount(-1)
	}
	if len(events) > 0 {
		metrics.EventsDequeued.WithLabelValues(queueKind).Add(float64(len(events)))
	}
	a.recycleEntry(entry)
	return out
}

// pushAgent implements push_agent: recompute the agent's key from its
// current tier-2 minimum (vrtime.Infinity if now empty) and reinsert
// it into the top tier.
func (s *Scheduler) pushAgent(a *mtAgent) {
	a.restructureMu.Lock()
	defer a.restructureMu.Unlock()
	a.key = topKey{time: nextMinOrInfinity(a), id: a.agent.ID}
	s.top.Insert(a.key, a)
}

// DequeueNextAgentEvents runs the full dequeue protocol: pop the
// highest-priority agent, drain its front batch, and push it back.
// Intended for a single dequeuer thread; EraseAfter assumes the same.
func (s *Scheduler) DequeueNextAgentEvents(out []*event.Event) ([]*event.Event, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DequeueLatency)

	a, ok := s.popNextAgent()
	if !ok {
		return out, nil
	}
	before := len(out)
	out = s.dequeueNextEvents(a, out)
	if len(out) > before {
		front := out[before]
		if err := checkNotAntiMessage(front); err != nil {
			s.pushAgent(a)
			return out, err
		}
		if err := checkCausality(front, a.getLVT()); err != nil {
			s.pushAgent(a)
			return out, err
		}
		a.setLVT(front.ReceiveTime)
	}
	s.pushAgent(a)
	return out, nil
}

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

func checkNotAntiMessage(e *event.Event) error {
	if e.AntiMessage {
		return fmt.Errorf("%w: event %s", event.ErrAntiMessageDelivery, e)
	}
	return nil
}

// EraseAfter cancels every event with Receiver==dest, Sender==sender,
// SentTime>=sentTime. Spec §4.9: rollback cancellation runs on the
// dequeue thread only, scanning tier-2 forward from sentTime (the
// invariant ReceiveTime >= SentTime makes sentTime a safe lower bound
// on which entries could possibly hold a match), locking each entry it
// visits to filter out matching events and recycling any entry that
// empties (marked removed first, so a racing enqueuer does not append
// to it). The agent's top-tier key is then reset from the
// post-cancellation tier-2 minimum, which can move it later.
func (s *Scheduler) EraseAfter(dest, sender event.AgentID, sentTime vrtime.Time) int {
	a, ok := s.lookupAgent(dest)
	if !ok {
		return 0
	}

	cancelled := 0
	a.tier2.RangeFrom(sentTime, func(k vrtime.Time, entry *tier2Entry) bool {
		entry.mu.Lock()
		kept := entry.events[:0]
		for _, e := range entry.events {
			if e.MatchesCancellation(dest, sender, sentTime) {
				s.recycler.DecRef(e)
				s.bumpCount(-1)
				cancelled++
				continue
			}
			kept = append(kept, e)
		}
		entry.events = kept
		empty := len(kept) == 0
		if empty {
			entry.removed = true
		}
		entry.mu.Unlock()
		if empty {
			if _, ok := a.tier2.DeleteEntry(k); ok {
				a.recycleEntry(entry)
			}
		}
		return true
	})

	if cancelled > 0 {
		a.restructureMu.Lock()
		if _, ok := s.top.DeleteEntry(a.key); ok {
			a.key = topKey{time: nextMinOrInfinity(a), id: a.agent.ID}
			s.top.Insert(a.key, a)
		}
		a.restructureMu.Unlock()
		metrics.EventsCancelled.WithLabelValues(queueKind).Add(float64(cancelled))
	}
	return cancelled
}

// Front returns the current top-of-queue event without dequeuing it.
// This is a best-effort snapshot: with concurrent enqueuers/dequeuers
// in flight the result can be stale the instant it's returned, same
// caveat package skiplist documents for PeekMin.
func (s *Scheduler) Front() (*event.Event, bool) {
	_, a, ok := s.top.PeekMin()
	if !ok {
		return nil, false
	}
	_, entry, ok := a.tier2.PeekMin()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(entry.events) == 0 {
		return nil, false
	}
	return entry.events[0], true
}

// Empty reports whether Front would return ok=false.
func (s *Scheduler) Empty() bool {
	_, ok := s.Front()
	return !ok
}

// PrettyPrint writes every pending event, for diagnostics only: like
// package skiplist's RangeAll, this is not safe to call concurrently
// with a live enqueuer/dequeuer.
func (s *Scheduler) PrettyPrint(w io.Writer) {
	s.top.RangeAll(func(_ topKey, a *mtAgent) bool {
		a.tier2.RangeAll(func(_ vrtime.Time, entry *tier2Entry) bool {
			for _, e := range entry.events {
				fmt.Fprintln(w, e)
			}
			return true
		})
		return true
	})
}

// ReportStats writes and returns the diagnostic counters this variant
// tracks: pending length and the high-water mark.
func (s *Scheduler) ReportStats(w io.Writer) queue.Stats {
	st := queue.Stats{
		Len:          int(s.count.Load()),
		MaxQueueSize: int(s.maxQSize.Load()),
	}
	fmt.Fprintln(w, st)
	return st
}

var _ queue.EventQueue = (*Scheduler)(nil)
