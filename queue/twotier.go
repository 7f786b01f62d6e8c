package queue

import (
	"fmt"
	"io"

	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

// twoTierAgent pairs a registered agent's queue-visible state with its
// own per-agent binary heap of pending events (spec §4.6: "a vector of
// agent pointers forming the top heap... each agent owns a per-agent
// binary heap of events"). Every registered agent has a permanent slot
// in the top-tier heap, even while its own heap is empty; an empty
// agent's top key is vrtime.Infinity, which sinks it to the bottom
// without ever removing it, so cross_ref stays valid across Enqueue and
// Dequeue without the churn of inserting/removing top-heap slots.
type twoTierAgent struct {
	agent  *event.Agent
	events *BinaryHeap[*event.Event]
}

func (a *twoTierAgent) topTime() vrtime.Time {
	if e, ok := a.events.Peek(); ok {
		return e.ReceiveTime
	}
	return vrtime.Infinity
}

func topTierLess(a, b *twoTierAgent) bool {
	at, bt := a.topTime(), b.topTime()
	if at.EQ(bt) {
		return a.agent.ID < b.agent.ID
	}
	return at.LT(bt)
}

// TwoTierHeapOfVectors is C5: a top-tier binary heap of agents ordered
// by each agent's current top event time, with each agent's own events
// held in a second binary heap. Grounded on the same BinaryHeap this
// package's C3/C4 use, generalized with the OnSwap hook added for
// exactly this purpose: keeping Agent.CrossRef equal to an agent's
// current slot in the top heap.
type TwoTierHeapOfVectors struct {
	top      *BinaryHeap[*twoTierAgent]
	byID     map[event.AgentID]*twoTierAgent
	recycler event.Recycler
	count    int
	maxQSize int
}

// NewTwoTierHeapOfVectors builds an empty TwoTierHeapOfVectors.
func NewTwoTierHeapOfVectors(recycler event.Recycler) *TwoTierHeapOfVectors {
	q := &TwoTierHeapOfVectors{
		top:      NewBinaryHeap(topTierLess),
		byID:     make(map[event.AgentID]*twoTierAgent),
		recycler: recycler,
	}
	q.top.OnSwap(func(i, j int) {
		q.top.At(i).agent.CrossRef = event.CrossRef(i)
		q.top.At(j).agent.CrossRef = event.CrossRef(j)
	})
	return q
}

// maybeFixTop repairs ta's position in the top heap only when its top
// event time actually changed since the last repair, mirroring the
// teacher's fix-on-change discipline rather than an unconditional Fix
// after every tier-2 mutation.
func (q *TwoTierHeapOfVectors) maybeFixTop(ta *twoTierAgent) {
	cur := ta.topTime()
	if cur.EQ(ta.agent.OldTopTime) {
		return
	}
	ta.agent.OldTopTime = cur
	q.top.Fix(int(ta.agent.CrossRef))
}

func (q *TwoTierHeapOfVectors) AddAgent(id event.AgentID) (event.CrossRef, error) {
	if _, exists := q.byID[id]; exists {
		return event.NoCrossRef, fmt.Errorf("queue: agent %d already registered", id)
	}
	ta := &twoTierAgent{
		agent:  event.NewAgent(id),
		events: NewBinaryHeap(event.Less),
	}
	idx := q.top.Len()
	ta.agent.CrossRef = event.CrossRef(idx)
	q.byID[id] = ta
	q.top.Push(ta)
	return ta.agent.CrossRef, nil
}

func (q *TwoTierHeapOfVectors) RemoveAgent(id event.AgentID) error {
	ta, exists := q.byID[id]
	if !exists {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, id)
	}
	for ta.events.Len() > 0 {
		q.recycler.DecRef(ta.events.Pop())
		q.count--
	}
	q.top.RemoveIf(func(x *twoTierAgent) bool { return x.agent.ID == id })
	delete(q.byID, id)
	return nil
}

func (q *TwoTierHeapOfVectors) Empty() bool {
	_, ok := q.Front()
	return !ok
}

func (q *TwoTierHeapOfVectors) Front() (*event.Event, bool) {
	ta, ok := q.top.Peek()
	if !ok {
		return nil, false
	}
	return ta.events.Peek()
}

func (q *TwoTierHeapOfVectors) Enqueue(e *event.Event) error {
	ta, exists := q.byID[e.Receiver]
	if !exists {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
	}
	q.recycler.IncRef(e)
	ta.events.Push(e)
	q.count++
	if q.count > q.maxQSize {
		q.maxQSize = q.count
	}
	q.maybeFixTop(ta)
	return nil
}

func (q *TwoTierHeapOfVectors) EnqueueBatch(events *[]*event.Event) error {
	touched := make(map[event.AgentID]*twoTierAgent)
	for _, e := range *events {
		ta, exists := q.byID[e.Receiver]
		if !exists {
			return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
		}
		ta.events.Push(e)
		q.count++
		touched[e.Receiver] = ta
	}
	if q.count > q.maxQSize {
		q.maxQSize = q.count
	}
	for _, ta := range touched {
		q.maybeFixTop(ta)
	}
	*events = (*events)[:0]
	return nil
}

func (q *TwoTierHeapOfVectors) DequeueNextAgentEvents(out []*event.Event) ([]*event.Event, error) {
	ta, ok := q.top.Peek()
	if !ok {
		return out, nil
	}
	first, ok := ta.events.Peek()
	if !ok {
		return out, nil
	}
	if err := checkNotAntiMessage(first); err != nil {
		return out, err
	}
	if err := checkCausality(first, ta.agent.LVT); err != nil {
		return out, err
	}

	recv := first.ReceiveTime
	for {
		e, ok := ta.events.Peek()
		if !ok || !e.ReceiveTime.EQ(recv) {
			break
		}
		ta.events.Pop()
		q.recycler.DecRef(e)
		q.count--
		out = append(out, e)
	}
	q.maybeFixTop(ta)
	return out, nil
}

func (q *TwoTierHeapOfVectors) EraseAfter(dest, sender event.AgentID, sentTime vrtime.Time) int {
	ta, exists := q.byID[dest]
	if !exists {
		return 0
	}
	cancelled := ta.events.RemoveIf(func(e *event.Event) bool {
		matches := e.MatchesCancellation(dest, sender, sentTime)
		if matches {
			q.recycler.DecRef(e)
			q.count--
		}
		return matches
	})
	q.maybeFixTop(ta)
	return cancelled
}

func (q *TwoTierHeapOfVectors) PrettyPrint(w io.Writer) {
	for _, ta := range q.top.All() {
		for _, e := range ta.events.All() {
			fmt.Fprintln(w, e)
		}
	}
}

func (q *TwoTierHeapOfVectors) ReportStats(w io.Writer) Stats {
	s := Stats{Len: q.count, MaxQueueSize: q.maxQSize}
	fmt.Fprintln(w, s)
	return s
}

var _ EventQueue = (*TwoTierHeapOfVectors)(nil)
