package queue

import (
	"fmt"
	"io"

	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

// HeapEventQueue is C3: a single flat binary heap of every pending
// event in the queue, ordered by the canonical (recv_time, receiver)
// order. It is the simplest variant and the one to reach for when the
// workload has no particular per-agent locality to exploit — compare
// the teacher's evtq.EventQueue, which is exactly this shape
// specialized to one global queue with no notion of per-agent
// cancellation.
type HeapEventQueue struct {
	heap     *BinaryHeap[*event.Event]
	agents   map[event.AgentID]*event.Agent
	recycler event.Recycler
	maxQSize int
}

// NewHeapEventQueue builds an empty HeapEventQueue that delegates
// reference counting to recycler.
func NewHeapEventQueue(recycler event.Recycler) *HeapEventQueue {
	return &HeapEventQueue{
		heap:     NewBinaryHeap(event.Less),
		agents:   make(map[event.AgentID]*event.Agent),
		recycler: recycler,
	}
}

func (q *HeapEventQueue) AddAgent(id event.AgentID) (event.CrossRef, error) {
	if _, exists := q.agents[id]; exists {
		return event.NoCrossRef, fmt.Errorf("queue: agent %d already registered", id)
	}
	q.agents[id] = event.NewAgent(id)
	return event.NoCrossRef, nil
}

func (q *HeapEventQueue) RemoveAgent(id event.AgentID) error {
	if _, exists := q.agents[id]; !exists {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, id)
	}
	q.heap.RemoveIf(func(e *event.Event) bool {
		if e.Receiver != id {
			return false
		}
		q.recycler.DecRef(e)
		return true
	})
	delete(q.agents, id)
	return nil
}

func (q *HeapEventQueue) Empty() bool {
	return q.heap.Len() == 0
}

func (q *HeapEventQueue) Front() (*event.Event, bool) {
	return q.heap.Peek()
}

func (q *HeapEventQueue) Enqueue(e *event.Event) error {
	if _, exists := q.agents[e.Receiver]; !exists {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
	}
	q.recycler.IncRef(e)
	q.heap.Push(e)
	if q.heap.Len() > q.maxQSize {
		q.maxQSize = q.heap.Len()
	}
	return nil
}

func (q *HeapEventQueue) EnqueueBatch(events *[]*event.Event) error {
	for _, e := range *events {
		if _, exists := q.agents[e.Receiver]; !exists {
			return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
		}
		q.heap.Push(e)
	}
	if q.heap.Len() > q.maxQSize {
		q.maxQSize = q.heap.Len()
	}
	*events = (*events)[:0]
	return nil
}

func (q *HeapEventQueue) DequeueNextAgentEvents(out []*event.Event) ([]*event.Event, error) {
	if q.heap.Len() == 0 {
		return out, nil
	}

	first, _ := q.heap.Peek()
	if err := checkNotAntiMessage(first); err != nil {
		return out, err
	}
	if agent := q.agents[first.Receiver]; agent != nil {
		if err := checkCausality(first, agent.LVT); err != nil {
			return out, err
		}
	}
	q.heap.Pop()
	q.recycler.DecRef(first)
	out = append(out, first)

	for q.heap.Len() > 0 {
		top, _ := q.heap.Peek()
		if !event.SameBatch(top, first) {
			break
		}
		q.heap.Pop()
		q.recycler.DecRef(top)
		out = append(out, top)
	}
	return out, nil
}

func (q *HeapEventQueue) EraseAfter(dest, sender event.AgentID, sentTime vrtime.Time) int {
	return q.heap.RemoveIf(func(e *event.Event) bool {
		if !e.MatchesCancellation(dest, sender, sentTime) {
			return false
		}
		q.recycler.DecRef(e)
		return true
	})
}

func (q *HeapEventQueue) PrettyPrint(w io.Writer) {
	for i := 0; i < q.heap.Len(); i++ {
		fmt.Fprintln(w, q.heap.At(i))
	}
}

func (q *HeapEventQueue) ReportStats(w io.Writer) Stats {
	s := Stats{Len: q.heap.Len(), MaxQueueSize: q.maxQSize}
	fmt.Fprintln(w, s)
	return s
}

var _ EventQueue = (*HeapEventQueue)(nil)
