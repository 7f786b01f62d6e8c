package queue

import (
	"fmt"
	"io"
	"sort"

	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

// tier2Bucket holds every concurrent event (identical recv_time, same
// receiver) for one agent. Bucket records are reused through
// ThreeTierHeap's tier2Pool free list; recycleBucket drops a bucket's
// event slice, so a reused bucket allocates a fresh one.
type tier2Bucket struct {
	recvTime vrtime.Time
	events   []*event.Event
}

// threeTierAgent is the per-agent container for C6: a deque of tier-2
// buckets sorted by recv_time, in place of C5's flat per-agent heap.
type threeTierAgent struct {
	agent   *event.Agent
	buckets []*tier2Bucket
}

func (a *threeTierAgent) topTime() vrtime.Time {
	if len(a.buckets) == 0 {
		return vrtime.Infinity
	}
	return a.buckets[0].recvTime
}

func threeTierTopLess(a, b *threeTierAgent) bool {
	at, bt := a.topTime(), b.topTime()
	if at.EQ(bt) {
		return a.agent.ID < b.agent.ID
	}
	return at.LT(bt)
}

// ThreeTierHeap is C6: the same top-tier agent heap as C5, but each
// agent's own pending events are grouped into tier-2 buckets (one
// bucket per distinct recv_time), kept in a deque sorted by recv_time,
// and pooled through a per-queue free list on dequeue.
type ThreeTierHeap struct {
	top          *BinaryHeap[*threeTierAgent]
	byID         map[event.AgentID]*threeTierAgent
	recycler     event.Recycler
	tier2Pool    []*tier2Bucket
	count        int
	maxQSize     int
	bucketsTotal int
}

// NewThreeTierHeap builds an empty ThreeTierHeap.
func NewThreeTierHeap(recycler event.Recycler) *ThreeTierHeap {
	q := &ThreeTierHeap{
		top:      NewBinaryHeap(threeTierTopLess),
		byID:     make(map[event.AgentID]*threeTierAgent),
		recycler: recycler,
	}
	q.top.OnSwap(func(i, j int) {
		q.top.At(i).agent.CrossRef = event.CrossRef(i)
		q.top.At(j).agent.CrossRef = event.CrossRef(j)
	})
	return q
}

func (q *ThreeTierHeap) getBucket(recvTime vrtime.Time) *tier2Bucket {
	if n := len(q.tier2Pool); n > 0 {
		b := q.tier2Pool[n-1]
		q.tier2Pool = q.tier2Pool[:n-1]
		b.recvTime = recvTime
		b.events = b.events[:0]
		return b
	}
	return &tier2Bucket{recvTime: recvTime}
}

func (q *ThreeTierHeap) recycleBucket(b *tier2Bucket) {
	b.events = nil
	q.tier2Pool = append(q.tier2Pool, b)
}

func (q *ThreeTierHeap) maybeFixTop(ta *threeTierAgent) {
	cur := ta.topTime()
	if cur.EQ(ta.agent.OldTopTime) {
		return
	}
	ta.agent.OldTopTime = cur
	q.top.Fix(int(ta.agent.CrossRef))
}

// insertionPoint binary-searches ta's tier-2 deque for recvTime. It
// returns the index of the bucket holding recvTime and true if there is
// one, else the index at which a new bucket keeps the deque sorted by
// recv_time and false.
func (ta *threeTierAgent) insertionPoint(recvTime vrtime.Time) (int, bool) {
	i := sort.Search(len(ta.buckets), func(i int) bool {
		return ta.buckets[i].recvTime.GE(recvTime)
	})
	if i < len(ta.buckets) && ta.buckets[i].recvTime.EQ(recvTime) {
		return i, true
	}
	return i, false
}

func (q *ThreeTierHeap) AddAgent(id event.AgentID) (event.CrossRef, error) {
	if _, exists := q.byID[id]; exists {
		return event.NoCrossRef, fmt.Errorf("queue: agent %d already registered", id)
	}
	ta := &threeTierAgent{agent: event.NewAgent(id)}
	idx := q.top.Len()
	ta.agent.CrossRef = event.CrossRef(idx)
	q.byID[id] = ta
	q.top.Push(ta)
	return ta.agent.CrossRef, nil
}

func (q *ThreeTierHeap) RemoveAgent(id event.AgentID) error {
	ta, exists := q.byID[id]
	if !exists {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, id)
	}
	for _, b := range ta.buckets {
		for _, e := range b.events {
			q.recycler.DecRef(e)
			q.count--
		}
		q.bucketsTotal--
		q.recycleBucket(b)
	}
	ta.buckets = nil
	q.top.RemoveIf(func(x *threeTierAgent) bool { return x.agent.ID == id })
	delete(q.byID, id)
	return nil
}

func (q *ThreeTierHeap) Empty() bool {
	_, ok := q.Front()
	return !ok
}

func (q *ThreeTierHeap) Front() (*event.Event, bool) {
	ta, ok := q.top.Peek()
	if !ok || len(ta.buckets) == 0 {
		return nil, false
	}
	b := ta.buckets[0]
	if len(b.events) == 0 {
		return nil, false
	}
	return b.events[0], true
}

func (q *ThreeTierHeap) Enqueue(e *event.Event) error {
	ta, exists := q.byID[e.Receiver]
	if !exists {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
	}
	q.recycler.IncRef(e)
	idx, found := ta.insertionPoint(e.ReceiveTime)
	if found {
		b := ta.buckets[idx]
		b.events = append(b.events, e)
	} else {
		b := q.getBucket(e.ReceiveTime)
		b.events = append(b.events, e)
		ta.buckets = append(ta.buckets, nil)
		copy(ta.buckets[idx+1:], ta.buckets[idx:])
		ta.buckets[idx] = b
		q.bucketsTotal++
	}
	q.count++
	if q.count > q.maxQSize {
		q.maxQSize = q.count
	}
	q.maybeFixTop(ta)
	return nil
}

func (q *ThreeTierHeap) EnqueueBatch(events *[]*event.Event) error {
	touched := make(map[event.AgentID]*threeTierAgent)
	for _, e := range *events {
		ta, exists := q.byID[e.Receiver]
		if !exists {
			return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
		}
		idx, found := ta.insertionPoint(e.ReceiveTime)
		if found {
			ta.buckets[idx].events = append(ta.buckets[idx].events, e)
		} else {
			b := q.getBucket(e.ReceiveTime)
			b.events = append(b.events, e)
			ta.buckets = append(ta.buckets, nil)
			copy(ta.buckets[idx+1:], ta.buckets[idx:])
			ta.buckets[idx] = b
			q.bucketsTotal++
		}
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

func (q *ThreeTierHeap) DequeueNextAgentEvents(out []*event.Event) ([]*event.Event, error) {
	ta, ok := q.top.Peek()
	if !ok || len(ta.buckets) == 0 {
		return out, nil
	}
	b := ta.buckets[0]
	if len(b.events) == 0 {
		return out, nil
	}
	if err := checkNotAntiMessage(b.events[0]); err != nil {
		return out, err
	}
	if err := checkCausality(b.events[0], ta.agent.LVT); err != nil {
		return out, err
	}

	for _, e := range b.events {
		q.recycler.DecRef(e)
		q.count--
	}
	out = append(out, b.events...)
	ta.buckets = ta.buckets[1:]
	q.bucketsTotal--
	q.recycleBucket(b)
	q.maybeFixTop(ta)
	return out, nil
}

// EraseAfter scans a's buckets from newest to oldest, dropping events
// matching the cancellation predicate out of each bucket in place and
// recycling a bucket that empties, per spec §4.6.
func (q *ThreeTierHeap) EraseAfter(dest, sender event.AgentID, sentTime vrtime.Time) int {
	ta, exists := q.byID[dest]
	if !exists {
		return 0
	}
	cancelled := 0
	for i := len(ta.buckets) - 1; i >= 0; i-- {
		b := ta.buckets[i]
		kept := b.events[:0]
		for _, e := range b.events {
			if e.MatchesCancellation(dest, sender, sentTime) {
				q.recycler.DecRef(e)
				q.count--
				cancelled++
				continue
			}
			kept = append(kept, e)
		}
		b.events = kept
		if len(b.events) == 0 {
			ta.buckets = append(ta.buckets[:i], ta.buckets[i+1:]...)
			q.bucketsTotal--
			q.recycleBucket(b)
		}
	}
	q.maybeFixTop(ta)
	return cancelled
}

func (q *ThreeTierHeap) PrettyPrint(w io.Writer) {
	for _, ta := range q.top.All() {
		for _, b := range ta.buckets {
			for _, e := range b.events {
				fmt.Fprintln(w, e)
			}
		}
	}
}

func (q *ThreeTierHeap) ReportStats(w io.Writer) Stats {
	s := Stats{Len: q.count, MaxQueueSize: q.maxQSize, BucketsTotal: q.bucketsTotal}
	fmt.Fprintln(w, s)
	return s
}

var _ EventQueue = (*ThreeTierHeap)(nil)
