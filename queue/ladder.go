package queue

import (
	"fmt"
	"io"
	"sort"

	"github.com/iti/musepq/config"
	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

// subIndex fans an event into one of a TwoTierBucket's t2k sub-buckets
// by its sender, the single most important rollback optimization
// spec §4.7 calls for: erase_after(_, sender, _) then only ever
// touches one sub-bucket per rung bucket.
func subIndex(sender event.AgentID, t2k int) int {
	h := uint64(sender) * 2654435761
	return int(h % uint64(t2k))
}

// twoTierBucket is the rung (and Top) bucket storage: an array of
// sender-hashed sub-buckets, each an unsorted vector (spec §10.3 design
// note: prefer a contiguous vector over a linked list; cancellation
// uses swap-remove on unsorted data).
type twoTierBucket struct {
	subs  [][]*event.Event
	size  int
	minTS vrtime.Time
	maxTS vrtime.Time
}

func newTwoTierBucket(t2k int) *twoTierBucket {
	return &twoTierBucket{subs: make([][]*event.Event, t2k)}
}

func (b *twoTierBucket) add(e *event.Event, t2k int) {
	idx := subIndex(e.Sender, t2k)
	b.subs[idx] = append(b.subs[idx], e)
	if b.size == 0 {
		b.minTS, b.maxTS = e.ReceiveTime, e.ReceiveTime
	} else {
		if e.ReceiveTime.LT(b.minTS) {
			b.minTS = e.ReceiveTime
		}
		if e.ReceiveTime.GT(b.maxTS) {
			b.maxTS = e.ReceiveTime
		}
	}
	b.size++
}

func (b *twoTierBucket) all() []*event.Event {
	out := make([]*event.Event, 0, b.size)
	for _, sub := range b.subs {
		out = append(out, sub...)
	}
	return out
}

// eraseAfter restricts the walk to sub[hash(sender)], per spec §4.7's
// cancellation algorithm.
func (b *twoTierBucket) eraseAfter(dest, sender event.AgentID, sentTime vrtime.Time, dec func(*event.Event)) int {
	idx := subIndex(sender, len(b.subs))
	sub := b.subs[idx]
	removed := 0
	for i := len(sub) - 1; i >= 0; i-- {
		if sub[i].MatchesCancellation(dest, sender, sentTime) {
			dec(sub[i])
			last := len(sub) - 1
			sub[i] = sub[last]
			sub = sub[:last]
			removed++
			b.size--
		}
	}
	b.subs[idx] = sub
	return removed
}

// removeMatching walks every sub-bucket, used by RemoveAgent where the
// match key (receiver) has no relation to the sender hash.
func (b *twoTierBucket) removeMatching(pred func(*event.Event) bool, dec func(*event.Event)) int {
	removed := 0
	for si, sub := range b.subs {
		for i := len(sub) - 1; i >= 0; i-- {
			if pred(sub[i]) {
				dec(sub[i])
				last := len(sub) - 1
				sub[i] = sub[last]
				sub = sub[:last]
				removed++
				b.size--
			}
		}
		b.subs[si] = sub
	}
	return removed
}

// ladderTop is the Top level: an unsorted bucket collecting every
// event beyond the current epoch, per the state machine in spec §4.7
// (Empty -> Filling -> promoted wholesale into rung 0).
type ladderTop struct {
	bucket   *twoTierBucket
	topStart vrtime.Time
}

func newLadderTop(t2k int) *ladderTop {
	return &ladderTop{bucket: newTwoTierBucket(t2k), topStart: vrtime.Zero}
}

func (top *ladderTop) empty() bool { return top.bucket.size == 0 }

// rung is one level of the Ladder: a vector of time-indexed buckets
// with a fixed bucket_width, tracking where draining/subdivision last
// left off via currBucketIdx/currTS.
type rung struct {
	startTS       vrtime.Time
	currTS        vrtime.Time
	bucketWidth   float64
	currBucketIdx int
	buckets       []*twoTierBucket
}

func (r *rung) maxRungTime() vrtime.Time {
	return vrtime.FromSeconds(r.startTS.Seconds() + r.bucketWidth*float64(len(r.buckets)))
}

func (r *rung) bucketIndexFor(t vrtime.Time) int {
	idx := int((t.Seconds() - r.startTS.Seconds()) / r.bucketWidth)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.buckets) {
		idx = len(r.buckets) - 1
	}
	return idx
}

// lastNonEmptyBucketFrom scans forward from curr_bucket for the next
// bucket with pending events, per the dequeue algorithm's step 2.
func (r *rung) lastNonEmptyBucketFrom() (*twoTierBucket, int, bool) {
	for i := r.currBucketIdx; i < len(r.buckets); i++ {
		if r.buckets[i].size > 0 {
			return r.buckets[i], i, true
		}
	}
	return nil, 0, false
}

// buildRung redistributes src's events into a fresh rung, computing
// bucket_width = (max_ts - min_ts + size - 1) / size and clamping to
// minWidth, exactly as spec §4.7 prescribes for both the Top-to-rung-0
// promotion and the "recurse rung" subdivision step.
func buildRung(src *twoTierBucket, startTS vrtime.Time, t2k int, minWidth float64) *rung {
	events := src.all()
	n := len(events)
	width := (src.maxTS.Seconds() - src.minTS.Seconds() + float64(n) - 1) / float64(n)
	if width < minWidth {
		width = minWidth
	}
	r := &rung{startTS: startTS, currTS: startTS, bucketWidth: width}
	r.buckets = make([]*twoTierBucket, n)
	for i := range r.buckets {
		r.buckets[i] = newTwoTierBucket(t2k)
	}
	for _, e := range events {
		idx := r.bucketIndexFor(e.ReceiveTime)
		r.buckets[idx].add(e, t2k)
	}
	return r
}

// sortedBottom is the Bottom level: a sorted vector of events kept in
// canonical (recv_time, receiver) order (spec §10.4 design note:
// chosen over the heap/ordered-multiset alternates, since rung buckets
// already do the heavy lifting and Bottom's role is simply holding the
// current epoch's front events for delivery).
type sortedBottom struct {
	items []*event.Event
}

func newSortedBottom() *sortedBottom { return &sortedBottom{} }

func (s *sortedBottom) empty() bool { return len(s.items) == 0 }

func (s *sortedBottom) maxTime() vrtime.Time {
	return s.items[len(s.items)-1].ReceiveTime
}

func (s *sortedBottom) front() (*event.Event, bool) {
	if len(s.items) == 0 {
		return nil, false
	}
	return s.items[0], true
}

func (s *sortedBottom) insert(e *event.Event) {
	idx := sort.Search(len(s.items), func(i int) bool {
		return !event.Less(s.items[i], e)
	})
	s.items = append(s.items, nil)
	copy(s.items[idx+1:], s.items[idx:len(s.items)-1])
	s.items[idx] = e
}

func (s *sortedBottom) popBatch(recv vrtime.Time, receiver event.AgentID) []*event.Event {
	var batch []*event.Event
	for len(s.items) > 0 && s.items[0].ReceiveTime.EQ(recv) && s.items[0].Receiver == receiver {
		batch = append(batch, s.items[0])
		s.items = s.items[1:]
	}
	return batch
}

// removeAfter exploits recv_time >= sent_time: the first index whose
// recv_time is at or after sent_time is a safe lower bound below which
// no event can match, then a linear scan forward checks the actual
// (sender, sent_time) predicate, exactly as spec §4.7 describes.
func (s *sortedBottom) removeAfter(dest, sender event.AgentID, sentTime vrtime.Time, dec func(*event.Event)) int {
	start := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].ReceiveTime.GE(sentTime)
	})
	removed := 0
	kept := s.items[:start]
	for i := start; i < len(s.items); i++ {
		e := s.items[i]
		if e.MatchesCancellation(dest, sender, sentTime) {
			dec(e)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.items = kept
	return removed
}

func (s *sortedBottom) removeMatching(pred func(*event.Event) bool, dec func(*event.Event)) int {
	removed := 0
	kept := s.items[:0]
	for _, e := range s.items {
		if pred(e) {
			dec(e)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.items = kept
	return removed
}

// LadderQueue is C7: the calendar-queue variant with sender-hashed
// sub-buckets for cheap rollback. Unlike C5/C6 it is not organized
// around per-agent substructures; Top/Ladder/Bottom hold a mix of
// every registered agent's events, ordered globally.
type LadderQueue struct {
	cfg    config.Tunables
	top    *ladderTop
	rungs  []*rung
	bottom *sortedBottom

	recycler event.Recycler
	agents   map[event.AgentID]*event.Agent

	count        int
	maxQSize     int
	rungsCreated int
}

// NewLadderQueue builds an empty LadderQueue configured by cfg.
func NewLadderQueue(recycler event.Recycler, cfg config.Tunables) *LadderQueue {
	return &LadderQueue{
		cfg:      cfg,
		top:      newLadderTop(cfg.T2K),
		bottom:   newSortedBottom(),
		recycler: recycler,
		agents:   make(map[event.AgentID]*event.Agent),
	}
}

// NewDefaultLadderQueue builds a LadderQueue with spec §6's tunable
// defaults.
func NewDefaultLadderQueue(recycler event.Recycler) *LadderQueue {
	return NewLadderQueue(recycler, config.Defaults())
}

func (q *LadderQueue) AddAgent(id event.AgentID) (event.CrossRef, error) {
	if _, exists := q.agents[id]; exists {
		return event.NoCrossRef, fmt.Errorf("queue: agent %d already registered", id)
	}
	q.agents[id] = event.NewAgent(id)
	return event.NoCrossRef, nil
}

func (q *LadderQueue) RemoveAgent(id event.AgentID) error {
	if _, exists := q.agents[id]; !exists {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, id)
	}
	dec := func(e *event.Event) { q.recycler.DecRef(e); q.count-- }
	pred := func(e *event.Event) bool { return e.Receiver == id }

	q.top.bucket.removeMatching(pred, dec)
	for _, r := range q.rungs {
		for _, b := range r.buckets {
			b.removeMatching(pred, dec)
		}
	}
	q.bottom.removeMatching(pred, dec)
	delete(q.agents, id)
	return nil
}

// promoteTop moves Top wholesale into a fresh rung 0 and records the
// promoted epoch's max_ts in topStart. insertLocal does not consult
// topStart: an event that falls neither in Bottom's range nor in any
// rung's span goes into Top, whatever its time.
func (q *LadderQueue) promoteTop() {
	r := buildRung(q.top.bucket, q.top.bucket.minTS, q.cfg.T2K, q.cfg.MinBucketWidth)
	q.rungs = append(q.rungs, r)
	q.rungsCreated++
	q.top.topStart = q.top.bucket.maxTS
	q.top.bucket = newTwoTierBucket(q.cfg.T2K)
}

// populateBottom implements the dequeue algorithm of spec §4.7: drain
// or subdivide rungs until Bottom holds the current epoch's front
// events, promoting Top into rung 0 whenever the ladder itself runs
// dry but Top still has pending events.
func (q *LadderQueue) populateBottom() {
	for {
		if !q.bottom.empty() {
			return
		}
		if len(q.rungs) == 0 {
			if q.top.empty() {
				return
			}
			q.promoteTop()
			continue
		}

		last := q.rungs[len(q.rungs)-1]
		bucket, idx, found := last.lastNonEmptyBucketFrom()
		if !found {
			q.rungs = q.rungs[:len(q.rungs)-1]
			if len(q.rungs) == 0 && q.top.empty() {
				return
			}
			continue
		}

		last.currBucketIdx = idx
		last.currTS = vrtime.FromSeconds(last.startTS.Seconds() + last.bucketWidth*float64(idx+1))

		deepest := len(q.rungs) >= q.cfg.MaxRungs
		if bucket.size <= q.cfg.Thresh || bucket.maxTS.EQ(bucket.minTS) || deepest {
			for _, e := range bucket.all() {
				q.bottom.insert(e)
			}
			last.buckets[idx] = newTwoTierBucket(q.cfg.T2K)
			last.currBucketIdx = idx + 1
			continue
		}

		nr := buildRung(bucket, bucket.minTS, q.cfg.T2K, q.cfg.MinBucketWidth)
		q.rungs = append(q.rungs, nr)
		q.rungsCreated++
		last.buckets[idx] = newTwoTierBucket(q.cfg.T2K)
		last.currBucketIdx = idx + 1
	}
}

func (q *LadderQueue) Empty() bool {
	_, ok := q.Front()
	return !ok
}

func (q *LadderQueue) Front() (*event.Event, bool) {
	q.populateBottom()
	return q.bottom.front()
}

func (q *LadderQueue) Enqueue(e *event.Event) error {
	if _, exists := q.agents[e.Receiver]; !exists {
		return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
	}
	q.recycler.IncRef(e)
	q.insertLocal(e)
	q.count++
	if q.count > q.maxQSize {
		q.maxQSize = q.count
	}
	return nil
}

func (q *LadderQueue) EnqueueBatch(events *[]*event.Event) error {
	for _, e := range *events {
		if _, exists := q.agents[e.Receiver]; !exists {
			return fmt.Errorf("%w: %d", event.ErrUnknownAgent, e.Receiver)
		}
		q.insertLocal(e)
		q.count++
	}
	if q.count > q.maxQSize {
		q.maxQSize = q.count
	}
	*events = (*events)[:0]
	return nil
}

// insertLocal implements the three-way enqueue algorithm of spec §4.7:
// Bottom if in its current range, else the first rung that can contain
// t, else Top.
func (q *LadderQueue) insertLocal(e *event.Event) {
	t := e.ReceiveTime
	if !q.bottom.empty() && t.LE(q.bottom.maxTime()) {
		q.bottom.insert(e)
		return
	}
	for _, r := range q.rungs {
		if t.GE(r.startTS) && t.LT(r.maxRungTime()) {
			idx := r.bucketIndexFor(t)
			r.buckets[idx].add(e, q.cfg.T2K)
			return
		}
	}
	q.top.bucket.add(e, q.cfg.T2K)
}

func (q *LadderQueue) DequeueNextAgentEvents(out []*event.Event) ([]*event.Event, error) {
	q.populateBottom()
	first, ok := q.bottom.front()
	if !ok {
		return out, nil
	}
	if err := checkNotAntiMessage(first); err != nil {
		return out, err
	}
	if agent := q.agents[first.Receiver]; agent != nil {
		if err := checkCausality(first, agent.LVT); err != nil {
			return out, err
		}
	}

	batch := q.bottom.popBatch(first.ReceiveTime, first.Receiver)
	for _, e := range batch {
		q.recycler.DecRef(e)
		q.count--
	}
	out = append(out, batch...)
	return out, nil
}

// EraseAfter walks Top, then every rung bucket, then Bottom, in each
// place restricted to the hashed sub-bucket (Top/rungs) or a
// recv_time-based lower bound (Bottom), per spec §4.7.
func (q *LadderQueue) EraseAfter(dest, sender event.AgentID, sentTime vrtime.Time) int {
	dec := func(e *event.Event) { q.recycler.DecRef(e); q.count-- }

	cancelled := q.top.bucket.eraseAfter(dest, sender, sentTime, dec)
	for _, r := range q.rungs {
		for _, b := range r.buckets {
			cancelled += b.eraseAfter(dest, sender, sentTime, dec)
		}
	}
	cancelled += q.bottom.removeAfter(dest, sender, sentTime, dec)
	return cancelled
}

func (q *LadderQueue) PrettyPrint(w io.Writer) {
	for _, e := range q.top.bucket.all() {
		fmt.Fprintln(w, e)
	}
	for _, r := range q.rungs {
		for _, b := range r.buckets {
			for _, e := range b.all() {
				fmt.Fprintln(w, e)
			}
		}
	}
	for _, e := range q.bottom.all() {
		fmt.Fprintln(w, e)
	}
}

func (s *sortedBottom) all() []*event.Event { return s.items }

func (q *LadderQueue) ReportStats(w io.Writer) Stats {
	buckets := 1 // Top
	for _, r := range q.rungs {
		buckets += len(r.buckets)
	}
	s := Stats{
		Len:          q.count,
		MaxQueueSize: q.maxQSize,
		RungsCreated: q.rungsCreated,
		CurrentRungs: len(q.rungs),
		BucketsTotal: buckets,
	}
	fmt.Fprintln(w, s)
	return s
}

var _ EventQueue = (*LadderQueue)(nil)
