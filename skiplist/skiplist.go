// Package skiplist implements C8: a lock-free skip-list priority queue
// in the style of Lindén & Jonsson (2013), the structure the
// multi-threaded three-tier scheduler (package mtqueue) builds both
// its top tier and each agent's second tier on.
//
// Go has no safe way to steal the low bit of a real pointer the way
// the reference design tags next[0] for logical deletion, so deletion
// is marked with a per-node atomic.Bool instead; the rest of the
// algorithm — CAS-linked lanes, a bounded run of logically-deleted
// head nodes before a single restructure, epoch-based reclamation —
// follows spec §4.8 directly.
package skiplist

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/iti/musepq/metrics"
)

const defaultMaxLevel = 32

type node[K any, V any] struct {
	key    K
	value  V
	level  int
	marked atomic.Bool
	next   []atomic.Pointer[node[K, V]]
}

func newNode[K any, V any](key K, value V, level int) *node[K, V] {
	return &node[K, V]{key: key, value: value, level: level, next: make([]atomic.Pointer[node[K, V]], level)}
}

// LockFreeSkipPQ is a linearizable concurrent min-priority-queue keyed
// by K, ordered by cmp. The scheduler instantiates it twice: once with
// K = (agent top time, agent id) for the top tier, once per agent with
// K = recv_time for that agent's tier-2 entries.
type LockFreeSkipPQ[K any, V any] struct {
	cmp       func(a, b K) int
	maxLevel  int
	maxOffset int

	head *node[K, V]
	tail *node[K, V]

	gc            *EpochGC[K, V]
	restructuring atomic.Bool
}

// New builds an empty LockFreeSkipPQ. minKey/maxKey must compare less
// than / greater than every key ever inserted (the sentinel head/tail
// keys spec §4.8 calls KEY_MIN/KEY_MAX).
func New[K any, V any](cmp func(a, b K) int, maxLevel, maxOffset int, minKey, maxKey K) *LockFreeSkipPQ[K, V] {
	if maxLevel <= 0 {
		maxLevel = defaultMaxLevel
	}
	if maxOffset <= 0 {
		maxOffset = 8
	}
	var zero V
	head := newNode[K, V](minKey, zero, maxLevel)
	tail := newNode[K, V](maxKey, zero, maxLevel)
	for i := range head.next {
		head.next[i].Store(tail)
	}
	return &LockFreeSkipPQ[K, V]{
		cmp:       cmp,
		maxLevel:  maxLevel,
		maxOffset: maxOffset,
		head:      head,
		tail:      tail,
		gc:        NewEpochGC[K, V](),
	}
}

func (q *LockFreeSkipPQ[K, V]) randomLevel() int {
	level := 1
	for level < q.maxLevel && rand.Float64() < 0.5 {
		level++
	}
	return level
}

// find returns, for every lane, the predecessor/successor pair
// straddling key. A pure traversal with no side effects; callers loop
// and re-find after a failed CAS.
func (q *LockFreeSkipPQ[K, V]) find(key K) (preds, succs []*node[K, V]) {
	preds = make([]*node[K, V], q.maxLevel)
	succs = make([]*node[K, V], q.maxLevel)

	pred := q.head
	for level := q.maxLevel - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != q.tail && q.cmp(curr.key, key) < 0 {
			pred = curr
			curr = pred.next[level].Load()
		}
		preds[level] = pred
		succs[level] = curr
	}
	return preds, succs
}

// Insert links a new node for (key, value). If an unmarked entry
// already exists at key, its current value is returned with
// inserted=false and no node is added — the caller (mtqueue) decides
// whether that means dedupe-append or retry.
func (q *LockFreeSkipPQ[K, V]) Insert(key K, value V) (existing V, inserted bool) {
	level := q.randomLevel()
	newN := newNode[K, V](key, value, level)

	for {
		preds, succs := q.find(key)
		if succs[0] != q.tail && q.cmp(succs[0].key, key) == 0 && !succs[0].marked.Load() {
			return succs[0].value, false
		}

		newN.next[0].Store(succs[0])
		if !preds[0].next[0].CompareAndSwap(succs[0], newN) {
			continue
		}

		for i := 1; i < level; i++ {
			for {
				p, s := preds[i], succs[i]
				newN.next[i].Store(s)
				if p.next[i].CompareAndSwap(s, newN) {
					break
				}
				preds, succs = q.find(key)
			}
		}
		var zero V
		return zero, true
	}
}

// DeleteMin marks the first unmarked node at lane 0 as logically
// deleted and returns its (key, value). Linearizes at the CAS that
// marks the node, per spec §4.8.
func (q *LockFreeSkipPQ[K, V]) DeleteMin() (key K, value V, ok bool) {
	curr := q.head.next[0].Load()
	for curr != q.tail {
		if !curr.marked.Load() && curr.marked.CompareAndSwap(false, true) {
			q.maybeRestructure()
			return curr.key, curr.value, true
		}
		curr = curr.next[0].Load()
	}
	var zk K
	var zv V
	return zk, zv, false
}

func (q *LockFreeSkipPQ[K, V]) countMarkedRun() int {
	count := 0
	curr := q.head.next[0].Load()
	for curr != q.tail && curr.marked.Load() {
		count++
		curr = curr.next[0].Load()
	}
	return count
}

// maybeRestructure triggers a single thread (CAS-gated) to re-point
// head at each lane past the run of marked nodes once that run exceeds
// maxOffset, per spec §4.8.
func (q *LockFreeSkipPQ[K, V]) maybeRestructure() {
	if q.countMarkedRun() <= q.maxOffset {
		return
	}
	if !q.restructuring.CompareAndSwap(false, true) {
		return
	}
	defer q.restructuring.Store(false)
	q.restructure()
}

func (q *LockFreeSkipPQ[K, V]) restructure() {
	metrics.RestructuresTotal.Inc()
	for level := 0; level < q.maxLevel; level++ {
		pred := q.head
		curr := pred.next[level].Load()
		for curr != q.tail && curr.marked.Load() {
			next := curr.next[level].Load()
			if pred.next[level].CompareAndSwap(curr, next) {
				if level == 0 {
					q.gc.Free(curr)
				}
				curr = next
			} else {
				curr = pred.next[level].Load()
			}
		}
	}
}

// PeekMin is a non-thread-safe helper (spec §4.8: "usable only when no
// concurrent writer exists") returning the smallest unmarked key
// without removing it. The dequeue thread uses this (mtqueue's
// next_min) to recompute an agent's top key after a tier-2 mutation.
func (q *LockFreeSkipPQ[K, V]) PeekMin() (key K, value V, ok bool) {
	curr := q.head.next[0].Load()
	for curr != q.tail && curr.marked.Load() {
		curr = curr.next[0].Load()
	}
	if curr == q.tail {
		var zk K
		var zv V
		return zk, zv, false
	}
	return curr.key, curr.value, true
}

// GetEntry is a non-thread-safe lookup by exact key.
func (q *LockFreeSkipPQ[K, V]) GetEntry(key K) (value V, ok bool) {
	_, succs := q.find(key)
	if succs[0] != q.tail && q.cmp(succs[0].key, key) == 0 && !succs[0].marked.Load() {
		return succs[0].value, true
	}
	var zero V
	return zero, false
}

// DeleteEntry is a non-thread-safe arbitrary-key delete (spec §4.8),
// used by mtqueue's restructure_top_queue to relocate an agent under
// its own restructure_mutex, where no concurrent writer can observe
// the key mid-delete.
func (q *LockFreeSkipPQ[K, V]) DeleteEntry(key K) (value V, ok bool) {
	preds, succs := q.find(key)
	n := succs[0]
	if n == q.tail || q.cmp(n.key, key) != 0 || n.marked.Load() {
		var zero V
		return zero, false
	}
	if !n.marked.CompareAndSwap(false, true) {
		var zero V
		return zero, false
	}
	for level := 0; level < n.level; level++ {
		p := preds[level]
		cur := p.next[level].Load()
		for cur != n && cur != q.tail && q.cmp(cur.key, key) <= 0 {
			p = cur
			cur = p.next[level].Load()
		}
		if cur == n {
			p.next[level].CompareAndSwap(n, n.next[level].Load())
		}
	}
	q.gc.Free(n)
	return n.value, true
}

// EnterCritical/ExitCritical delegate to the embedded epoch GC, for a
// dequeue worker to bracket a traversal that might dereference a node
// concurrently unlinked elsewhere.
func (q *LockFreeSkipPQ[K, V]) EnterCritical(threadBit uint64) { q.gc.EnterCritical(threadBit) }
func (q *LockFreeSkipPQ[K, V]) ExitCritical(threadBit uint64)  { q.gc.ExitCritical(threadBit) }

// TryAdvanceEpoch delegates to the embedded epoch GC.
func (q *LockFreeSkipPQ[K, V]) TryAdvanceEpoch() bool { return q.gc.TryAdvanceEpoch() }

// PendingReclaims reports nodes awaiting epoch reclamation, for tests.
func (q *LockFreeSkipPQ[K, V]) PendingReclaims() int { return q.gc.PendingCount() }
