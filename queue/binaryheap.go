package queue

// BinaryHeap is a vector-backed binary min-heap with a pluggable
// comparator, generalizing the teacher package's container/heap-based
// itemHeapType (github.com/iti/evt/evtq) to an arbitrary element type
// and adding the predicate removal the scheduler's cancellation path
// needs. The up/down sift routines are the same algorithm
// container/heap itself uses; they are reimplemented here (rather than
// wrapped through heap.Interface) because heap.Interface is not
// generic and RemoveIf needs direct access to the backing slice.
type BinaryHeap[T any] struct {
	items  []T
	less   func(a, b T) bool
	onSwap func(i, j int)
}

// NewBinaryHeap builds an empty heap ordered by less.
func NewBinaryHeap[T any](less func(a, b T) bool) *BinaryHeap[T] {
	return &BinaryHeap[T]{less: less}
}

// OnSwap installs a callback invoked with the two indices every time
// the heap exchanges two elements. The two- and three-tier queues use
// this to keep each agent's cross-reference field equal to its current
// index in the top-tier heap (spec §4.6/§9: "the top heap updates this
// field on every swap").
func (h *BinaryHeap[T]) OnSwap(fn func(i, j int)) {
	h.onSwap = fn
}

func (h *BinaryHeap[T]) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	if h.onSwap != nil {
		h.onSwap(i, j)
	}
}

// Len returns the number of elements in the heap.
func (h *BinaryHeap[T]) Len() int {
	return len(h.items)
}

// Peek returns the minimum element without removing it.
func (h *BinaryHeap[T]) Peek() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	return h.items[0], true
}

// Push inserts v and restores the heap property.
func (h *BinaryHeap[T]) Push(v T) {
	h.items = append(h.items, v)
	h.up(len(h.items) - 1)
}

// Pop removes and returns the minimum element.
func (h *BinaryHeap[T]) Pop() T {
	n := len(h.items) - 1
	h.swap(0, n)
	min := h.items[n]
	var zero T
	h.items[n] = zero
	h.items = h.items[:n]
	if n > 0 {
		h.down(0)
	}
	return min
}

// RemoveIf scans the heap from the tail to the head and, for every
// element matching pred, replaces it with the current last element,
// shrinks the slice, and repairs the vacated index with fix_heap. The
// swap-in element comes from the tail, which the tail-to-head scan has
// already inspected; when the repair sifts it toward the root, the
// ancestor it displaces into the vacated index has not been inspected
// yet, so that index is inspected again. There is deliberately no priority-based
// early exit: pred may be orthogonal to heap order (e.g. matching by
// sender while the heap orders by receive time), so every element must
// be inspected. O(n log n) worst case.
func (h *BinaryHeap[T]) RemoveIf(pred func(T) bool) int {
	removed := 0
	for i := len(h.items) - 1; i >= 0; i-- {
		if !pred(h.items[i]) {
			continue
		}
		removed++
		n := len(h.items) - 1
		h.items[i] = h.items[n]
		var zero T
		h.items[n] = zero
		h.items = h.items[:n]
		if i < len(h.items) {
			if h.onSwap != nil {
				h.onSwap(i, i)
			}
			if h.up(i) {
				// An uninspected ancestor moved down into i; look again.
				i++
			} else {
				h.down(i)
			}
		}
	}
	return removed
}

// fixHeap restores the heap property after an in-place overwrite at
// position i: it first tries to sift the element toward the root, and
// only if it did not move there does it sift toward the leaves. This
// produces a slice indistinguishable from one built by repeated Push,
// exactly like container/heap.Fix.
func (h *BinaryHeap[T]) fixHeap(i int) {
	if !h.up(i) {
		h.down(i)
	}
}

// up sifts the element at i toward the root while it is smaller than
// its parent, returning whether it moved.
func (h *BinaryHeap[T]) up(i int) bool {
	moved := false
	for i > 0 {
		parent := (i - 1) / 2
		if parent == i || !h.less(h.items[i], h.items[parent]) {
			break
		}
		h.swap(i, parent)
		i = parent
		moved = true
	}
	return moved
}

// down sifts the element at i toward the leaves while a child is
// smaller, returning whether it moved.
func (h *BinaryHeap[T]) down(i int) bool {
	n := len(h.items)
	moved := false
	for {
		left := 2*i + 1
		if left >= n || left < 0 {
			break
		}
		smallest := left
		if right := left + 1; right < n && h.less(h.items[right], h.items[left]) {
			smallest = right
		}
		if !h.less(h.items[smallest], h.items[i]) {
			break
		}
		h.swap(i, smallest)
		i = smallest
		moved = true
	}
	return moved
}

// Fix re-establishes heap order after the caller has mutated the
// element at index i in place (e.g. changed the key a per-agent top
// pointer sorts by). Exposed so the multi-tier queues can repair an
// agent's position in their top-tier heap after a tier-2 change,
// without needing an intervening Pop/Push.
func (h *BinaryHeap[T]) Fix(i int) {
	h.fixHeap(i)
}

// At returns the element currently stored at index i, for callers
// (the two- and three-tier queues) that track an agent's own index
// via a cross-reference field rather than searching.
func (h *BinaryHeap[T]) At(i int) T {
	return h.items[i]
}

// Set overwrites the element at index i without any heap repair; the
// caller must follow with Fix(i).
func (h *BinaryHeap[T]) Set(i int, v T) {
	h.items[i] = v
}

// All returns the backing slice in heap (not sorted) order, for
// diagnostics (pretty_print) only.
func (h *BinaryHeap[T]) All() []T {
	return h.items
}
