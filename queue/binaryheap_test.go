package queue

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func intLess(a, b int) bool { return a < b }

func TestBinaryHeapPushPopSorted(t *testing.T) {
	h := NewBinaryHeap(intLess)
	values := []int{5, 3, 8, 1, 9, 2, 7}
	for _, v := range values {
		h.Push(v)
	}

	var got []int
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}

	want := append([]int(nil), values...)
	sort.Ints(want)
	assert.Equal(t, want, got)
}

func TestBinaryHeapRandomized(t *testing.T) {
	h := NewBinaryHeap(intLess)
	var want []int
	for i := 0; i < 500; i++ {
		v := rand.IntN(1000)
		h.Push(v)
		want = append(want, v)
	}
	sort.Ints(want)

	var got []int
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}
	assert.Equal(t, want, got)
}

func TestBinaryHeapRemoveIf(t *testing.T) {
	h := NewBinaryHeap(intLess)
	for _, v := range []int{10, 3, 7, 1, 9, 4, 6, 2, 8, 5} {
		h.Push(v)
	}

	removed := h.RemoveIf(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, 5, removed)
	assert.Equal(t, 5, h.Len())

	var got []int
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}
	assert.Equal(t, []int{1, 3, 5, 7, 9}, got)
}

func TestBinaryHeapRemoveIfNoMatches(t *testing.T) {
	h := NewBinaryHeap(intLess)
	for _, v := range []int{1, 2, 3} {
		h.Push(v)
	}
	assert.Equal(t, 0, h.RemoveIf(func(v int) bool { return v > 100 }))
	assert.Equal(t, 3, h.Len())
}

func TestBinaryHeapFixAfterExternalMutation(t *testing.T) {
	h := NewBinaryHeap(intLess)
	for _, v := range []int{1, 2, 3, 4, 5} {
		h.Push(v)
	}
	// find index holding 1 (the root) and mutate it to be the largest
	h.Set(0, 100)
	h.Fix(0)

	var got []int
	for h.Len() > 0 {
		got = append(got, h.Pop())
	}
	assert.Equal(t, []int{2, 3, 4, 5, 100}, got)
}
