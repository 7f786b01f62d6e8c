package skiplist

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func newIntPQ(maxLevel, maxOffset int) *LockFreeSkipPQ[int, string] {
	return New[int, string](cmpInt, maxLevel, maxOffset, -1<<62, 1<<62)
}

func TestInsertAndDeleteMinOrdering(t *testing.T) {
	q := newIntPQ(16, 4)
	values := []int{5, 1, 9, 3, 7, 2, 8, 4, 6, 0}
	for _, v := range values {
		_, inserted := q.Insert(v, "x")
		require.True(t, inserted)
	}

	sort.Ints(values)
	for _, want := range values {
		got, _, ok := q.DeleteMin()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, _, ok := q.DeleteMin()
	assert.False(t, ok)
}

func TestInsertDuplicateReturnsExistingValue(t *testing.T) {
	q := newIntPQ(8, 4)
	_, inserted := q.Insert(1, "first")
	require.True(t, inserted)

	existing, inserted := q.Insert(1, "second")
	assert.False(t, inserted)
	assert.Equal(t, "first", existing)
}

func TestDeleteEntryRemovesArbitraryKey(t *testing.T) {
	q := newIntPQ(8, 4)
	for _, v := range []int{1, 2, 3, 4, 5} {
		_, inserted := q.Insert(v, "x")
		require.True(t, inserted)
	}

	value, ok := q.DeleteEntry(3)
	require.True(t, ok)
	assert.Equal(t, "x", value)

	_, ok = q.GetEntry(3)
	assert.False(t, ok)

	var drained []int
	for {
		k, _, ok := q.DeleteMin()
		if !ok {
			break
		}
		drained = append(drained, k)
	}
	assert.Equal(t, []int{1, 2, 4, 5}, drained)
}

func TestPeekMinDoesNotRemove(t *testing.T) {
	q := newIntPQ(8, 4)
	q.Insert(5, "x")
	q.Insert(2, "y")

	k, v, ok := q.PeekMin()
	require.True(t, ok)
	assert.Equal(t, 2, k)
	assert.Equal(t, "y", v)

	k2, _, _ := q.DeleteMin()
	assert.Equal(t, k, k2)
}

func TestRestructureRunsAfterMaxOffset(t *testing.T) {
	q := newIntPQ(8, 2)
	for i := 0; i < 10; i++ {
		q.Insert(i, "x")
	}
	for i := 0; i < 10; i++ {
		_, _, ok := q.DeleteMin()
		require.True(t, ok)
	}
	assert.Greater(t, q.PendingReclaims(), 0)
}

func TestConcurrentInsertOrdering(t *testing.T) {
	q := newIntPQ(16, 8)
	const perWorker = 200
	const workers = 8

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				q.Insert(base*perWorker+i, "x")
			}
		}(w)
	}
	wg.Wait()

	count := 0
	var last int
	first := true
	for {
		k, _, ok := q.DeleteMin()
		if !ok {
			break
		}
		if !first {
			assert.GreaterOrEqual(t, k, last)
		}
		first = false
		last = k
		count++
	}
	assert.Equal(t, workers*perWorker, count)
}

func TestEpochGCReclaimsAfterAdvance(t *testing.T) {
	gc := NewEpochGC[int, string]()
	n := newNode[int, string](1, "x", 1)
	gc.Free(n)
	assert.Equal(t, 1, gc.PendingCount())

	bit := uint64(1)
	gc.EnterCritical(bit)
	assert.False(t, gc.TryAdvanceEpoch())
	gc.ExitCritical(bit)
	assert.True(t, gc.TryAdvanceEpoch())
}

func TestThreadIDAllocatorUniqueBits(t *testing.T) {
	var alloc ThreadIDAllocator
	a, ok := alloc.Acquire()
	require.True(t, ok)
	b, ok := alloc.Acquire()
	require.True(t, ok)
	assert.NotEqual(t, a, b)

	alloc.Release(a)
	c, ok := alloc.Acquire()
	require.True(t, ok)
	assert.Equal(t, a, c)
}
