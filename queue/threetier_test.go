package queue

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

func TestThreeTierHeapSeedScenarios(t *testing.T) {
	runSeedScenarios(t, func(r event.Recycler) EventQueue {
		return NewThreeTierHeap(r)
	})
}

func TestThreeTierHeapBucketsGroupConcurrentEvents(t *testing.T) {
	q := NewThreeTierHeap(event.NewSimpleRecycler(nil))
	_, err := q.AddAgent(9)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(newEvt(1, 9, 0, 5)))
	require.NoError(t, q.Enqueue(newEvt(2, 9, 0, 5)))
	require.NoError(t, q.Enqueue(newEvt(3, 9, 0, 5)))
	require.NoError(t, q.Enqueue(newEvt(4, 9, 0, 6)))

	ta := q.byID[9]
	require.Len(t, ta.buckets, 2)
	assert.Len(t, ta.buckets[0].events, 3)
	assert.Len(t, ta.buckets[1].events, 1)
	assert.Equal(t, 2, q.bucketsTotal)

	batch, err := q.DequeueNextAgentEvents(nil)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Equal(t, 1, q.bucketsTotal)
}

func TestThreeTierHeapBucketRecycling(t *testing.T) {
	q := NewThreeTierHeap(event.NewSimpleRecycler(nil))
	_, err := q.AddAgent(1)
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		require.NoError(t, q.Enqueue(newEvt(0, 1, 0, float64(round))))
		batch, err := q.DequeueNextAgentEvents(nil)
		require.NoError(t, err)
		require.Len(t, batch, 1)
	}
	assert.GreaterOrEqual(t, len(q.tier2Pool), 1)
	assert.Equal(t, 0, q.bucketsTotal)
}

func TestThreeTierHeapEraseAfterDropsMatchingEventsAndEmptyBuckets(t *testing.T) {
	q := NewThreeTierHeap(event.NewSimpleRecycler(nil))
	_, err := q.AddAgent(9)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(newEvt(5, 9, 2, 10)))
	require.NoError(t, q.Enqueue(newEvt(5, 9, 4, 11)))
	require.NoError(t, q.Enqueue(newEvt(7, 9, 1, 11)))
	require.NoError(t, q.Enqueue(newEvt(5, 9, 6, 12)))

	cancelled := q.EraseAfter(9, 5, vrtime.FromSeconds(4))
	assert.Equal(t, 2, cancelled)

	ta := q.byID[9]
	require.Len(t, ta.buckets, 2)
	assert.True(t, ta.buckets[0].recvTime.EQ(vrtime.FromSeconds(10)))
	assert.True(t, ta.buckets[1].recvTime.EQ(vrtime.FromSeconds(11)))
	assert.Len(t, ta.buckets[1].events, 1)
	assert.Equal(t, event.AgentID(7), ta.buckets[1].events[0].Sender)
}

func TestThreeTierHeapRandomizedOrdering(t *testing.T) {
	q := NewThreeTierHeap(event.NewSimpleRecycler(nil))
	ids := []event.AgentID{1, 2, 3, 4}
	for _, id := range ids {
		_, err := q.AddAgent(id)
		require.NoError(t, err)
	}

	n := 400
	for i := 0; i < n; i++ {
		id := ids[rand.IntN(len(ids))]
		require.NoError(t, q.Enqueue(newEvt(0, id, 0, rand.Float64()*1000)))
	}

	var last vrtime.Time
	count := 0
	for !q.Empty() {
		batch, err := q.DequeueNextAgentEvents(nil)
		require.NoError(t, err)
		require.NotEmpty(t, batch)
		assert.True(t, batch[0].ReceiveTime.GE(last))
		last = batch[0].ReceiveTime
		count += len(batch)
	}
	assert.Equal(t, n, count)
}
