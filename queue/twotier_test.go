package queue

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

func TestTwoTierHeapOfVectorsSeedScenarios(t *testing.T) {
	runSeedScenarios(t, func(r event.Recycler) EventQueue {
		return NewTwoTierHeapOfVectors(r)
	})
}

func TestTwoTierHeapOfVectorsCrossRefStaysCurrent(t *testing.T) {
	q := NewTwoTierHeapOfVectors(event.NewSimpleRecycler(nil))
	ids := []event.AgentID{1, 2, 3, 4, 5, 6, 7, 8}
	for _, id := range ids {
		_, err := q.AddAgent(id)
		require.NoError(t, err)
	}

	for i := 0; i < 500; i++ {
		id := ids[rand.IntN(len(ids))]
		require.NoError(t, q.Enqueue(newEvt(0, id, 0, rand.Float64()*1000)))
	}

	for i := 0; i < q.top.Len(); i++ {
		ta := q.top.At(i)
		assert.Equal(t, event.CrossRef(i), ta.agent.CrossRef,
			"agent %d's cross_ref must equal its top-heap slot", ta.agent.ID)
	}
}

func TestTwoTierHeapOfVectorsRandomizedOrdering(t *testing.T) {
	q := NewTwoTierHeapOfVectors(event.NewSimpleRecycler(nil))
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

func TestTwoTierHeapOfVectorsRemoveAgentSinksAndClears(t *testing.T) {
	q := NewTwoTierHeapOfVectors(event.NewSimpleRecycler(nil))
	_, err := q.AddAgent(1)
	require.NoError(t, err)
	_, err = q.AddAgent(2)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(newEvt(0, 1, 0, 5)))
	require.NoError(t, q.Enqueue(newEvt(0, 2, 0, 1)))

	require.NoError(t, q.RemoveAgent(2))
	assert.Equal(t, 1, q.top.Len())

	batch, err := q.DequeueNextAgentEvents(nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, event.AgentID(1), batch[0].Receiver)
	assert.True(t, q.Empty())
}
