package queue

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iti/musepq/config"
	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

func TestLadderQueueSeedScenarios(t *testing.T) {
	runSeedScenarios(t, func(r event.Recycler) EventQueue {
		return NewDefaultLadderQueue(r)
	})
}

// TestLadderQueueS4Promotion is spec.md's literal S4 seed scenario:
// 200 distinct-recv_time events for one agent, uniformly spread over
// [100, 200), should drain in strictly increasing order and force at
// least one rung to be created.
func TestLadderQueueS4Promotion(t *testing.T) {
	q := NewDefaultLadderQueue(event.NewSimpleRecycler(nil))
	_, err := q.AddAgent(1)
	require.NoError(t, err)

	n := 200
	recvTimes := make(map[float64]bool, n)
	for len(recvTimes) < n {
		recvTimes[100+rand.Float64()*100] = true
	}
	sender := event.AgentID(2)
	for rt := range recvTimes {
		require.NoError(t, q.Enqueue(newEvt(sender, 1, 0, rt)))
		sender++
	}

	var last vrtime.Time
	batches := 0
	for !q.Empty() {
		batch, err := q.DequeueNextAgentEvents(nil)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.True(t, batch[0].ReceiveTime.GE(last))
		last = batch[0].ReceiveTime
		batches++
	}
	assert.Equal(t, n, batches)

	stats := q.ReportStats(new(trivialWriter))
	assert.GreaterOrEqual(t, stats.RungsCreated, 1)
}

func TestLadderQueueRandomizedOrdering(t *testing.T) {
	q := NewDefaultLadderQueue(event.NewSimpleRecycler(nil))
	ids := []event.AgentID{1, 2, 3, 4}
	for _, id := range ids {
		_, err := q.AddAgent(id)
		require.NoError(t, err)
	}

	n := 500
	for i := 0; i < n; i++ {
		id := ids[rand.IntN(len(ids))]
		require.NoError(t, q.Enqueue(newEvt(event.AgentID(100+i), id, 0, rand.Float64()*1000)))
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

func TestLadderQueueEraseAfterHashedSubBucket(t *testing.T) {
	q := NewLadderQueue(event.NewSimpleRecycler(nil), config.Defaults())
	_, err := q.AddAgent(9)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(newEvt(5, 9, 2, 500)))
	require.NoError(t, q.Enqueue(newEvt(5, 9, 4, 501)))
	require.NoError(t, q.Enqueue(newEvt(7, 9, 1, 501)))

	cancelled := q.EraseAfter(9, 5, vrtime.FromSeconds(4))
	assert.Equal(t, 1, cancelled)

	count := 0
	for !q.Empty() {
		batch, err := q.DequeueNextAgentEvents(nil)
		require.NoError(t, err)
		count += len(batch)
	}
	assert.Equal(t, 2, count)
}

func TestLadderQueueRemoveAgent(t *testing.T) {
	q := NewDefaultLadderQueue(event.NewSimpleRecycler(nil))
	_, err := q.AddAgent(1)
	require.NoError(t, err)
	_, err = q.AddAgent(2)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(newEvt(0, 1, 0, 5)))
	require.NoError(t, q.Enqueue(newEvt(0, 2, 0, 6)))

	require.NoError(t, q.RemoveAgent(1))
	assert.ErrorIs(t, q.RemoveAgent(1), event.ErrUnknownAgent)

	batch, err := q.DequeueNextAgentEvents(nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, event.AgentID(2), batch[0].Receiver)
	assert.True(t, q.Empty())
}
