package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iti/musepq/event"
	"github.com/iti/musepq/vrtime"
)

// newEvt builds a test event from the literal (sender, receiver, sent,
// recv) shorthand the seed scenarios in spec.md §8 use.
func newEvt(sender, receiver event.AgentID, sent, recv float64) *event.Event {
	return &event.Event{
		Sender:      sender,
		Receiver:    receiver,
		SentTime:    vrtime.FromSeconds(sent),
		ReceiveTime: vrtime.FromSeconds(recv),
	}
}

func batchKey(events []*event.Event) (vrtime.Time, event.AgentID) {
	return events[0].ReceiveTime, events[0].Receiver
}

// runSeedScenarios exercises spec.md §8's literal seed scenarios (S1,
// S2, S3, S5) against any EventQueue constructor. Every concrete
// variant's test file calls this so property 1 (ordering), property 2
// (batch completeness), property 3 (refcount round-trip), property 4
// (idempotent remove_agent), and property 5 (erase predicate) are
// checked uniformly across C3-C7.
func runSeedScenarios(t *testing.T, newQ func(event.Recycler) EventQueue) {
	t.Run("S1_basic_order", func(t *testing.T) {
		var released int
		q := newQ(event.NewSimpleRecycler(func(*event.Event) { released++ }))
		for _, id := range []event.AgentID{1, 2, 3} {
			_, err := q.AddAgent(id)
			require.NoError(t, err)
		}

		require.NoError(t, q.Enqueue(newEvt(0, 1, 0, 1)))
		require.NoError(t, q.Enqueue(newEvt(0, 1, 0, 3)))
		require.NoError(t, q.Enqueue(newEvt(0, 3, 0, 2)))

		var batch []*event.Event
		var err error

		batch, err = q.DequeueNextAgentEvents(nil)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, event.AgentID(1), batch[0].Receiver)
		assert.True(t, batch[0].ReceiveTime.EQ(vrtime.FromSeconds(1)))

		batch, err = q.DequeueNextAgentEvents(batch[:0])
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, event.AgentID(3), batch[0].Receiver)

		batch, err = q.DequeueNextAgentEvents(batch[:0])
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, event.AgentID(1), batch[0].Receiver)
		assert.True(t, batch[0].ReceiveTime.EQ(vrtime.FromSeconds(3)))

		assert.True(t, q.Empty())
		assert.Equal(t, 3, released)
	})

	t.Run("S2_concurrent_events", func(t *testing.T) {
		q := newQ(event.NewSimpleRecycler(nil))
		for _, id := range []event.AgentID{1, 2} {
			_, err := q.AddAgent(id)
			require.NoError(t, err)
		}

		require.NoError(t, q.Enqueue(newEvt(0, 1, 0, 3)))
		require.NoError(t, q.Enqueue(newEvt(0, 2, 0, 3)))
		require.NoError(t, q.Enqueue(newEvt(0, 1, 0, 3)))
		require.NoError(t, q.Enqueue(newEvt(0, 1, 0, 2)))

		batch, err := q.DequeueNextAgentEvents(nil)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.True(t, batch[0].ReceiveTime.EQ(vrtime.FromSeconds(2)))

		batch, err = q.DequeueNextAgentEvents(batch[:0])
		require.NoError(t, err)
		require.Len(t, batch, 2)
		recv, recv2 := batchKey(batch)
		assert.True(t, recv.EQ(vrtime.FromSeconds(3)))
		assert.Equal(t, event.AgentID(1), recv2)

		batch, err = q.DequeueNextAgentEvents(batch[:0])
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, event.AgentID(2), batch[0].Receiver)

		assert.True(t, q.Empty())
	})

	t.Run("S3_rollback", func(t *testing.T) {
		q := newQ(event.NewSimpleRecycler(nil))
		_, err := q.AddAgent(9)
		require.NoError(t, err)
		_, err = q.AddAgent(5)
		require.NoError(t, err)
		_, err = q.AddAgent(7)
		require.NoError(t, err)

		require.NoError(t, q.Enqueue(newEvt(5, 9, 2, 10)))
		require.NoError(t, q.Enqueue(newEvt(5, 9, 4, 11)))
		require.NoError(t, q.Enqueue(newEvt(5, 9, 6, 12)))
		require.NoError(t, q.Enqueue(newEvt(7, 9, 3, 11)))

		cancelled := q.EraseAfter(9, 5, vrtime.FromSeconds(4))
		assert.Equal(t, 2, cancelled)

		batch, err := q.DequeueNextAgentEvents(nil)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.True(t, batch[0].ReceiveTime.EQ(vrtime.FromSeconds(10)))

		batch, err = q.DequeueNextAgentEvents(batch[:0])
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.True(t, batch[0].ReceiveTime.EQ(vrtime.FromSeconds(11)))
		assert.Equal(t, event.AgentID(7), batch[0].Sender)

		assert.True(t, q.Empty())
	})

	t.Run("S5_remove_agent", func(t *testing.T) {
		var released int
		q := newQ(event.NewSimpleRecycler(func(*event.Event) { released++ }))
		for _, id := range []event.AgentID{1, 2, 3} {
			_, err := q.AddAgent(id)
			require.NoError(t, err)
		}
		for i := 0; i < 10; i++ {
			for _, id := range []event.AgentID{1, 2, 3} {
				require.NoError(t, q.Enqueue(newEvt(0, id, 0, float64(i+1))))
			}
		}

		require.NoError(t, q.RemoveAgent(2))
		assert.Equal(t, 10, released)
		assert.ErrorIs(t, q.RemoveAgent(2), event.ErrUnknownAgent)

		for !q.Empty() {
			batch, err := q.DequeueNextAgentEvents(nil)
			require.NoError(t, err)
			for _, e := range batch {
				assert.NotEqual(t, event.AgentID(2), e.Receiver)
			}
		}
	})
}
