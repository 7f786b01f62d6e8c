package event

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iti/musepq/vrtime"
)

func TestLessOrdersByTimeThenReceiver(t *testing.T) {
	a := &Event{ReceiveTime: vrtime.FromSeconds(1), Receiver: 2}
	b := &Event{ReceiveTime: vrtime.FromSeconds(1), Receiver: 3}
	c := &Event{ReceiveTime: vrtime.FromSeconds(2), Receiver: 1}

	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.True(t, Less(b, c))
}

func TestSameBatch(t *testing.T) {
	a := &Event{ReceiveTime: vrtime.FromSeconds(1), Receiver: 2}
	b := &Event{ReceiveTime: vrtime.FromSeconds(1), Receiver: 2}
	c := &Event{ReceiveTime: vrtime.FromSeconds(1), Receiver: 3}

	assert.True(t, SameBatch(a, b))
	assert.False(t, SameBatch(a, c))
}

func TestMatchesCancellation(t *testing.T) {
	e := &Event{Receiver: 9, Sender: 5, SentTime: vrtime.FromSeconds(4)}

	assert.True(t, e.MatchesCancellation(9, 5, vrtime.FromSeconds(4)))
	assert.True(t, e.MatchesCancellation(9, 5, vrtime.FromSeconds(3)))
	assert.False(t, e.MatchesCancellation(9, 5, vrtime.FromSeconds(5)))
	assert.False(t, e.MatchesCancellation(9, 7, vrtime.FromSeconds(4)))
	assert.False(t, e.MatchesCancellation(1, 5, vrtime.FromSeconds(4)))
}

func TestSimpleRecyclerReleasesAtZero(t *testing.T) {
	released := false
	r := NewSimpleRecycler(func(e *Event) { released = true })

	e := &Event{}
	r.IncRef(e)
	r.IncRef(e)
	assert.Equal(t, int32(2), RefCount(e))

	r.DecRef(e)
	assert.False(t, released)
	r.DecRef(e)
	assert.True(t, released)
}

func TestThreadLocalRecyclerTalliesShards(t *testing.T) {
	released := false
	r := NewThreadLocalRecycler(4, func(e *Event) { released = true })

	e := &Event{}
	WithShardedCounters(e, 4)

	w0 := r.Bind(0)
	w1 := r.Bind(1)

	w0.IncRef(e)
	w1.IncRef(e)
	assert.Equal(t, int32(2), r.tally(e))

	w0.DecRef(e)
	assert.False(t, released)
	w1.DecRef(e)
	assert.True(t, released)
}

func TestNewAgentDefaults(t *testing.T) {
	a := NewAgent(AgentID(7))
	assert.Equal(t, AgentID(7), a.ID)
	assert.Equal(t, NoCrossRef, a.CrossRef)
	assert.True(t, a.OldTopTime.EQ(vrtime.Infinity))
}
