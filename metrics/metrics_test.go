package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEventsEnqueuedIncrements(t *testing.T) {
	EventsEnqueued.Reset()
	EventsEnqueued.WithLabelValues("ladder").Inc()
	EventsEnqueued.WithLabelValues("ladder").Inc()

	count := testutil.ToFloat64(EventsEnqueued.WithLabelValues("ladder"))
	assert.Equal(t, float64(2), count)
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	assert.NotNil(t, Handler())
}

func TestTimerObservesDuration(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDuration(DequeueLatency)
}
