package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

func TestEventQueueRunsInStepOrder(t *testing.T) {
	clock := timectrl.NewClock(0)
	q := NewEventQueue(clock)

	var got []string
	q.Schedule(2, func() { got = append(got, "b") })
	q.Schedule(1, func() { got = append(got, "a") })
	q.Schedule(2, func() { got = append(got, "c") })
	require.Equal(t, 3, q.Len())

	q.RunDue()
	assert.Empty(t, got)

	clock.Advance()
	q.RunDue()
	assert.Equal(t, []string{"a"}, got)

	clock.Advance()
	q.RunDue()
	q.RunDue()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, q.Len())
}

func TestEventQueueCancel(t *testing.T) {
	clock := timectrl.NewClock(0)
	q := NewEventQueue(clock)

	ran := false
	id := q.Schedule(0, func() { ran = true })
	q.Cancel(id)
	q.Cancel(id)
	q.Cancel("ev-unknown")
	q.RunDue()
	assert.False(t, ran)
	assert.Zero(t, q.Len())
}

func TestEventQueueCallbackCanReschedule(t *testing.T) {
	clock := timectrl.NewClock(timectrl.NewTTI(timectrl.Horizon - 1))
	q := NewEventQueue(clock)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			q.Schedule(clock.Steps()+1, tick)
		}
	}
	q.Schedule(0, tick)

	// steps keep counting across the TTI wraparound
	for i := 0; i < 5; i++ {
		q.RunDue()
		clock.Advance()
	}
	assert.Equal(t, 3, count)
	assert.Equal(t, timectrl.NewTTI(4), clock.Now())
}
