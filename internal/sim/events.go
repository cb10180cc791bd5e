package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// EventQueue runs callbacks at a given clock step. Steps are the clock's
// monotonic advance count, so events far in the future are unaffected by
// TTI wraparound.
//
// The driver calls RunDue once per TTI before scheduling; callbacks may
// schedule or cancel further events.
type EventQueue interface {
	// Schedule registers f to run once the clock reaches step at. It
	// returns an ID usable with Cancel.
	Schedule(at uint64, f func()) (id string)
	// Cancel drops a pending event. Unknown or already-run IDs are ignored.
	Cancel(id string)
	// RunDue runs every event whose step is <= the current step, in step
	// order and, within a step, in scheduling order.
	RunDue()
	// Len returns the number of pending events.
	Len() int
}

type queuedEvent struct {
	id        string
	at        uint64
	f         func()
	cancelled bool
}

type eventQueue struct {
	clock timectrl.TTIClock

	mu      sync.Mutex
	counter uint64
	events  []*queuedEvent // ordered by at
	index   map[string]*queuedEvent
}

// NewEventQueue returns a queue driven by clock.
func NewEventQueue(clock timectrl.TTIClock) EventQueue {
	return &eventQueue{
		clock: clock,
		index: make(map[string]*queuedEvent),
	}
}

func (q *eventQueue) Schedule(at uint64, f func()) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	ev := &queuedEvent{id: fmt.Sprintf("ev-%d", q.counter), at: at, f: f}

	// insert after every event with the same step
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].at > at
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev

	q.index[ev.id] = ev
	return ev.id
}

func (q *eventQueue) Cancel(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev, ok := q.index[id]
	if !ok {
		return
	}
	// removed lazily by popDueLocked
	ev.cancelled = true
	delete(q.index, id)
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

func (q *eventQueue) popDueLocked(now uint64) *queuedEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.at > now {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

func (q *eventQueue) RunDue() {
	now := q.clock.Steps()
	for {
		q.mu.Lock()
		ev := q.popDueLocked(now)
		q.mu.Unlock()
		if ev == nil {
			return
		}
		// outside the lock so callbacks can reschedule
		if ev.f != nil {
			ev.f()
		}
	}
}
