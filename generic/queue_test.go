package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-ledger/generic"
)

type testEvent struct {
	name string
	at   generic.Millis
}

func (e testEvent) At() generic.Millis { return e.at }

func drain(q *generic.Queue[testEvent]) []string {
	var names []string
	for {
		e, ok := q.Pop()
		if !ok {
			return names
		}
		names = append(names, e.name)
	}
}

func TestQueue_OrdersByTimestamp(t *testing.T) {
	q := generic.NewQueue[testEvent]()
	q.Push(testEvent{"c", 30})
	q.Push(testEvent{"a", 10})
	q.Push(testEvent{"b", 20})

	assert.Equal(t, []string{"a", "b", "c"}, drain(q))
}

func TestQueue_SameTimestamp_InsertionOrder(t *testing.T) {
	q := generic.NewQueue[testEvent]()
	for _, name := range []string{"first", "second", "third", "fourth"} {
		q.Push(testEvent{name, 5})
	}
	q.Push(testEvent{"early", 1})

	assert.Equal(t, []string{"early", "first", "second", "third", "fourth"}, drain(q))
}

func TestQueue_PushWhileDraining(t *testing.T) {
	// GIVEN: a consumer that reschedules each event once, 10 later
	// THEN: rescheduled events interleave by time and pushes at an existing
	//       timestamp queue behind what was already there
	q := generic.NewQueue[testEvent]()
	q.Push(testEvent{"a", 0})
	q.Push(testEvent{"b", 10})

	var seen []string
	for q.Len() > 0 {
		e, _ := q.Pop()
		seen = append(seen, e.name)
		if len(e.name) == 1 {
			q.Push(testEvent{e.name + "'", e.at + 10})
		}
	}

	assert.Equal(t, []string{"a", "b", "a'", "b'"}, seen)
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	q := generic.NewQueue[testEvent]()
	_, ok := q.Peek()
	assert.False(t, ok)

	q.Push(testEvent{"x", 7})
	e, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "x", e.name)
	assert.Equal(t, 1, q.Len())

	_, ok = q.Pop()
	assert.True(t, ok)
	_, ok = q.Pop()
	assert.False(t, ok)
}
