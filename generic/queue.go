package generic

import "container/heap"

// =============================================================================
// EVENT QUEUE - Timestamp-ordered min-heap with stable tie-breaking
// =============================================================================

// Timed is anything that can be scheduled on a Queue.
type Timed interface {
	At() Millis
}

// Queue orders events by timestamp, then by insertion sequence, so two
// events scheduled for the same instant pop in the order they were pushed.
// Pushing while draining is allowed: the caller pops one event, may push new
// ones, and continues.
//
// Not safe for concurrent use; a queue belongs to one build.
type Queue[T Timed] struct {
	items queueHeap[T]
	seq   uint64
}

// NewQueue returns an empty queue.
func NewQueue[T Timed]() *Queue[T] {
	return &Queue[T]{}
}

// Push schedules an event.
func (q *Queue[T]) Push(event T) {
	q.seq++
	heap.Push(&q.items, queueItem[T]{event: event, at: event.At(), seq: q.seq})
}

// Pop removes and returns the earliest event.
func (q *Queue[T]) Pop() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(&q.items).(queueItem[T])
	return item.event, true
}

// Peek returns the earliest event without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0].event, true
}

// Len returns the number of pending events.
func (q *Queue[T]) Len() int { return len(q.items) }

type queueItem[T Timed] struct {
	event T
	at    Millis
	seq   uint64
}

type queueHeap[T Timed] []queueItem[T]

func (h queueHeap[T]) Len() int { return len(h) }

func (h queueHeap[T]) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap[T]) Push(x any) { *h = append(*h, x.(queueItem[T])) }

func (h *queueHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	var zero queueItem[T]
	old[n-1] = zero
	*h = old[:n-1]
	return item
}
