package sim

import "container/heap"

// EventQueue implements a priority queue with deterministic ordering.
// Ordering: timestamp → type priority → event ID.
// See canonical Golang example here: https://pkg.go.dev/container/heap#example-package-IntHeap
type EventQueue struct {
	events []Event
}

// Len implements heap.Interface
func (q *EventQueue) Len() int {
	return len(q.events)
}

// Less implements heap.Interface with deterministic ordering
func (q *EventQueue) Less(i, j int) bool {
	ei, ej := q.events[i], q.events[j]

	// Primary: timestamp (lower first)
	if ei.Timestamp() != ej.Timestamp() {
		return ei.Timestamp() < ej.Timestamp()
	}

	// Secondary: type priority (lower priority value = processed first)
	priI := EventTypePriority[ei.Type()]
	priJ := EventTypePriority[ej.Type()]
	if priI != priJ {
		return priI < priJ
	}

	// Tertiary: event ID (lower first, deterministic tie-breaker)
	return ei.EventID() < ej.EventID()
}

// Swap implements heap.Interface
func (q *EventQueue) Swap(i, j int) {
	q.events[i], q.events[j] = q.events[j], q.events[i]
}

// Push implements heap.Interface
func (q *EventQueue) Push(x any) {
	q.events = append(q.events, x.(Event))
}

// Pop implements heap.Interface
func (q *EventQueue) Pop() any {
	old := q.events
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.events = old[0 : n-1]
	return item
}

// Schedule adds an event to the queue
func (q *EventQueue) Schedule(e Event) {
	heap.Push(q, e)
}

// PopNext removes and returns the next event, or nil when empty.
func (q *EventQueue) PopNext() Event {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(Event)
}
