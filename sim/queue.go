// Implements RequestQueue, the FIFO used for the waiting, running and swapped pools.

package sim

import (
	"fmt"
	"strings"

	"github.com/gammazero/deque"
)

// RequestQueue is a FIFO queue of requests. Requests progress in arrival order;
// PushFront is reserved for requests that lost their KV and must be served first.
type RequestQueue struct {
	queue deque.Deque[*Request]
}

// Enqueue adds a request to the back of the queue.
func (q *RequestQueue) Enqueue(r *Request) {
	q.queue.PushBack(r)
}

// PushFront inserts a request at the head of the queue.
func (q *RequestQueue) PushFront(r *Request) {
	if r == nil {
		panic("PushFront: req must not be nil")
	}
	q.queue.PushFront(r)
}

// Len returns the number of requests in the queue.
func (q *RequestQueue) Len() int {
	return q.queue.Len()
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (q *RequestQueue) Peek() *Request {
	if q.queue.Len() == 0 {
		return nil
	}
	return q.queue.Front()
}

// At returns the i-th request from the front.
func (q *RequestQueue) At(i int) *Request {
	return q.queue.At(i)
}

// Dequeue removes a request from the front of the queue. Returns nil when empty.
func (q *RequestQueue) Dequeue() *Request {
	if q.queue.Len() == 0 {
		return nil
	}
	return q.queue.PopFront()
}

// DequeueN removes up to n requests from the front, preserving order.
func (q *RequestQueue) DequeueN(n int) []*Request {
	n = min(n, q.queue.Len())
	out := make([]*Request, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.queue.PopFront())
	}
	return out
}

// Items returns a copy of the queue contents in order.
func (q *RequestQueue) Items() []*Request {
	out := make([]*Request, 0, q.queue.Len())
	for i := 0; i < q.queue.Len(); i++ {
		out = append(out, q.queue.At(i))
	}
	return out
}

func (q *RequestQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < q.queue.Len(); i++ {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprint(*q.queue.At(i)))
	}
	sb.WriteString("]")
	return sb.String()
}
