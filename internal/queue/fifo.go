// Package queue provides the unbounded FIFO used between the interrupt
// handler and the application.
package queue

import "sync"

// FIFO is an unbounded, mutex-protected first-in first-out queue.
// The zero value is ready to use. Safe for concurrent use.
type FIFO[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

// Push appends v at the tail. It never blocks beyond the internal lock.
func (q *FIFO[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Pop removes and returns the head. ok is false when the queue is empty.
func (q *FIFO[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return v, false
	}
	v = q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head++
	q.compact()
	return v, true
}

// Drain removes and returns every queued element in FIFO order.
// It returns an empty, non-nil slice when nothing is queued.
func (q *FIFO[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	q.items, q.head = nil, 0
	return out
}

// Len returns the number of queued elements.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	n := len(q.items) - q.head
	q.mu.Unlock()
	return n
}

// compact drops the consumed prefix once it dominates the backing array.
// Caller holds q.mu.
func (q *FIFO[T]) compact() {
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
		return
	}
	if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items, q.head = q.items[:n], 0
	}
}
