// Package buffer provides an unbounded FIFO used as a mailbox between
// goroutines that must never block the producer.
package buffer

import "sync"

// Queue is a thread-safe ring buffer that doubles its capacity once it is
// 70% full. Push never blocks, which makes it safe to call from inside a
// consumer callback that feeds the same queue.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	head   int
	size   int
	closed bool

	pushed int64
	popped int64
	grown  int
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Len      int
	Cap      int
	Pushed   int64
	Popped   int64
	Resizes  int
	IsClosed bool
}

// New returns a queue with the given starting capacity (minimum 1).
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{items: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item. It reports false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	limit := len(q.items) * 70 / 100
	if limit < 1 {
		limit = 1
	}
	if q.size+1 >= limit {
		q.resize(len(q.items) * 2)
	}

	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	q.pushed++
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available. After Close it keeps returning
// queued items and then reports false.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// TryPop returns the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Drain removes up to max items (all when max <= 0) in FIFO order.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.take())
	}
	return out
}

// Close stops accepting items and wakes every blocked Pop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns counters for monitoring.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:      q.size,
		Cap:      len(q.items),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Resizes:  q.grown,
		IsClosed: q.closed,
	}
}

// take pops the head. Caller holds mu and guarantees size > 0.
func (q *Queue[T]) take() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.popped++
	return item
}

// resize moves queued items into a new backing slice. Caller holds mu.
func (q *Queue[T]) resize(capacity int) {
	next := make([]T, capacity)
	for i := 0; i < q.size; i++ {
		next[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = next
	q.head = 0
	q.grown++
}
