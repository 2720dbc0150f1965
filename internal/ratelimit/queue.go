package ratelimit

import "time"

// waiter is a queued admission request. Waiters are ordered by descending
// priority, FIFO among equal priorities via the monotonic sequence number.
type waiter struct {
	priority int
	seq      uint64
	deadline time.Time
	// result receives nil on admission or a terminal error. Buffered so the
	// dispatcher never blocks on an abandoned waiter.
	result chan error
	// done marks a waiter that was admitted, timed out, or abandoned.
	// Guarded by the limiter mutex; done entries are skipped lazily.
	done bool
}

// waiterQueue implements container/heap ordered by (priority desc, seq asc).
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *waiterQueue) Push(x any) { *q = append(*q, x.(*waiter)) }

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}
