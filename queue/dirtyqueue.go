// Package queue implements the dirty-queue intake and the flusher's
// working queue (spec section 4.4/4.5, component C5): a lock-free-style
// multi-producer, single-consumer intake drained wholesale into a
// per-flush working queue that survives rejects across ticks.
package queue

import "sync"

type Op int

const (
	OpSet Op = iota
	OpDel
	OpFlush
)

// Item is the dirty-queue entry (spec section 3): a reference to a
// mutation awaiting persistence, stamped with the vbucket version that
// produced it so a stale reincarnation can be dropped at flush time.
type Item struct {
	Key       []byte
	VBID      uint16
	VBVersion uint16
	Op        Op
	DirtiedAt int64
}

// AtomicQueue is the lock-free-style MPSC intake described in spec
// section 5 ("the intake queue is lock-free multi-producer,
// single-consumer"). It is implemented with a single mutex guarding a
// slice append/drain pair: producers only ever append (O(1) amortized)
// and the one consumer (the flusher) only ever drains the whole queue
// at once. Push and the drain take the same mutex, so a Push waits for
// a drain in progress to finish.
type AtomicQueue struct {
	mu    sync.Mutex
	items []Item
}

func NewAtomicQueue() *AtomicQueue { return &AtomicQueue{} }

// Push appends an entry under the caller's stripe lock (queueDirty's
// co-location guarantee: the dirty-queue entry is appended under the
// same stripe lock that produced the mutation, so per-key queue order
// matches per-key mutation order).
func (q *AtomicQueue) Push(it Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
}

// DrainInto atomically empties the intake queue into dst, preserving
// order, and reports how many entries moved.
func (q *AtomicQueue) DrainInto(dst *[]Item) int {
	q.mu.Lock()
	n := len(q.items)
	if n > 0 {
		*dst = append(*dst, q.items...)
		q.items = q.items[:0]
	}
	q.mu.Unlock()
	return n
}

// Len reports the current intake size, used for the queue_size stat.
func (q *AtomicQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
