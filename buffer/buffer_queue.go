// File: buffer/buffer_queue.go
//
// Package buffer implements the ordered byte-segment queue each
// connection uses for its send and receive buffers: push/move_pop with
// capacity-based backpressure, plus rewind to restore bytes a partial
// write could not deliver.
//
// Contract: one producer and one consumer, synchronized by the caller
// (the owning worker serializes all access during its callbacks); the
// queue itself only guards against concurrent misuse with a mutex, it
// does not arbitrate between competing producers.
package buffer

import (
	"sync"

	"github.com/arcwire/connpool/api"
)

// Queue is an ordered, capacity-bounded queue of byte segments.
type Queue struct {
	mu       sync.Mutex
	segments [][]byte
	size     int
	capacity int // 0 means unbounded
}

// New returns an empty queue. capacity == 0 means unbounded, matching
// the recv buffer's contract in the spec (unbounded, drained by the
// higher layer).
func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// SetCapacity changes the bound. A capacity of 0 means unbounded.
func (q *Queue) SetCapacity(n int) {
	q.mu.Lock()
	q.capacity = n
	q.mu.Unlock()
}

// Len returns the cumulative byte size currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Push appends a segment to the back of the queue. It fails with
// api.ErrResourceExhausted if the cumulative size would exceed the
// configured capacity; the segment is not queued in that case.
func (q *Queue) Push(seg []byte) error {
	if len(seg) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && q.size+len(seg) > q.capacity {
		return api.ErrResourceExhausted
	}
	q.segments = append(q.segments, seg)
	q.size += len(seg)
	return nil
}

// MovePop removes and returns the front segment, or nil if the queue
// is empty. Ownership of the returned slice transfers to the caller.
func (q *Queue) MovePop() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.segments) == 0 {
		return nil
	}
	seg := q.segments[0]
	q.segments = q.segments[1:]
	q.size -= len(seg)
	return seg
}

// Rewind prepends seg back to the front of the queue, restoring bytes
// a partial write could not deliver. Rewind bypasses the capacity
// check: it is always restoring bytes that were already accounted for.
func (q *Queue) Rewind(seg []byte) {
	if len(seg) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.segments = append([][]byte{seg}, q.segments...)
	q.size += len(seg)
}
