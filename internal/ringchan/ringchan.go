// Package ringchan provides a bounded, channel-backed queue whose producers
// never block.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Channel is a bounded channel-like buffer.
//
// Producers choose the overflow policy per call: Send drops the oldest
// element, TrySend rejects the new one. Consumers read from C() like a normal
// Go channel, or use Receive/TryReceive to have reads counted.
//
//	q := ringchan.New[[]Frame](64)
//	if !q.TrySend(batch) {
//	    // queue full, batch dropped
//	}
//	for b := range q.C() {
//	    push(b)
//	}
//
// Send and TrySend are safe to call concurrently with Close; values sent after
// Close are discarded and reported as rejected.
type Channel[T any] struct {
	ch       chan T
	mu       sync.RWMutex
	closed   bool
	counters Counters
}

// New creates a Channel with the given capacity.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Channel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Reads through it are not counted.
func (c *Channel[T]) C() <-chan T {
	return c.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// Returns true when an element was overwritten. Never blocks.
func (c *Channel[T]) Send(v T) (overwritten bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		atomic.AddInt64(&c.counters.Rejected, 1)
		return false
	}

	for {
		select {
		case c.ch <- v:
			atomic.AddInt64(&c.counters.Written, 1)
			return overwritten
		default:
		}
		// a concurrent reader may have emptied the buffer meanwhile
		select {
		case <-c.ch:
			atomic.AddInt64(&c.counters.Overwritten, 1)
			overwritten = true
		default:
		}
	}
}

// TrySend inserts v if there is room. Returns false when the buffer is full or closed.
func (c *Channel[T]) TrySend(v T) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		atomic.AddInt64(&c.counters.Rejected, 1)
		return false
	}

	select {
	case c.ch <- v:
		atomic.AddInt64(&c.counters.Written, 1)
		return true
	default:
		atomic.AddInt64(&c.counters.Rejected, 1)
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (c *Channel[T]) Receive() (v T, ok bool) {
	v, ok = <-c.ch
	if ok {
		atomic.AddInt64(&c.counters.Processed, 1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
func (c *Channel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-c.ch:
		if ok {
			atomic.AddInt64(&c.counters.Processed, 1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (c *Channel[T]) Len() int {
	return len(c.ch)
}

// Cap returns the channel capacity.
func (c *Channel[T]) Cap() int {
	return cap(c.ch)
}

// Close closes the underlying channel. Buffered values stay readable. Idempotent.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Counters returns a snapshot of the channel counters.
func (c *Channel[T]) Counters() Counters {
	return Counters{
		Processed:   atomic.LoadInt64(&c.counters.Processed),
		Written:     atomic.LoadInt64(&c.counters.Written),
		Overwritten: atomic.LoadInt64(&c.counters.Overwritten),
		Rejected:    atomic.LoadInt64(&c.counters.Rejected),
	}
}

// Counters holds lock-free counters for a Channel.
type Counters struct {
	Processed   int64 // values read via Receive/TryReceive
	Written     int64
	Overwritten int64 // values discarded by Send
	Rejected    int64 // values refused by TrySend or sent after Close
}
