package rpc

import (
	"sync"
	"time"

	"github.com/firi/clangdlink/wire"
)

// DefaultMaxQueuedMessages is the default notification queue capacity
// (spec.md §3, MAX_QUEUED_MESSAGES).
const DefaultMaxQueuedMessages = 500

// NotificationQueue is a bounded FIFO of server-sent notifications. When
// full, TryPush drops the oldest queued element before enqueuing the new
// one. The producer (the connection's reader loop) never blocks; the
// consumer may wait with a timeout.
type NotificationQueue struct {
	mu       sync.Mutex
	items    []*wire.Frame
	capacity int
	notify   chan struct{} // closed and replaced each time an item is pushed
}

// NewNotificationQueue returns a queue with the given capacity. A
// capacity <= 0 is treated as DefaultMaxQueuedMessages.
func NewNotificationQueue(capacity int) *NotificationQueue {
	if capacity <= 0 {
		capacity = DefaultMaxQueuedMessages
	}
	return &NotificationQueue{
		items:    make([]*wire.Frame, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// TryPush enqueues f, discarding the oldest queued element first if the
// queue is already at capacity. It never blocks.
func (q *NotificationQueue) TryPush(f *wire.Frame) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, f)
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()

	close(ch)
}

// TryPop removes and returns the oldest queued notification without
// blocking. ok is false if the queue was empty.
func (q *NotificationQueue) TryPop() (f *wire.Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *NotificationQueue) popLocked() (*wire.Frame, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

// PopWithTimeout blocks up to d waiting for a notification to become
// available, returning ok=false if the deadline passes first.
func (q *NotificationQueue) PopWithTimeout(d time.Duration) (f *wire.Frame, ok bool) {
	deadline := time.Now().Add(d)

	for {
		q.mu.Lock()
		if f, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return f, true
		}
		waitCh := q.notify
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}

		select {
		case <-waitCh:
			// An item was pushed (or the queue was otherwise touched);
			// loop around and try to pop again.
		case <-time.After(remaining):
			return nil, false
		}
	}
}

// Len reports the number of queued notifications.
func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
