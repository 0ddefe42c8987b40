package session

import (
	"sync"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventRemoteUpdate is an update frame received from a peer.
	EventRemoteUpdate EventType = iota + 1
	// EventLocalUpdate is a committed local update waiting to be sent.
	EventLocalUpdate
)

func (t EventType) String() string {
	switch t {
	case EventRemoteUpdate:
		return "remote"
	case EventLocalUpdate:
		return "local"
	default:
		return "unknown"
	}
}

// Event is one encoded update moving through the session loop.
type Event struct {
	Type EventType
	Data []byte
}

// eventQueue is a thread-safe unbounded FIFO of update events.
//
// Transport readers and document observers enqueue from any goroutine while
// the session's Run loop dequeues. The signal channel lets Run wait with a
// context instead of blocking on a condition variable.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	// Release the frame bytes for GC.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed once the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drained reports whether the queue is closed and empty.
func (q *eventQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0
}

// Close stops further enqueues and wakes waiters. Queued events remain
// available to TryDequeue.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
