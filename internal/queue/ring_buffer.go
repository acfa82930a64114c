// Package queue provides a bounded admission queue for playbook execution
// requests, plus the single consumer that drains it.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// Request is an admission request for one playbook execution. The execution
// record is created before enqueue so callers can observe it as pending.
type Request struct {
	ExecutionID string         `json:"execution_id"`
	PlaybookID  string         `json:"playbook_id"`
	TriggeredBy string         `json:"triggered_by"`
	Variables   map[string]any `json:"variables,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// RingBuffer is a thread-safe circular buffer of execution requests. A full
// buffer rejects rather than blocks, so producers surface backpressure to
// their callers instead of stalling ingest.
type RingBuffer struct {
	buffer []*Request
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000 // Default size
	}

	rb := &RingBuffer{
		buffer: make([]*Request, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds a request to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer) Push(req *Request) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = req
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)

	rb.cond.Signal()
	return nil
}

// Pop removes and returns a request from the queue.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer) Pop() (*Request, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopWithTimeout removes and returns a request from the queue.
// Returns ErrQueueEmpty if no request is available within the timeout.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*Request, error) {
	deadline := time.Now().Add(timeout)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}

		done := make(chan struct{})
		go func() {
			time.Sleep(remaining)
			rb.mu.Lock()
			rb.cond.Broadcast()
			rb.mu.Unlock()
			close(done)
		}()

		rb.cond.Wait()

		select {
		case <-done:
		default:
		}

		if time.Now().After(deadline) && rb.count == 0 {
			return nil, ErrQueueEmpty
		}
	}

	if rb.closed && rb.count == 0 {
		return nil, ErrQueueClosed
	}
	if rb.count == 0 {
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

func (rb *RingBuffer) popLocked() *Request {
	req := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil // Allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)
	return req
}

// Len returns the current number of requests in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// Close closes the queue and wakes up any waiting consumers.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() Metrics {
	return Metrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// Metrics holds statistics about queue operations.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
