package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Admit launches the execution for one dequeued request. Admission is
// serialized by the worker; the execution itself runs on its own goroutine
// so a parked request never blocks the queue.
type Admit func(ctx context.Context, req *Request)

// Worker is the queue's single consumer. Exactly one worker drains the
// buffer, which keeps admission ordering identical to enqueue ordering.
type Worker struct {
	buffer      *RingBuffer
	admit       Admit
	logger      *slog.Logger
	pollTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a queue worker that hands each request to admit.
func NewWorker(buffer *RingBuffer, admit Admit, logger *slog.Logger) *Worker {
	return &Worker{
		buffer:      buffer,
		admit:       admit,
		logger:      logger.With("component", "queue_worker"),
		pollTimeout: time.Second,
	}
}

// Start launches the consumer loop.
func (w *Worker) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("queue worker started", "capacity", w.buffer.Cap())
}

// Stop closes the queue and waits for the consumer loop to exit. Requests
// already admitted keep running on their own goroutines.
func (w *Worker) Stop() {
	w.buffer.Close()
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("queue worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	for {
		req, err := w.buffer.PopWithTimeout(w.pollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			select {
			case <-w.ctx.Done():
				return
			default:
			}
			continue
		}
		w.admit(w.ctx, req)
	}
}
