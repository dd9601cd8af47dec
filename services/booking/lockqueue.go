package booking

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// lockRequest is one pending acquisition. The queue owns it until dispatch;
// the outcome of its work is delivered on done exactly once.
type lockRequest struct {
	operation string
	work      func(ctx context.Context) error
	done      chan error
	ctx       context.Context
}

// OperationQueue serializes named operations in strict arrival order. At most
// one piece of work is in flight at any instant; a failing work item is
// reported only to its own caller and the queue moves on.
type OperationQueue struct {
	mu      sync.Mutex
	held    bool
	current string
	pending []*lockRequest
	logger  *zap.Logger
}

// NewOperationQueue returns an empty queue.
func NewOperationQueue(logger *zap.Logger) *OperationQueue {
	return &OperationQueue{logger: logger}
}

// Acquire enqueues work under the given operation name and blocks until the
// work has run to completion, returning its error. Dispatch order is strictly
// FIFO. If ctx is cancelled before the work is dispatched, the request is
// withdrawn and ctx.Err() is returned; once dispatched, Acquire waits for the
// work to finish.
func (q *OperationQueue) Acquire(ctx context.Context, operation string, work func(ctx context.Context) error) error {
	req := &lockRequest{
		operation: operation,
		work:      work,
		done:      make(chan error, 1),
		ctx:       ctx,
	}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	q.process()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		if q.withdraw(req) {
			return ctx.Err()
		}
		// Already dispatched: the work is running and must be seen through.
		return <-req.done
	}
}

// IsLocked reports whether an operation is executing or about to be dispatched.
func (q *OperationQueue) IsLocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.held
}

// CurrentOperation returns the name of the operation in flight, or "".
func (q *OperationQueue) CurrentOperation() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// QueueLength returns the number of pending, not-yet-dispatched requests.
func (q *OperationQueue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear forcibly empties the pending queue and releases the held flag. Every
// discarded waiter is rejected with ErrQueueCleared. This is an escape hatch
// for abnormal recovery: it does not cancel work already dispatched, and that
// work's completion races any acquisition made after the clear.
func (q *OperationQueue) Clear() {
	q.mu.Lock()
	discarded := q.pending
	q.pending = nil
	q.held = false
	q.current = ""
	q.mu.Unlock()

	for _, req := range discarded {
		req.done <- ErrQueueCleared
	}
	if len(discarded) > 0 && q.logger != nil {
		q.logger.Warn("operation queue cleared", zap.Int("discarded", len(discarded)))
	}
}

// withdraw removes a still-pending request. Returns false when the request
// was already dispatched or resolved.
func (q *OperationQueue) withdraw(req *lockRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, pending := range q.pending {
		if pending == req {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// process dispatches the head of the queue. It is safe to call redundantly:
// it no-ops when the queue is empty or an operation is already in flight.
func (q *OperationQueue) process() {
	q.mu.Lock()
	if q.held || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	q.held = true
	q.current = req.operation
	q.mu.Unlock()

	go func() {
		err := q.run(req)

		q.mu.Lock()
		q.held = false
		q.current = ""
		q.mu.Unlock()

		req.done <- err
		go q.process()
	}()
}

// run executes the request's work, converting a panic into an error so a
// misbehaving work item cannot take the dispatcher down with it.
func (q *OperationQueue) run(req *lockRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", req.operation, r)
			if q.logger != nil {
				q.logger.Error("queued operation panicked",
					zap.String("operation", req.operation), zap.Any("panic", r))
			}
		}
	}()
	return req.work(req.ctx)
}
