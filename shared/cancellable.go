package shared

import (
	"context"
	"sync"
)

// OpState is the lifecycle state of a CancellableOperation.
//
// Allowed transitions:
//
//	pending -> running | cancelled
//	running -> completed | cancelling
//	cancelling -> cancelled
type OpState int

const (
	OpPending OpState = iota
	OpRunning
	OpCancelling
	OpCancelled
	OpCompleted
)

func (s OpState) String() string {
	switch s {
	case OpPending:
		return "pending"
	case OpRunning:
		return "running"
	case OpCancelling:
		return "cancelling"
	case OpCancelled:
		return "cancelled"
	case OpCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// CancellableOperation is the per-request state machine guarding a
// server-initiated request handler. Cancellation of a running operation
// unblocks its worker through the Cancelled channel; cancellation of a
// completed operation is a no-op reporting ErrAlreadyCompleted.
type CancellableOperation struct {
	mu        sync.Mutex
	state     OpState
	reason    string
	cancelled chan struct{} // closed when cancellation is requested
	done      chan struct{} // closed on completed or cancelled
}

func NewCancellableOperation() *CancellableOperation {
	return &CancellableOperation{
		state:     OpPending,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start moves pending -> running. Returns false if the operation was already
// cancelled or started.
func (op *CancellableOperation) Start() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != OpPending {
		return false
	}
	op.state = OpRunning
	return true
}

// Cancel requests cancellation. A pending operation is cancelled outright; a
// running one moves to cancelling until the worker acknowledges via
// Complete. Cancelling a finished operation returns ErrAlreadyCompleted.
func (op *CancellableOperation) Cancel(reason string) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	switch op.state {
	case OpPending:
		op.state = OpCancelled
		op.reason = reason
		close(op.cancelled)
		close(op.done)
		return nil
	case OpRunning:
		op.state = OpCancelling
		op.reason = reason
		close(op.cancelled)
		return nil
	case OpCancelling, OpCancelled:
		return nil
	default: // OpCompleted
		return ErrAlreadyCompleted
	}
}

// Complete marks the worker as finished. It returns true when the operation
// completed normally; false when a cancellation was in flight, in which case
// the operation settles as cancelled and no response must be sent.
func (op *CancellableOperation) Complete() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	switch op.state {
	case OpRunning:
		op.state = OpCompleted
		close(op.done)
		return true
	case OpCancelling:
		op.state = OpCancelled
		close(op.done)
		return false
	default:
		return op.state == OpCompleted
	}
}

// Cancelled is closed as soon as cancellation is requested, unblocking the
// worker.
func (op *CancellableOperation) Cancelled() <-chan struct{} {
	return op.cancelled
}

// Done is closed when the operation reaches a terminal state.
func (op *CancellableOperation) Done() <-chan struct{} {
	return op.done
}

func (op *CancellableOperation) State() OpState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

func (op *CancellableOperation) Reason() string {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.reason
}

// WithContext derives a context that ends when the operation is cancelled.
// The returned stop function must be called when the worker finishes.
func (op *CancellableOperation) WithContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-op.cancelled:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
