package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PromiseState is the settlement state of a Promise.
type PromiseState int

const (
	PromisePending PromiseState = iota
	PromiseResolved
	PromiseRejected
	PromiseCancelled
)

// ErrPromiseTimeout is returned by WaitTimeout when the deadline elapses
// before settlement.
var ErrPromiseTimeout = errors.New("promise timed out")

// Promise is a single-assignment value that can be resolved, rejected or
// cancelled exactly once. Callbacks registered with OnComplete run after
// settlement, outside the promise's lock, in registration order.
type Promise struct {
	mu        sync.Mutex
	state     PromiseState
	value     interface{}
	err       error
	done      chan struct{}
	callbacks []func(interface{}, error)
}

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// settle performs the single assignment. Returns false if already settled.
func (p *Promise) settle(state PromiseState, value interface{}, err error) bool {
	p.mu.Lock()
	if p.state != PromisePending {
		p.mu.Unlock()
		return false
	}
	p.state = state
	p.value = value
	p.err = err
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// Resolve settles the promise with a value. Returns false if already
// settled.
func (p *Promise) Resolve(value interface{}) bool {
	return p.settle(PromiseResolved, value, nil)
}

// Reject settles the promise with an error. Returns false if already
// settled.
func (p *Promise) Reject(err error) bool {
	if err == nil {
		err = errors.New("promise rejected")
	}
	return p.settle(PromiseRejected, nil, err)
}

// Cancel settles the promise as cancelled with the given reason.
func (p *Promise) Cancel(reason string) bool {
	err := ErrRequestCancelled
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrRequestCancelled, reason)
	}
	return p.settle(PromiseCancelled, nil, err)
}

// State returns the current settlement state.
func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed when the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise settles or the context ends.
func (p *Promise) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitTimeout blocks until the promise settles or the timeout elapses.
func (p *Promise) WaitTimeout(d time.Duration) (interface{}, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, p.err
	case <-timer.C:
		return nil, ErrPromiseTimeout
	}
}

// OnComplete registers a callback to run after settlement. If the promise is
// already settled the callback runs immediately on the calling goroutine.
func (p *Promise) OnComplete(cb func(interface{}, error)) {
	p.mu.Lock()
	if p.state == PromisePending {
		p.callbacks = append(p.callbacks, cb)
		p.mu.Unlock()
		return
	}
	value, err := p.value, p.err
	p.mu.Unlock()
	cb(value, err)
}
