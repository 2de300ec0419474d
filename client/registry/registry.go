// Package registry tracks pending human-in-the-loop approvals and
// elicitations, each bounded by a deadline enforced by one scheduler
// goroutine per registry.
package registry

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/shared"
)

// entry is one pending item: its promise settles on completion,
// cancellation, or deadline expiry.
type entry struct {
	id       string
	promise  *shared.Promise
	deadline time.Time
	payload  interface{}
}

// deadlineItem is the heap projection of an entry. Items for removed
// entries go stale and are skipped when popped.
type deadlineItem struct {
	id       string
	deadline time.Time
}

type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadlineItem)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Registry is a keyed table of pending entries with one scheduler
// goroutine expiring them by deadline. Deadlines use the runtime's
// monotonic clock, so wall-clock jumps do not fire or delay timeouts.
//
// A stored entry does not extend any transport-level deadline on the
// request that created it; callers must complete entries within the
// transport's window.
type Registry struct {
	logger        *zap.Logger
	timeoutReason string

	ops      chan func()
	done     chan struct{}
	shutdown sync.Once
	entries  map[string]*entry
	pending  deadlineHeap
}

// NewRegistry starts the scheduler goroutine. timeoutReason is the
// cancellation reason applied to entries whose deadline expires.
func NewRegistry(timeoutReason string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:        logger,
		timeoutReason: timeoutReason,
		ops:           make(chan func()),
		done:          make(chan struct{}),
		entries:       make(map[string]*entry),
	}
	go r.schedulerLoop()
	return r
}

// schedulerLoop owns all registry state. Operations run on this goroutine;
// the timer fires for the earliest live deadline.
func (r *Registry) schedulerLoop() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	rearm := func() {
		if timerActive {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timerActive = false
		}
		// Drop stale heads for entries that were already removed.
		for r.pending.Len() > 0 {
			head := r.pending[0]
			if e, ok := r.entries[head.id]; ok && e.deadline.Equal(head.deadline) {
				timer.Reset(time.Until(head.deadline))
				timerActive = true
				return
			}
			heap.Pop(&r.pending)
		}
	}

	for {
		select {
		case <-r.done:
			timer.Stop()
			return
		case op := <-r.ops:
			op()
			rearm()
		case <-timer.C:
			timerActive = false
			now := time.Now()
			for r.pending.Len() > 0 && !r.pending[0].deadline.After(now) {
				head := heap.Pop(&r.pending).(deadlineItem)
				e, ok := r.entries[head.id]
				if !ok || !e.deadline.Equal(head.deadline) {
					continue
				}
				delete(r.entries, head.id)
				r.logger.Debug("Entry timed out", zap.String("id", head.id))
				e.promise.Cancel(r.timeoutReason)
			}
			rearm()
		}
	}
}

// run executes op on the scheduler goroutine and waits for it.
func (r *Registry) run(op func()) error {
	doneCh := make(chan struct{})
	select {
	case r.ops <- func() { op(); close(doneCh) }:
		<-doneCh
		return nil
	case <-r.done:
		return shared.ErrShuttingDown
	}
}

// Store registers a pending entry and returns its promise. The entry is
// cancelled with the registry's timeout reason when timeout elapses.
func (r *Registry) Store(id string, payload interface{}, timeout time.Duration) (*shared.Promise, error) {
	promise := shared.NewPromise()
	err := r.run(func() {
		if _, exists := r.entries[id]; exists {
			promise = nil
			return
		}
		e := &entry{
			id:       id,
			promise:  promise,
			deadline: time.Now().Add(timeout),
			payload:  payload,
		}
		r.entries[id] = e
		heap.Push(&r.pending, deadlineItem{id: id, deadline: e.deadline})
	})
	if err != nil {
		return nil, err
	}
	if promise == nil {
		return nil, fmt.Errorf("entry '%s' already exists", id)
	}
	return promise, nil
}

// Retrieve returns the payload of a pending entry, or nil.
func (r *Registry) Retrieve(id string) interface{} {
	var payload interface{}
	_ = r.run(func() {
		if e, ok := r.entries[id]; ok {
			payload = e.payload
		}
	})
	return payload
}

// Remove drops an entry without settling its promise.
func (r *Registry) Remove(id string) bool {
	removed := false
	_ = r.run(func() {
		if _, ok := r.entries[id]; ok {
			delete(r.entries, id)
			removed = true
		}
	})
	return removed
}

// Complete resolves a pending entry with a response.
func (r *Registry) Complete(id string, response interface{}) error {
	var promise *shared.Promise
	if err := r.run(func() {
		if e, ok := r.entries[id]; ok {
			promise = e.promise
			delete(r.entries, id)
		}
	}); err != nil {
		return err
	}
	if promise == nil {
		return fmt.Errorf("no pending entry '%s'", id)
	}
	promise.Resolve(response)
	return nil
}

// Cancel rejects a pending entry with a reason.
func (r *Registry) Cancel(id string, reason string) error {
	var promise *shared.Promise
	if err := r.run(func() {
		if e, ok := r.entries[id]; ok {
			promise = e.promise
			delete(r.entries, id)
		}
	}); err != nil {
		return err
	}
	if promise == nil {
		return fmt.Errorf("no pending entry '%s'", id)
	}
	promise.Cancel(reason)
	return nil
}

// Clear cancels every pending entry.
func (r *Registry) Clear(reason string) {
	var promises []*shared.Promise
	_ = r.run(func() {
		for id, e := range r.entries {
			promises = append(promises, e.promise)
			delete(r.entries, id)
		}
		r.pending = r.pending[:0]
	})
	for _, p := range promises {
		p.Cancel(reason)
	}
}

// Size returns the number of pending entries.
func (r *Registry) Size() int {
	size := 0
	_ = r.run(func() { size = len(r.entries) })
	return size
}

// Shutdown cancels all entries and stops the scheduler. The registry is
// unusable afterwards.
func (r *Registry) Shutdown() {
	r.shutdown.Do(func() {
		r.Clear("Registry shutting down")
		close(r.done)
	})
}
