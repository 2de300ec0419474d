package shared

import (
	"sync"
	"time"

	"github.com/gate4ai/mcp-client/shared/mcp/schema"
	"go.uber.org/zap"
)

// RequestCallback handles a response message for a registered request. Each
// callback fires at most once.
type RequestCallback func(msg *Message)

// Request holds information about a sent request awaiting its response.
type Request struct {
	ID        schema.RequestID
	Callback  RequestCallback
	Timestamp time.Time
}

// RequestManager correlates outbound request ids with response callbacks.
// All methods are safe for concurrent use.
type RequestManager struct {
	requests map[string]Request
	mu       sync.Mutex
	logger   *zap.Logger
}

func NewRequestManager(logger *zap.Logger) *RequestManager {
	return &RequestManager{
		requests: make(map[string]Request),
		logger:   logger,
	}
}

// RegisterRequest registers a request with its callback for later
// correlation.
func (rm *RequestManager) RegisterRequest(id *schema.RequestID, callback RequestCallback) {
	rm.mu.Lock()
	rm.requests[id.String()] = Request{
		ID:        *id,
		Callback:  callback,
		Timestamp: time.Now(),
	}
	count := len(rm.requests)
	rm.mu.Unlock()
	rm.logger.Debug("RegisterRequest", zap.String("message_id", id.String()), zap.Int("requests_len", count))
}

// ProcessResponse routes a response to its callback. The entry is removed
// before the callback fires so each response is delivered at most once.
// Returns false when no pending request matches; the caller logs and drops.
func (rm *RequestManager) ProcessResponse(msg *Message) bool {
	if msg.ID.IsEmpty() {
		rm.logger.Error("Response message carries no id")
		return false
	}

	rm.mu.Lock()
	request, exists := rm.requests[msg.ID.String()]
	if exists {
		delete(rm.requests, msg.ID.String())
	} else {
		// Some servers echo numeric ids as strings (or vice versa);
		// fall back to canonical equality.
		for key, candidate := range rm.requests {
			if candidate.ID.Equal(msg.ID) {
				request = candidate
				exists = true
				delete(rm.requests, key)
				break
			}
		}
	}
	rm.mu.Unlock()

	if !exists || request.Callback == nil {
		rm.logger.Warn("No callback found for response", zap.String("message_id", msg.ID.String()))
		return false
	}

	request.Callback(msg)
	msg.Processed = true
	rm.logger.Debug("Response delivered", zap.String("message_id", msg.ID.String()))
	return true
}

// Remove deletes a pending request without invoking its callback. Returns
// true when an entry existed (the caller owns emitting the matching
// cancellation notification).
func (rm *RequestManager) Remove(id *schema.RequestID) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.requests[id.String()]; !ok {
		return false
	}
	delete(rm.requests, id.String())
	return true
}

// Fail synthesizes an error response for a pending request.
func (rm *RequestManager) Fail(id *schema.RequestID, err error) bool {
	return rm.ProcessResponse(&Message{
		ID:        id,
		Error:     NewJSONRPCError(err),
		Timestamp: time.Now(),
	})
}

// PendingIDs returns the ids of all requests still awaiting a response.
func (rm *RequestManager) PendingIDs() []schema.RequestID {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ids := make([]schema.RequestID, 0, len(rm.requests))
	for _, req := range rm.requests {
		ids = append(ids, req.ID)
	}
	return ids
}

// DrainAll fails every pending request with the given error so no caller
// waits forever during shutdown. Returns the ids that were drained.
func (rm *RequestManager) DrainAll(err error) []schema.RequestID {
	rm.mu.Lock()
	pending := make([]Request, 0, len(rm.requests))
	for _, req := range rm.requests {
		pending = append(pending, req)
	}
	rm.requests = make(map[string]Request)
	rm.mu.Unlock()

	ids := make([]schema.RequestID, 0, len(pending))
	for _, req := range pending {
		ids = append(ids, req.ID)
		if req.Callback != nil {
			req.Callback(&Message{
				ID:        &req.ID,
				Error:     NewJSONRPCError(err),
				Timestamp: time.Now(),
			})
		}
	}
	if len(ids) > 0 {
		rm.logger.Debug("Drained pending requests", zap.Int("count", len(ids)))
	}
	return ids
}

// Size returns the number of pending requests.
func (rm *RequestManager) Size() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.requests)
}
