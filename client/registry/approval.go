package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/shared"
)

// ApprovalPayload describes the tool call awaiting a human decision.
type ApprovalPayload struct {
	ToolName  string
	Arguments map[string]interface{}
}

// ApprovalDecision is the resolved value of an approval promise.
type ApprovalDecision struct {
	Approved bool
	Reason   string
}

// ApprovalRegistry tracks tool calls waiting for human-in-the-loop
// approval. Each client session owns one; the process-global index routes
// external Approve/Deny calls to the owning registry.
type ApprovalRegistry struct {
	*Registry
}

func NewApprovalRegistry(logger *zap.Logger) *ApprovalRegistry {
	return &ApprovalRegistry{
		Registry: NewRegistry("Approval timed out", logger),
	}
}

// Store registers an approval and indexes it globally.
func (r *ApprovalRegistry) Store(id string, payload *ApprovalPayload, timeout time.Duration) (*shared.Promise, error) {
	promise, err := r.Registry.Store(id, payload, timeout)
	if err != nil {
		return nil, err
	}
	registerApprovalOwner(id, r)
	promise.OnComplete(func(interface{}, error) {
		unregisterApprovalOwner(id)
	})
	return promise, nil
}

// Approve resolves a pending approval.
func (r *ApprovalRegistry) Approve(id string) error {
	return r.Complete(id, &ApprovalDecision{Approved: true})
}

// Deny rejects a pending approval with a reason.
func (r *ApprovalRegistry) Deny(id string, reason string) error {
	if reason == "" {
		reason = "Denied by user"
	}
	return r.Complete(id, &ApprovalDecision{Approved: false, Reason: reason})
}

// Process-global routing of approval ids to their owning registry, so an
// external caller holding only the id can decide it.
var (
	approvalIndexMu sync.Mutex
	approvalIndex   = map[string]*ApprovalRegistry{}
)

func registerApprovalOwner(id string, r *ApprovalRegistry) {
	approvalIndexMu.Lock()
	defer approvalIndexMu.Unlock()
	approvalIndex[id] = r
}

func unregisterApprovalOwner(id string) {
	approvalIndexMu.Lock()
	defer approvalIndexMu.Unlock()
	delete(approvalIndex, id)
}

func approvalOwner(id string) (*ApprovalRegistry, error) {
	approvalIndexMu.Lock()
	defer approvalIndexMu.Unlock()
	r, ok := approvalIndex[id]
	if !ok {
		return nil, fmt.Errorf("no pending approval '%s'", id)
	}
	return r, nil
}

// Approve routes an approval decision to whichever registry owns the id.
func Approve(id string) error {
	r, err := approvalOwner(id)
	if err != nil {
		return err
	}
	return r.Approve(id)
}

// Deny routes a denial to whichever registry owns the id.
func Deny(id string, reason string) error {
	r, err := approvalOwner(id)
	if err != nil {
		return err
	}
	return r.Deny(id, reason)
}
