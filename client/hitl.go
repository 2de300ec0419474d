package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/client/registry"
	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// requestApproval runs the human-in-the-loop callback for one tool call.
// A deferred decision parks in the approval registry and resolves through
// registry.Approve/Deny; the handler timeout bounds the wait. Malformed
// callback results count as denial.
func (s *Session) requestApproval(ctx context.Context, toolName string, args map[string]interface{}) (bool, string, error) {
	id := uuid.NewString()
	decision, err := s.opts.approvalCallback(ctx, id, toolName, args)
	if err != nil {
		return false, "", fmt.Errorf("approval callback failed: %w", err)
	}
	if decision == nil {
		s.logger.Warn("Approval callback returned no decision, treating as denial",
			zap.String("tool", toolName))
		return false, shared.ErrInvalidApprovalDecision.Error(), nil
	}
	if !decision.Deferred {
		return decision.Approved, decision.Reason, nil
	}

	promise, err := s.approvals.Store(id, &registry.ApprovalPayload{
		ToolName:  toolName,
		Arguments: args,
	}, s.opts.handlerTimeout)
	if err != nil {
		return false, "", err
	}

	value, err := promise.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		// Deadline expiry or external cancel.
		return false, err.Error(), nil
	}
	resolved, ok := value.(*registry.ApprovalDecision)
	if !ok {
		s.logger.Error("Approval resolved with unexpected type", zap.String("tool", toolName))
		return false, shared.ErrInvalidApprovalDecision.Error(), nil
	}
	return resolved.Approved, resolved.Reason, nil
}

// deniedResult is the in-band tool result for a denied call: isError set,
// no request ever sent to the server.
func deniedResult(toolName, reason string) *schema.CallToolResult {
	if reason == "" {
		reason = "denied by user"
	}
	return &schema.CallToolResult{
		Content: []schema.Content{
			{Type: "text", Text: fmt.Sprintf("Tool call '%s' was cancelled: %s", toolName, reason)},
		},
		IsError: true,
	}
}
