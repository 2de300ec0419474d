package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// dispatchServerRequest answers one server-initiated request. The handler
// runs inside a cancellable operation: a notifications/cancelled for the
// request's id interrupts it, and a cancelled operation sends no response.
func (s *Session) dispatchServerRequest(msg *shared.Message) {
	op := shared.NewCancellableOperation()
	s.trackServerOp(msg.ID, op)
	defer s.untrackServerOp(msg.ID)

	op.Start()
	ctx, cancel := op.WithContext(context.Background())
	defer cancel()

	result, err := s.handleServerRequest(ctx, msg)

	if !op.Complete() {
		// Cancelled while the handler ran; the server gave up on this
		// request and expects no reply.
		s.logger.Debug("Server request cancelled, suppressing response",
			zap.String("requestID", msg.ID.String()),
			zap.String("reason", op.Reason()))
		return
	}
	if errors.Is(err, shared.ErrRequestCancelled) {
		return
	}
	s.respond(msg.ID, result, err)
}

func (s *Session) handleServerRequest(ctx context.Context, msg *shared.Message) (interface{}, error) {
	switch {
	case msg.IsPing():
		return struct{}{}, nil
	case msg.IsRootsList():
		return s.handleRootsList()
	case msg.IsSampling():
		return s.handleSampling(ctx, msg)
	case msg.IsElicitation():
		return s.handleElicitation(ctx, msg)
	default:
		s.logger.Warn("Server requested unknown method", zap.String("method", *msg.Method))
		return nil, &shared.JSONRPCError{
			Code:    shared.JSONRPCErrorMethodNotFound,
			Message: "Method not found",
		}
	}
}

func (s *Session) handleRootsList() (interface{}, error) {
	roots := s.Roots()
	if len(roots) == 0 {
		return nil, &shared.JSONRPCError{
			Code:    shared.JSONRPCErrorServerError,
			Message: "Roots are not enabled",
		}
	}
	return &schema.ListRootsResult{Roots: roots}, nil
}

func (s *Session) handleSampling(ctx context.Context, msg *shared.Message) (interface{}, error) {
	if s.opts.samplingHandler == nil {
		return nil, &shared.JSONRPCError{
			Code:    shared.JSONRPCErrorServerError,
			Message: "Sampling is not enabled",
		}
	}
	var params schema.CreateMessageRequestParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, &shared.JSONRPCError{
			Code:    shared.JSONRPCErrorInvalidParams,
			Message: fmt.Sprintf("Invalid sampling parameters: %v", err),
		}
	}

	result, err := s.opts.samplingHandler(ctx, &params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, shared.ErrRequestCancelled
		}
		return nil, &shared.JSONRPCError{
			Code:    shared.JSONRPCErrorInternal,
			Message: err.Error(),
		}
	}
	return result, nil
}

// handleElicitation runs the elicitation handler. A deferred decision is
// parked in the elicitation registry and resolved externally; its deadline
// does not extend the transport-level deadline of the server's request.
func (s *Session) handleElicitation(ctx context.Context, msg *shared.Message) (interface{}, error) {
	if s.opts.elicitationHandler == nil {
		return nil, &shared.JSONRPCError{
			Code:    shared.JSONRPCErrorServerError,
			Message: "Elicitation is not enabled",
		}
	}
	var params schema.ElicitRequestParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, &shared.JSONRPCError{
			Code:    shared.JSONRPCErrorInvalidParams,
			Message: fmt.Sprintf("Invalid elicitation parameters: %v", err),
		}
	}

	id := msg.ID.String()
	decision, err := s.opts.elicitationHandler(ctx, id, &params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, shared.ErrRequestCancelled
		}
		// A broken handler counts as a cancel, not a protocol error.
		s.logger.Warn("Elicitation handler failed, treating as cancel", zap.Error(err))
		return &schema.ElicitResult{Action: schema.ElicitActionCancel}, nil
	}

	if decision == nil || (!decision.Deferred && decision.Result == nil) {
		s.logger.Warn("Elicitation handler returned no decision, treating as cancel")
		return &schema.ElicitResult{Action: schema.ElicitActionCancel}, nil
	}
	if !decision.Deferred {
		return decision.Result, nil
	}

	promise, err := s.elicitations.Store(id, &params, s.opts.handlerTimeout)
	if err != nil {
		s.logger.Warn("Failed to defer elicitation", zap.Error(err))
		return &schema.ElicitResult{Action: schema.ElicitActionCancel}, nil
	}
	value, err := promise.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, shared.ErrRequestCancelled
		}
		// Deadline expiry or external cancel both translate to cancel.
		return &schema.ElicitResult{Action: schema.ElicitActionCancel}, nil
	}
	result, ok := value.(*schema.ElicitResult)
	if !ok {
		s.logger.Error("Deferred elicitation resolved with unexpected type")
		return &schema.ElicitResult{Action: schema.ElicitActionCancel}, nil
	}
	return result, nil
}
