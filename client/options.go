// Package client implements an MCP client: a session coordinator over one
// transport, typed operations, and handlers for server-initiated requests.
package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultHandlerTimeout = 60 * time.Second
)

// SamplingHandler answers a server-initiated sampling/createMessage request.
type SamplingHandler func(ctx context.Context, params *schema.CreateMessageRequestParams) (*schema.CreateMessageResult, error)

// ElicitationDecision is the outcome of an elicitation handler. Either
// Result is set (synchronous accept/decline/cancel), or Deferred is true
// and the decision arrives later through the elicitation registry.
type ElicitationDecision struct {
	Deferred bool
	Result   *schema.ElicitResult
}

// ElicitationHandler reacts to a server-initiated elicitation/create
// request.
type ElicitationHandler func(ctx context.Context, id string, params *schema.ElicitRequestParams) (*ElicitationDecision, error)

// ApprovalDecision is the outcome of a human-in-the-loop callback. Either
// the decision is immediate, or Deferred is true and the decision arrives
// later through the approval registry.
type ApprovalDecision struct {
	Approved bool
	Reason   string
	Deferred bool
}

// ApprovalCallback is consulted before every tools/call. The id routes
// deferred decisions back through the approval registry.
type ApprovalCallback func(ctx context.Context, id string, toolName string, args map[string]interface{}) (*ApprovalDecision, error)

// NotificationHandler receives server notifications (progress, logging,
// list-changed, resource-updated). Handlers run outside session locks.
type NotificationHandler func(msg *shared.Message)

type options struct {
	logger               *zap.Logger
	clientInfo           schema.Implementation
	requestTimeout       time.Duration
	handlerTimeout       time.Duration
	logLevel             *schema.LoggingLevel
	roots                []schema.Root
	samplingHandler      SamplingHandler
	elicitationHandler   ElicitationHandler
	approvalCallback     ApprovalCallback
	notificationHandlers []NotificationHandler
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		clientInfo: schema.Implementation{
			Name:    "mcp-client",
			Version: "1.0.0",
		},
		requestTimeout: defaultRequestTimeout,
		handlerTimeout: defaultHandlerTimeout,
	}
}

// Option configures a Session.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClientInfo(info schema.Implementation) Option {
	return func(o *options) { o.clientInfo = info }
}

// WithRequestTimeout bounds every outbound request. On expiry the caller
// receives a TimeoutError and the server a notifications/cancelled.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithHandlerTimeout bounds deferred approval and elicitation decisions.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handlerTimeout = d
		}
	}
}

// WithLogLevel requests the given server log level right after the
// handshake.
func WithLogLevel(level schema.LoggingLevel) Option {
	return func(o *options) { o.logLevel = &level }
}

// WithRoots exposes filesystem roots to the server and enables the roots
// capability.
func WithRoots(roots ...schema.Root) Option {
	return func(o *options) { o.roots = roots }
}

// WithSamplingHandler enables the sampling capability.
func WithSamplingHandler(h SamplingHandler) Option {
	return func(o *options) { o.samplingHandler = h }
}

// WithElicitationHandler enables the elicitation capability.
func WithElicitationHandler(h ElicitationHandler) Option {
	return func(o *options) { o.elicitationHandler = h }
}

// WithApprovalCallback gates every tools/call behind a human-in-the-loop
// decision.
func WithApprovalCallback(cb ApprovalCallback) Option {
	return func(o *options) { o.approvalCallback = cb }
}

// WithNotificationHandler registers a server-notification consumer. May be
// given multiple times.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(o *options) {
		o.notificationHandlers = append(o.notificationHandlers, h)
	}
}
