package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/client/registry"
	"github.com/gate4ai/mcp-client/client/transport"
	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// Session coordinates one connection: it issues requests and matches
// responses by id, answers server-initiated requests, fans notifications
// out to user handlers, and enforces per-request timeouts.
type Session struct {
	logger     *zap.Logger
	transport  transport.Transport
	reqManager *shared.RequestManager
	opts       options
	lastID     atomic.Uint64

	approvals    *registry.ApprovalRegistry
	elicitations *registry.ElicitationRegistry

	// reinitMu serializes re-initialization after a session expiry.
	reinitMu sync.Mutex

	mu                sync.Mutex
	started           bool
	expired           bool
	serverInfo        *schema.Implementation
	serverCaps        *schema.ServerCapabilities
	negotiatedVersion string
	roots             []schema.Root
	serverOps         map[string]*shared.CancellableOperation
}

var _ transport.Receiver = (*Session)(nil)

// NewSession builds a session over the given transport. Start must be
// called before any request.
func NewSession(t transport.Transport, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.String("component", "session"))
	s := &Session{
		logger:       logger,
		transport:    t,
		reqManager:   shared.NewRequestManager(logger),
		opts:         o,
		approvals:    registry.NewApprovalRegistry(logger),
		elicitations: registry.NewElicitationRegistry(logger),
		roots:        o.roots,
		serverOps:    make(map[string]*shared.CancellableOperation),
	}
	t.SetReceiver(s)
	return s
}

// capabilities advertises only what the session can actually serve.
func (s *Session) capabilities() schema.ClientCapabilities {
	caps := schema.ClientCapabilities{}
	if s.opts.samplingHandler != nil {
		caps.Sampling = &schema.SamplingCapability{}
	}
	if s.opts.elicitationHandler != nil {
		caps.Elicitation = &schema.ElicitationCapability{}
	}
	s.mu.Lock()
	hasRoots := len(s.roots) > 0
	s.mu.Unlock()
	if hasRoots {
		caps.Roots = &schema.RootsCapability{ListChanged: true}
	}
	return caps
}

// Start connects the transport and performs the initialize handshake.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	if err := s.handshake(ctx); err != nil {
		s.transport.Close()
		return err
	}
	return nil
}

// handshake performs the initialize exchange on an already-open transport
// and records the negotiated session state.
func (s *Session) handshake(ctx context.Context) error {
	result, err := s.initialize(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.started = true
	s.expired = false
	s.serverInfo = &result.ServerInfo
	s.serverCaps = &result.Capabilities
	s.negotiatedVersion = result.ProtocolVersion
	s.mu.Unlock()
	s.transport.SetProtocolVersion(result.ProtocolVersion)

	notif, err := shared.NewNotification(shared.NotificationInitialized, nil)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, notif); err != nil {
		return err
	}
	s.logger.Info("Session initialized",
		zap.String("serverName", result.ServerInfo.Name),
		zap.String("serverVersion", result.ServerInfo.Version),
		zap.String("protocolVersion", result.ProtocolVersion),
	)

	if s.opts.logLevel != nil {
		if _, err := s.Request(ctx, shared.MethodLoggingSetLevel, &schema.SetLevelRequestParams{Level: *s.opts.logLevel}); err != nil {
			s.logger.Warn("Failed to set server log level", zap.Error(err))
		}
	}
	return nil
}

func (s *Session) initialize(ctx context.Context) (*schema.InitializeResult, error) {
	params := &schema.InitializeRequestParams{
		ProtocolVersion: schema.LATEST_PROTOCOL_VERSION,
		Capabilities:    s.capabilities(),
		ClientInfo:      s.opts.clientInfo,
	}
	resp, err := s.Request(ctx, shared.MethodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result schema.InitializeResult
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, fmt.Errorf("invalid initialize result: %w", err)
	}
	if !schema.SupportedVersions[result.ProtocolVersion] {
		return nil, &shared.UnsupportedProtocolVersionError{Version: result.ProtocolVersion}
	}
	return &result, nil
}

// Request sends one request and blocks until its response, the request
// timeout, or context cancellation. Timeouts remove the pending entry,
// notify the server with notifications/cancelled, and raise TimeoutError.
func (s *Session) Request(ctx context.Context, method string, params interface{}) (*shared.Message, error) {
	if method != shared.MethodInitialize {
		if err := s.reinitializeIfExpired(ctx); err != nil {
			return nil, err
		}
	}

	id := schema.RequestID_FromUInt64(s.lastID.Add(1))
	msg, err := shared.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *shared.Message, 1)
	s.reqManager.RegisterRequest(&id, func(resp *shared.Message) {
		respCh <- resp
	})

	if err := s.transport.Send(ctx, msg); err != nil {
		s.reqManager.Remove(&id)
		s.noteSendFailure(err)
		return nil, err
	}

	timer := time.NewTimer(s.opts.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if err := resp.AsError(); err != nil {
			return nil, err
		}
		return resp, nil
	case <-timer.C:
		if s.reqManager.Remove(&id) {
			s.notifyCancelled(id, "Request timed out")
		}
		return nil, &shared.TimeoutError{RequestID: id}
	case <-ctx.Done():
		if s.reqManager.Remove(&id) {
			s.notifyCancelled(id, "Request cancelled")
		}
		return nil, ctx.Err()
	}
}

// noteSendFailure flags the session for re-initialization when the server
// reports the session gone.
func (s *Session) noteSendFailure(err error) {
	var expired *shared.SessionExpiredError
	if !errors.As(err, &expired) {
		return
	}
	s.mu.Lock()
	if s.started {
		s.started = false
		s.expired = true
	}
	s.mu.Unlock()
	s.logger.Info("Session expired on server", zap.String("sessionID", expired.SessionID))
}

// reinitializeIfExpired re-runs the handshake after a session expiry so the
// next caller request goes out on a freshly initialized session.
func (s *Session) reinitializeIfExpired(ctx context.Context) error {
	s.mu.Lock()
	needed := s.expired
	s.mu.Unlock()
	if !needed {
		return nil
	}

	s.reinitMu.Lock()
	defer s.reinitMu.Unlock()
	s.mu.Lock()
	needed = s.expired
	s.mu.Unlock()
	if !needed {
		// Another caller re-initialized while we waited.
		return nil
	}
	s.logger.Info("Re-initializing expired session")
	return s.handshake(ctx)
}

// Notify sends a fire-and-forget notification.
func (s *Session) Notify(ctx context.Context, method string, params interface{}) error {
	msg, err := shared.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, msg)
}

func (s *Session) notifyCancelled(id schema.RequestID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Notify(ctx, shared.NotificationCancelled, &schema.CancelledNotificationParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		s.logger.Warn("Failed to send cancellation notification",
			zap.String("requestID", id.String()), zap.Error(err))
	}
}

// respond sends a response to a server-initiated request.
func (s *Session) respond(id *schema.RequestID, result interface{}, respErr error) {
	msg, err := shared.NewResponse(id, result, respErr)
	if err != nil {
		s.logger.Error("Failed to build response", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.transport.Send(ctx, msg); err != nil {
		s.logger.Warn("Failed to send response", zap.Error(err))
	}
}

// ReceiveMessage is the transport callback. Responses resolve pending
// requests; server requests dispatch to handlers on their own goroutines;
// notifications fan out to user handlers outside any lock.
func (s *Session) ReceiveMessage(msg *shared.Message) {
	switch msg.Kind() {
	case shared.KindResponse:
		if !s.reqManager.ProcessResponse(msg) {
			s.logger.Debug("Dropping response with no pending request",
				zap.String("id", msg.ID.String()))
		}
	case shared.KindRequest:
		go s.dispatchServerRequest(msg)
	case shared.KindNotification:
		s.handleNotification(msg)
	default:
		s.logger.Warn("Dropping invalid message")
	}
}

func (s *Session) handleNotification(msg *shared.Message) {
	switch *msg.Method {
	case shared.NotificationCancelled:
		var params schema.CancelledNotificationParams
		if err := msg.UnmarshalParams(&params); err != nil {
			s.logger.Warn("Invalid cancelled notification", zap.Error(err))
			return
		}
		s.cancelServerOp(params.RequestID, params.Reason)
		return
	case shared.NotificationMessage,
		shared.NotificationProgress,
		shared.NotificationResourcesUpdated,
		shared.NotificationResourcesListChanged,
		shared.NotificationToolsListChanged,
		shared.NotificationPromptsListChanged:
		// Delivered to user handlers below.
	default:
		s.logger.Debug("Ignoring unknown notification", zap.String("method", *msg.Method))
		return
	}
	for _, handler := range s.opts.notificationHandlers {
		handler(msg)
	}
}

// trackServerOp registers the cancellable operation for an inbound server
// request so a later notifications/cancelled can interrupt it.
func (s *Session) trackServerOp(id *schema.RequestID, op *shared.CancellableOperation) {
	s.mu.Lock()
	s.serverOps[id.String()] = op
	s.mu.Unlock()
}

func (s *Session) untrackServerOp(id *schema.RequestID) {
	s.mu.Lock()
	delete(s.serverOps, id.String())
	s.mu.Unlock()
}

func (s *Session) cancelServerOp(id schema.RequestID, reason string) {
	s.mu.Lock()
	op := s.serverOps[id.String()]
	s.mu.Unlock()
	if op == nil {
		s.logger.Debug("Cancellation for unknown request", zap.String("requestID", id.String()))
		return
	}
	if err := op.Cancel(reason); err != nil {
		s.logger.Debug("Cancellation raced with completion", zap.String("requestID", id.String()))
	}
}

// ServerInfo returns the server implementation reported by initialize.
func (s *Session) ServerInfo() *schema.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// ServerCapabilities returns the capabilities reported by initialize.
func (s *Session) ServerCapabilities() *schema.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCaps
}

// NegotiatedVersion returns the protocol version agreed at initialize.
func (s *Session) NegotiatedVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiatedVersion
}

// Roots returns the filesystem roots currently exposed to the server.
func (s *Session) Roots() []schema.Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	roots := make([]schema.Root, len(s.roots))
	copy(roots, s.roots)
	return roots
}

// SetRoots replaces the exposed roots and notifies the server.
func (s *Session) SetRoots(ctx context.Context, roots []schema.Root) error {
	s.mu.Lock()
	s.roots = roots
	s.mu.Unlock()
	return s.Notify(ctx, shared.NotificationRootsListChanged, nil)
}

// Approvals returns the human-in-the-loop approval registry.
func (s *Session) Approvals() *registry.ApprovalRegistry { return s.approvals }

// Elicitations returns the elicitation registry for deferred completions.
func (s *Session) Elicitations() *registry.ElicitationRegistry { return s.elicitations }

// Stop drains every pending request with the shutdown sentinel, emits
// cancellation notifications for them, and closes the transport.
func (s *Session) Stop() error {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.expired = false
	s.mu.Unlock()

	drained := s.reqManager.DrainAll(shared.ErrShuttingDown)
	if wasStarted && s.transport.Alive() {
		for _, id := range drained {
			s.notifyCancelled(id, "Client shutting down")
		}
	}
	s.approvals.Clear("Client shutting down")
	s.elicitations.Clear("Client shutting down")
	return s.transport.Close()
}

// Close stops the session and shuts the registries down permanently.
func (s *Session) Close() error {
	err := s.Stop()
	s.approvals.Shutdown()
	s.elicitations.Shutdown()
	return err
}

// Restart tears the connection down and performs a fresh handshake on the
// same transport configuration.
func (s *Session) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		s.logger.Warn("Stop during restart failed", zap.Error(err))
	}
	return s.Start(ctx)
}
