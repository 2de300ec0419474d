package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gate4ai/mcp-client/shared"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerClientID        = "X-Client-Id"
	headerLastEventID     = "Last-Event-ID"

	reconnectInitialDelay = 1000 * time.Millisecond
	reconnectMaxDelay     = 30000 * time.Millisecond
	reconnectGrowFactor   = 1.5
	reconnectMaxRetries   = 2

	streamJoinGrace = 5 * time.Second
)

// Streamable is the streamable HTTP transport: every outbound message is a
// POST to one endpoint, and the server answers with JSON, upgrades the
// response to an SSE stream, or accepts with 202. An optional GET stream
// carries server-initiated messages.
type Streamable struct {
	cfg      *Config
	logger   *zap.Logger
	endpoint string
	clientID string
	provider authorizer

	httpClient *http.Client
	limiter    *rate.Limiter

	mu              sync.Mutex
	receiver        Receiver
	pid             int
	sessionID       string
	protocolVersion string
	lastEventID     string
	alive           bool
	closed          bool
	cancelStream    context.CancelFunc
	streams         sync.WaitGroup
}

var _ Transport = (*Streamable)(nil)

func NewStreamable(cfg *Config, logger *zap.Logger) (*Streamable, error) {
	logger = logger.With(zap.String("transport", "streamable"), zap.String("url", cfg.URL))
	provider, err := authProvider(cfg, cfg.URL, logger)
	if err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	t := &Streamable{
		cfg:        cfg,
		logger:     logger,
		endpoint:   cfg.URL,
		clientID:   uuid.NewString(),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newRateLimiter(cfg.RateLimit),
	}
	if provider != nil {
		t.provider = provider
	}
	return t, nil
}

func (t *Streamable) SetReceiver(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

// Start marks the transport ready. The connection itself is established
// lazily by the first POST; the listening GET stream is opened once the
// server has assigned a session.
func (t *Streamable) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.receiver == nil {
		return fmt.Errorf("no receiver installed")
	}
	t.pid = os.Getpid()
	t.alive = true
	t.closed = false
	return nil
}

// Alive reports false after a fork: the child must not reuse the parent's
// connections.
func (t *Streamable) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive && t.pid == os.Getpid()
}

func (t *Streamable) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Streamable) SetProtocolVersion(version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocolVersion = version
}

// Send POSTs one message. Responses arrive either inline (JSON or SSE
// upgrade) or on the listening stream.
func (t *Streamable) Send(ctx context.Context, msg *shared.Message) error {
	if !t.Alive() {
		return shared.NewTransportError("send", errors.New("transport is not connected"))
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return t.post(ctx, msg, data, false)
}

// post performs the POST, handling one authentication retry at most.
func (t *Streamable) post(ctx context.Context, msg *shared.Message, data []byte, retriedAuth bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return shared.NewTransportError("send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(ctx, req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return shared.NewTransportError("send", err)
	}

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		t.setSessionID(sid)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return t.consumeResponse(resp)

	case http.StatusAccepted:
		resp.Body.Close()
		// Notifications and responses carry no reply. The first 202
		// after the session is assigned means the server is stream
		// capable; open the listening stream.
		t.ensureListening()
		return nil

	case http.StatusNotFound:
		resp.Body.Close()
		expired := t.SessionID()
		t.clearSession()
		return &shared.SessionExpiredError{SessionID: expired}

	case http.StatusUnauthorized:
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()
		if retriedAuth || t.provider == nil {
			return &shared.AuthenticationRequiredError{Challenge: challenge}
		}
		ok, authErr := t.provider.HandleAuthenticationChallenge(ctx, challenge, "")
		if authErr != nil || !ok {
			if authErr == nil {
				authErr = &shared.AuthenticationRequiredError{Challenge: challenge}
			}
			return authErr
		}
		return t.post(ctx, msg, data, true)

	case http.StatusMethodNotAllowed, http.StatusConflict:
		// 405: server rejects this message kind here; 409: concurrent
		// stream already open. Neither fails the session.
		resp.Body.Close()
		t.logger.Debug("Server declined POST", zap.Int("status", resp.StatusCode))
		return nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return shared.NewTransportError("send",
			fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
}

// consumeResponse delivers an inline 200 response body, which is either a
// JSON message batch or an SSE stream scoped to this request.
func (t *Streamable) consumeResponse(resp *http.Response) error {
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch contentType {
	case "application/json":
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return shared.NewTransportError("read response", err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		msgs, err := shared.ParseMessages(t.SessionID(), body)
		if err != nil {
			return shared.NewTransportError("parse response", &shared.JSONRPCError{
				Code:    shared.JSONRPCErrorInvalidRequest,
				Message: err.Error(),
			})
		}
		t.deliver(msgs)
		return nil

	case "text/event-stream":
		t.streams.Add(1)
		go func() {
			defer t.streams.Done()
			defer resp.Body.Close()
			t.readSSEBody(resp.Body)
		}()
		return nil

	default:
		resp.Body.Close()
		return &shared.InvalidFormatError{Reason: fmt.Sprintf("unexpected content type '%s'", contentType)}
	}
}

// readSSEBody parses one SSE stream. Event IDs are remembered from every
// stream so a later reconnect resumes after the last event seen.
func (t *Streamable) readSSEBody(body io.Reader) {
	var buf sseBuffer
	chunk := make([]byte, 4096)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			for _, ev := range buf.Feed(chunk[:n]) {
				if ev.ID != "" {
					t.setLastEventID(ev.ID)
				}
				if ev.Event != "" && ev.Event != "message" {
					continue
				}
				msgs, parseErr := shared.ParseMessages(t.SessionID(), []byte(ev.Data))
				if parseErr != nil {
					t.logger.Warn("Dropping unparsable SSE message", zap.Error(parseErr))
					continue
				}
				t.deliver(msgs)
			}
		}
		if err != nil {
			if err != io.EOF && !t.isClosed() {
				t.logger.Debug("SSE stream ended", zap.Error(err))
			}
			return
		}
	}
}

// ensureListening opens the server-initiated message stream once per
// session.
func (t *Streamable) ensureListening() {
	t.mu.Lock()
	if t.cancelStream != nil || t.closed || t.sessionID == "" {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelStream = cancel
	t.mu.Unlock()

	t.streams.Add(1)
	go func() {
		defer t.streams.Done()
		t.listenLoop(ctx)
	}()
}

// listenLoop runs the GET stream, reconnecting with exponential backoff and
// Last-Event-ID resumption. A 405 means the server has no listening stream.
func (t *Streamable) listenLoop(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInitialDelay
	policy.MaxInterval = reconnectMaxDelay
	policy.Multiplier = reconnectGrowFactor
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	if r := t.cfg.Reconnection; r != nil {
		if r.InitialDelay > 0 {
			policy.InitialInterval = r.InitialDelay
		}
		if r.MaxDelay > 0 {
			policy.MaxInterval = r.MaxDelay
		}
		if r.GrowFactor > 0 {
			policy.Multiplier = r.GrowFactor
		}
		policy.Reset()
	}
	maxRetries := reconnectMaxRetries
	if r := t.cfg.Reconnection; r != nil && r.MaxRetries > 0 {
		maxRetries = r.MaxRetries
	}

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := t.listenOnce(ctx)
		if err != nil {
			if errors.Is(err, errNoListeningStream) {
				t.logger.Debug("Server has no listening stream")
				return
			}
			t.logger.Debug("Listening stream failed", zap.Error(err))
		}
		if connected {
			retries = 0
			policy.Reset()
		} else {
			retries++
			if retries > maxRetries {
				t.logger.Warn("Giving up on listening stream reconnection",
					zap.Int("retries", maxRetries))
				return
			}
		}

		delay := policy.NextBackOff()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

var errNoListeningStream = errors.New("listening stream not supported")

// listenOnce opens the GET stream and reads it to completion. The returned
// bool reports whether the stream was established at all.
func (t *Streamable) listenOnce(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(ctx, req)
	if lastID := t.getLastEventID(); lastID != "" {
		req.Header.Set(headerLastEventID, lastID)
	}

	// Listening streams outlive the per-request timeout.
	client := &http.Client{Transport: t.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		t.logger.Debug("Listening stream established")
		t.readSSEBody(resp.Body)
		return true, nil
	case http.StatusMethodNotAllowed:
		return true, errNoListeningStream
	case http.StatusNotFound:
		t.clearSession()
		return false, fmt.Errorf("session expired")
	default:
		return false, fmt.Errorf("server returned %s", resp.Status)
	}
}

// applyHeaders attaches session, protocol, client identity and auth headers.
func (t *Streamable) applyHeaders(ctx context.Context, req *http.Request) {
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set(headerClientID, t.clientID)

	t.mu.Lock()
	sessionID := t.sessionID
	version := t.protocolVersion
	t.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	if version != "" {
		req.Header.Set(headerProtocolVersion, version)
	}

	if t.provider != nil {
		token, err := t.provider.AccessToken(ctx)
		if err != nil {
			t.logger.Warn("Failed to load access token", zap.Error(err))
			return
		}
		if token != nil {
			req.Header.Set("Authorization", token.AuthorizationHeader())
		}
	}
}

func (t *Streamable) deliver(msgs []*shared.Message) {
	t.mu.Lock()
	receiver := t.receiver
	t.mu.Unlock()
	if receiver == nil {
		return
	}
	for _, msg := range msgs {
		receiver.ReceiveMessage(msg)
	}
}

func (t *Streamable) setSessionID(sid string) {
	t.mu.Lock()
	changed := t.sessionID != sid
	t.sessionID = sid
	t.mu.Unlock()
	if changed {
		t.logger.Debug("Session assigned", zap.String("sessionID", sid))
		t.ensureListening()
	}
}

func (t *Streamable) clearSession() {
	t.mu.Lock()
	t.sessionID = ""
	t.lastEventID = ""
	cancel := t.cancelStream
	t.cancelStream = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Streamable) setLastEventID(id string) {
	t.mu.Lock()
	t.lastEventID = id
	t.mu.Unlock()
}

func (t *Streamable) getLastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

func (t *Streamable) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close terminates the session with a DELETE, stops streams and waits for
// them to drain.
func (t *Streamable) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.alive = false
	sessionID := t.sessionID
	cancel := t.cancelStream
	t.cancelStream = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if sessionID != "" {
		ctx, cancelDelete := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelDelete()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
		if err == nil {
			t.applyHeaders(ctx, req)
			if resp, doErr := t.httpClient.Do(req); doErr == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}
	}

	joined := make(chan struct{})
	go func() {
		t.streams.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(streamJoinGrace):
		t.logger.Warn("Timed out waiting for streams to close")
	}
	return nil
}
