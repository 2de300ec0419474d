package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/gate4ai/mcp-client/shared"
)

const endpointWait = 30 * time.Second

// SSE is the legacy HTTP+SSE transport: a long-lived GET stream delivers
// events, and the server's first "endpoint" event names the URL outbound
// messages are POSTed to.
type SSE struct {
	cfg      *Config
	logger   *zap.Logger
	baseURL  *url.URL
	provider authorizer

	sseClient  *sse.Client
	httpClient *http.Client
	limiter    *rate.Limiter

	mu           sync.Mutex
	receiver     Receiver
	pid          int
	postEndpoint string
	endpointCh   chan struct{}
	alive        bool
	cancelStream context.CancelFunc
	sseCh        chan *sse.Event
	closeCh      chan struct{}
}

var _ Transport = (*SSE)(nil)

func NewSSE(cfg *Config, logger *zap.Logger) (*SSE, error) {
	baseURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL '%s': %w", cfg.URL, err)
	}
	logger = logger.With(zap.String("transport", "sse"), zap.String("url", cfg.URL))

	provider, err := authProvider(cfg, cfg.URL, logger)
	if err != nil {
		return nil, err
	}

	client := sse.NewClient(cfg.URL)
	for key, value := range cfg.Headers {
		client.Headers[key] = value
	}

	t := &SSE{
		cfg:        cfg,
		logger:     logger,
		baseURL:    baseURL,
		sseClient:  client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    newRateLimiter(cfg.RateLimit),
	}
	if provider != nil {
		t.provider = provider
	}
	return t, nil
}

func (t *SSE) SetReceiver(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

func (t *SSE) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.alive {
		t.mu.Unlock()
		return nil
	}
	receiver := t.receiver
	if receiver == nil {
		t.mu.Unlock()
		return fmt.Errorf("no receiver installed")
	}
	t.postEndpoint = ""
	t.endpointCh = make(chan struct{})
	t.sseCh = make(chan *sse.Event, 100)
	t.closeCh = make(chan struct{})
	endpointCh := t.endpointCh
	closeCh := t.closeCh
	sseCh := t.sseCh
	t.mu.Unlock()

	if t.provider != nil {
		token, err := t.provider.AccessToken(ctx)
		if err != nil {
			return err
		}
		if token != nil {
			t.sseClient.Headers["Authorization"] = token.AuthorizationHeader()
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 60 * time.Second
	t.sseClient.ReconnectStrategy = backoff.WithContext(expBackoff, streamCtx)
	t.sseClient.ReconnectNotify = func(err error, delay time.Duration) {
		t.logger.Warn("SSE stream reconnecting", zap.Error(err), zap.Duration("delay", delay))
	}

	if err := t.sseClient.SubscribeChanWithContext(streamCtx, "", sseCh); err != nil {
		cancel()
		return shared.NewTransportError("sse subscribe", err)
	}

	t.mu.Lock()
	t.cancelStream = cancel
	t.pid = os.Getpid()
	t.alive = true
	t.mu.Unlock()

	go t.eventLoop(receiver, sseCh, closeCh)

	// The handshake cannot begin until the server names its POST endpoint.
	select {
	case <-endpointCh:
		return nil
	case <-closeCh:
		return shared.NewTransportError("sse start", errors.New("transport closed"))
	case <-time.After(endpointWait):
		t.Close()
		return shared.NewTransportError("sse start", errors.New("timed out waiting for endpoint event"))
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

func (t *SSE) eventLoop(receiver Receiver, sseCh chan *sse.Event, closeCh chan struct{}) {
	for {
		select {
		case event, ok := <-sseCh:
			if !ok {
				t.logger.Debug("SSE channel closed")
				t.markDead()
				return
			}
			if event == nil {
				continue
			}
			t.handleEvent(receiver, event)
		case <-closeCh:
			return
		}
	}
}

func (t *SSE) handleEvent(receiver Receiver, event *sse.Event) {
	switch string(event.Event) {
	case "endpoint":
		t.setEndpoint(string(event.Data))
	case "message", "":
		if len(event.Data) == 0 {
			return
		}
		msgs, err := shared.ParseMessages(t.SessionID(), event.Data)
		if err != nil {
			// Servers may push non-protocol events before the endpoint
			// is announced; those are not errors.
			if t.endpointKnown() {
				t.logger.Warn("Dropping unparsable SSE message", zap.Error(err))
			}
			return
		}
		for _, msg := range msgs {
			receiver.ReceiveMessage(msg)
		}
	case "ping":
		// Keep-alive only.
	default:
		t.logger.Debug("Ignoring unknown SSE event", zap.String("event", string(event.Event)))
	}
}

func (t *SSE) setEndpoint(raw string) {
	if raw == "" {
		t.logger.Error("Endpoint event carried no data")
		return
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		t.logger.Error("Invalid endpoint URL", zap.String("data", raw), zap.Error(err))
		return
	}
	resolved := t.baseURL.ResolveReference(endpoint).String()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.postEndpoint != "" {
		// Only the first endpoint event counts.
		return
	}
	t.postEndpoint = resolved
	close(t.endpointCh)
	t.logger.Debug("Received POST endpoint", zap.String("endpoint", resolved))
}

func (t *SSE) endpointKnown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.postEndpoint != ""
}

func (t *SSE) Send(ctx context.Context, msg *shared.Message) error {
	t.mu.Lock()
	endpoint := t.postEndpoint
	alive := t.alive && t.pid == os.Getpid()
	t.mu.Unlock()
	if !alive {
		return shared.NewTransportError("send", errors.New("transport is not connected"))
	}
	if endpoint == "" {
		return shared.NewTransportError("send", errors.New("no POST endpoint received yet"))
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return shared.NewTransportError("send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}
	if t.provider != nil {
		token, err := t.provider.AccessToken(ctx)
		if err != nil {
			return err
		}
		if token != nil {
			req.Header.Set("Authorization", token.AuthorizationHeader())
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return shared.NewTransportError("send", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return shared.NewTransportError("send", fmt.Errorf("server returned %s", resp.Status))
	}
	return nil
}

// Alive reports false after a fork: the child must not reuse the parent's
// stream.
func (t *SSE) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive && t.pid == os.Getpid()
}

// SessionID is empty for the legacy transport; session affinity lives in
// the per-connection POST endpoint.
func (t *SSE) SessionID() string { return "" }

func (t *SSE) SetProtocolVersion(string) {}

func (t *SSE) markDead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive = false
}

func (t *SSE) Close() error {
	t.mu.Lock()
	if !t.alive && t.closeCh == nil {
		t.mu.Unlock()
		return nil
	}
	t.alive = false
	cancel := t.cancelStream
	closeCh := t.closeCh
	sseCh := t.sseCh
	t.cancelStream = nil
	t.closeCh = nil
	t.mu.Unlock()

	if closeCh != nil {
		close(closeCh)
	}
	if cancel != nil {
		cancel()
	}
	if sseCh != nil {
		t.sseClient.Unsubscribe(sseCh)
	}
	return nil
}
