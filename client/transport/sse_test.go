package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// fakeSSEServer emulates the legacy HTTP+SSE server pair: a GET stream that
// announces the POST endpoint, and the endpoint itself.
type fakeSSEServer struct {
	*httptest.Server

	mu     sync.Mutex
	posted [][]byte

	// extraEvents is written to the stream right after the endpoint event.
	extraEvents string
}

func newFakeSSEServer(t *testing.T) *fakeSSEServer {
	t.Helper()
	f := &fakeSSEServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher := w.(http.Flusher)
			fmt.Fprint(w, "event: endpoint\ndata: /messages?sessionId=42\n\n")
			if f.extraEvents != "" {
				fmt.Fprint(w, f.extraEvents)
			}
			flusher.Flush()
			<-r.Context().Done()

		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			f.mu.Lock()
			f.posted = append(f.posted, body)
			f.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeSSEServer) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

func TestSSE_StartWaitsForEndpoint(t *testing.T) {
	server := newFakeSSEServer(t)

	tr, err := NewSSE(&Config{Type: "sse", URL: server.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	tr.SetReceiver(newCollector())

	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()
	assert.True(t, tr.Alive())
}

func TestSSE_SendPostsToAnnouncedEndpoint(t *testing.T) {
	server := newFakeSSEServer(t)

	tr, err := NewSSE(&Config{Type: "sse", URL: server.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	tr.SetReceiver(newCollector())
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	req, err := shared.NewRequest(schema.RequestID_FromUInt64(1), "ping", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), req))

	require.Eventually(t, func() bool { return server.postCount() == 1 }, 2*time.Second, 20*time.Millisecond)
	server.mu.Lock()
	body := string(server.posted[0])
	server.mu.Unlock()
	assert.Contains(t, body, `"method":"ping"`)
}

func TestSSE_MessageEventsAreDelivered(t *testing.T) {
	server := newFakeSSEServer(t)
	server.extraEvents = "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{}}\n\n"

	tr, err := NewSSE(&Config{Type: "sse", URL: server.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	recv := newCollector()
	tr.SetReceiver(recv)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	msg := recv.waitOne(t)
	require.True(t, msg.IsResponse())
	assert.Equal(t, "3", msg.ID.String())
}

func TestSSE_SendBeforeStart(t *testing.T) {
	tr, err := NewSSE(&Config{Type: "sse", URL: "http://localhost:1"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	req, err := shared.NewRequest(schema.RequestID_FromUInt64(1), "ping", nil)
	require.NoError(t, err)
	err = tr.Send(context.Background(), req)

	var transportErr *shared.TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestSSE_CloseStopsTransport(t *testing.T) {
	server := newFakeSSEServer(t)

	tr, err := NewSSE(&Config{Type: "sse", URL: server.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	tr.SetReceiver(newCollector())
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Close())
	assert.False(t, tr.Alive())
}

func TestSSE_StartRequiresReceiver(t *testing.T) {
	tr, err := NewSSE(&Config{Type: "sse", URL: "http://localhost:1"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Error(t, tr.Start(context.Background()))
}
