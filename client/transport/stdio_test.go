package transport

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// collector buffers messages delivered by a transport.
type collector struct {
	mu   sync.Mutex
	msgs []*shared.Message
	ch   chan *shared.Message
}

func newCollector() *collector {
	return &collector{ch: make(chan *shared.Message, 16)}
}

func (c *collector) ReceiveMessage(msg *shared.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- msg
}

func (c *collector) waitOne(t *testing.T) *shared.Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test requires a POSIX shell")
	}
}

func TestStdio_EchoRoundTrip(t *testing.T) {
	requireUnix(t)

	// The child reads one request line and answers it with a canned
	// response for id 1.
	script := `read line; printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}'`
	cfg := &Config{Type: "stdio", Command: "sh", Args: []string{"-c", script}}
	tr := NewStdio(cfg, zaptest.NewLogger(t))

	recv := newCollector()
	tr.SetReceiver(recv)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()
	assert.True(t, tr.Alive())

	req, err := shared.NewRequest(schema.RequestID_FromUInt64(1), "ping", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), req))

	msg := recv.waitOne(t)
	require.True(t, msg.IsResponse())
	assert.Equal(t, "1", msg.ID.String())
}

func TestStdio_SendBeforeStart(t *testing.T) {
	cfg := &Config{Type: "stdio", Command: "sh"}
	tr := NewStdio(cfg, zaptest.NewLogger(t))
	req, err := shared.NewRequest(schema.RequestID_FromUInt64(1), "ping", nil)
	require.NoError(t, err)

	err = tr.Send(context.Background(), req)
	var transportErr *shared.TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestStdio_CloseTerminatesProcess(t *testing.T) {
	requireUnix(t)

	cfg := &Config{Type: "stdio", Command: "sh", Args: []string{"-c", "while read line; do :; done"}}
	tr := NewStdio(cfg, zaptest.NewLogger(t))
	tr.SetReceiver(newCollector())
	require.NoError(t, tr.Start(context.Background()))
	require.True(t, tr.Alive())

	require.NoError(t, tr.Close())
	assert.False(t, tr.Alive())
}

func TestStdio_EnvMerge(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "KEEP=yes"}
	merged := mergeEnv(base, map[string]string{"HOME": "/override", "EXTRA": "1"})

	assert.Contains(t, merged, "PATH=/bin")
	assert.Contains(t, merged, "KEEP=yes")
	assert.Contains(t, merged, "HOME=/override")
	assert.Contains(t, merged, "EXTRA=1")
	assert.NotContains(t, merged, "HOME=/root")
}

func TestStdio_UnparsableLinesAreDropped(t *testing.T) {
	requireUnix(t)

	script := `printf 'garbage\n'; printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{}}'; read line`
	cfg := &Config{Type: "stdio", Command: "sh", Args: []string{"-c", script}}
	tr := NewStdio(cfg, zaptest.NewLogger(t))

	recv := newCollector()
	tr.SetReceiver(recv)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	msg := recv.waitOne(t)
	require.True(t, msg.IsResponse())
	assert.Equal(t, "2", msg.ID.String())
}
