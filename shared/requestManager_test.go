package shared_test

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

func response(id interface{}, result string) *shared.Message {
	rid := schema.RequestID{Value: id}
	raw := json.RawMessage(result)
	return &shared.Message{ID: &rid, Result: &raw, Timestamp: time.Now()}
}

func TestRequestManager_AtMostOnceDelivery(t *testing.T) {
	rm := shared.NewRequestManager(zaptest.NewLogger(t))

	var delivered atomic.Int32
	id := schema.RequestID_FromUInt64(1)
	rm.RegisterRequest(&id, func(msg *shared.Message) {
		delivered.Add(1)
	})
	require.Equal(t, 1, rm.Size())

	assert.True(t, rm.ProcessResponse(response(float64(1), `{}`)))
	assert.False(t, rm.ProcessResponse(response(float64(1), `{}`)), "a second response for the same id must be dropped")
	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, 0, rm.Size())
}

func TestRequestManager_StringIDMatchesNumericRequest(t *testing.T) {
	rm := shared.NewRequestManager(zaptest.NewLogger(t))

	got := make(chan *shared.Message, 1)
	id := schema.RequestID_FromUInt64(7)
	rm.RegisterRequest(&id, func(msg *shared.Message) { got <- msg })

	// Server echoes the numeric id 7 as the string "7".
	assert.True(t, rm.ProcessResponse(response("7", `{}`)))
	select {
	case <-got:
	default:
		t.Fatal("callback must fire for canonically equal id")
	}
}

func TestRequestManager_Remove(t *testing.T) {
	rm := shared.NewRequestManager(zaptest.NewLogger(t))

	id := schema.RequestID_FromUInt64(3)
	rm.RegisterRequest(&id, func(msg *shared.Message) {
		t.Fatal("callback must not fire for a removed request")
	})
	assert.True(t, rm.Remove(&id))
	assert.False(t, rm.Remove(&id))
	assert.False(t, rm.ProcessResponse(response(float64(3), `{}`)))
}

func TestRequestManager_Fail(t *testing.T) {
	rm := shared.NewRequestManager(zaptest.NewLogger(t))

	got := make(chan *shared.Message, 1)
	id := schema.RequestID_FromUInt64(4)
	rm.RegisterRequest(&id, func(msg *shared.Message) { got <- msg })

	require.True(t, rm.Fail(&id, assert.AnError))
	select {
	case msg := <-got:
		require.NotNil(t, msg.Error)
		assert.Contains(t, msg.Error.Message, assert.AnError.Error())
	default:
		t.Fatal("Fail must deliver a synthesized error response")
	}
}

func TestRequestManager_DrainAll(t *testing.T) {
	rm := shared.NewRequestManager(zaptest.NewLogger(t))

	errs := make(chan error, 2)
	for i := uint64(1); i <= 2; i++ {
		id := schema.RequestID_FromUInt64(i)
		rm.RegisterRequest(&id, func(msg *shared.Message) {
			errs <- msg.AsError()
		})
	}

	ids := rm.DrainAll(shared.ErrShuttingDown)
	assert.Len(t, ids, 2)
	assert.Equal(t, 0, rm.Size())
	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.Contains(t, err.Error(), shared.ErrShuttingDown.Error())
	}
}
