package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// Message is a parsed JSON-RPC envelope bound to the session that received
// or will send it. It is the unit every transport delivers to the
// coordinator and every coordinator operation returns to the caller.
type Message struct {
	ID        *schema.RequestID `json:"id,omitempty"`
	Timestamp time.Time         `json:"-"`
	Method    *string           `json:"method,omitempty"`
	Params    *json.RawMessage  `json:"params,omitempty"`
	Result    *json.RawMessage  `json:"result,omitempty"`
	Error     *JSONRPCError     `json:"error,omitempty"`

	SessionID string `json:"-"`
	Processed bool   `json:"-"`
}

// ParseMessages decodes a wire payload into one or more messages. A payload
// may be a single envelope or a batch array. Each envelope is validated;
// invalid ones are dropped and reported so the transport can log them.
func ParseMessages(sessionID string, data []byte) ([]*Message, error) {
	var rawBatch []json.RawMessage
	if err := json.Unmarshal(data, &rawBatch); err != nil {
		rawBatch = []json.RawMessage{data}
	}

	var messages []*Message
	var dropped []error
	for _, raw := range rawBatch {
		kind, errs := ValidateEnvelope(raw)
		if kind == KindInvalid {
			dropped = append(dropped, fmt.Errorf("invalid envelope %s: %v", truncate(raw, 200), errs))
			continue
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			dropped = append(dropped, fmt.Errorf("invalid JSON-RPC message: %w", err))
			continue
		}
		msg.SessionID = sessionID
		msg.Timestamp = time.Now()
		messages = append(messages, &msg)
	}

	if len(messages) == 0 && len(dropped) > 0 {
		return nil, dropped[0]
	}
	return messages, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Kind classifies the message with response > request > notification
// priority.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Result != nil || m.Error != nil:
		return KindResponse
	case m.Method != nil && !m.ID.IsEmpty():
		return KindRequest
	case m.Method != nil:
		return KindNotification
	default:
		return KindInvalid
	}
}

func (m *Message) IsResponse() bool     { return m.Kind() == KindResponse }
func (m *Message) IsRequest() bool      { return m.Kind() == KindRequest }
func (m *Message) IsNotification() bool { return m.Kind() == KindNotification }

func (m *Message) methodIs(method string) bool {
	return m.Method != nil && *m.Method == method
}

func (m *Message) IsPing() bool        { return m.IsRequest() && m.methodIs(MethodPing) }
func (m *Message) IsRootsList() bool   { return m.IsRequest() && m.methodIs(MethodRootsList) }
func (m *Message) IsSampling() bool    { return m.IsRequest() && m.methodIs(MethodSamplingCreate) }
func (m *Message) IsElicitation() bool { return m.IsRequest() && m.methodIs(MethodElicitationCreate) }

// MatchingID reports whether the message answers the given request id,
// treating numeric and string spellings of the same value as equal.
func (m *Message) MatchingID(id *schema.RequestID) bool {
	return m.ID.Equal(id)
}

// NextCursor extracts the pagination cursor from a list result, or nil.
func (m *Message) NextCursor() *schema.Cursor {
	if m.Result == nil {
		return nil
	}
	var paginated schema.PaginatedResult
	if err := json.Unmarshal(*m.Result, &paginated); err != nil {
		return nil
	}
	return paginated.NextCursor
}

// ToolSuccess reports a successful tools/call result (isError absent or
// false).
func (m *Message) ToolSuccess() bool {
	res, err := m.toolResult()
	return err == nil && !res.IsError
}

// ExecutionError reports an in-band tool execution failure (isError true).
func (m *Message) ExecutionError() bool {
	res, err := m.toolResult()
	return err == nil && res.IsError
}

func (m *Message) toolResult() (*schema.CallToolResult, error) {
	if m.Result == nil {
		return nil, fmt.Errorf("message carries no result")
	}
	var res schema.CallToolResult
	if err := json.Unmarshal(*m.Result, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AsError converts an error envelope into the typed error hierarchy. It
// returns nil for successful responses.
func (m *Message) AsError() error {
	if m.Error == nil {
		return nil
	}
	return m.Error
}

// UnmarshalResult decodes the result payload into v.
func (m *Message) UnmarshalResult(v interface{}) error {
	if err := m.AsError(); err != nil {
		return err
	}
	if m.Result == nil {
		return fmt.Errorf("message carries no result")
	}
	return json.Unmarshal(*m.Result, v)
}

// UnmarshalParams decodes the params payload into v.
func (m *Message) UnmarshalParams(v interface{}) error {
	if m.Params == nil {
		return fmt.Errorf("message carries no params")
	}
	return json.Unmarshal(*m.Params, v)
}

// MarshalJSON ensures the jsonrpc field is set and the envelope takes
// exactly one of the three shapes.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Error != nil {
		return json.Marshal(JSONRPCErrorResponse{
			JSONRPC: JSONRPCVersion,
			ID:      m.ID,
			Error:   m.Error,
		})
	}
	if m.Result != nil {
		return json.Marshal(JSONRPCResponse{
			JSONRPC: JSONRPCVersion,
			ID:      m.ID,
			Result:  m.Result,
		})
	}
	return json.Marshal(JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
	})
}

// NewRequest builds an outbound request message.
func NewRequest(id schema.RequestID, method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        &id,
		Method:    &method,
		Params:    raw,
		Timestamp: time.Now(),
	}, nil
}

// NewNotification builds an outbound notification message.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		Method:    &method,
		Params:    raw,
		Timestamp: time.Now(),
	}, nil
}

// NewResponse builds an outbound response message. A non-nil err wins over
// result.
func NewResponse(id *schema.RequestID, result interface{}, err error) (*Message, error) {
	msg := &Message{ID: id, Timestamp: time.Now()}
	if err != nil {
		msg.Error = NewJSONRPCError(err)
		return msg, nil
	}
	data, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal response result: %w", marshalErr)
	}
	raw := json.RawMessage(data)
	msg.Result = &raw
	return msg, nil
}

func marshalParams(params interface{}) (*json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request parameters: %w", err)
	}
	raw := json.RawMessage(data)
	return &raw, nil
}
