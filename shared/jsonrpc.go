package shared

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

const (
	JSONRPCVersion = "2.0"

	// Standard JSON-RPC 2.0 error codes
	JSONRPCErrorParseError     = -32700 // Invalid JSON was received
	JSONRPCErrorInvalidRequest = -32600 // The JSON sent is not a valid Request object
	JSONRPCErrorMethodNotFound = -32601 // The method does not exist / is not available
	JSONRPCErrorInvalidParams  = -32602 // Invalid method parameter(s)
	JSONRPCErrorInternal       = -32603 // Internal JSON-RPC error

	// -32000 to -32099 are reserved for implementation-defined server errors
	JSONRPCErrorServerError = -32000
)

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the Go error interface for JSONRPCError.
func (e *JSONRPCError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func NewJSONRPCError(err error) *JSONRPCError {
	if err == nil {
		return nil
	}
	var jsonErr *JSONRPCError
	if errors.As(err, &jsonErr) {
		return jsonErr
	}
	return &JSONRPCError{
		Code:    JSONRPCErrorInternal,
		Message: err.Error(),
	}
}

// JSONRPCErrorResponse is the wire shape of an error response.
type JSONRPCErrorResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *schema.RequestID `json:"id,omitempty"`
	Error   *JSONRPCError     `json:"error"`
}

// JSONRPCResponse is the wire shape of a successful response.
type JSONRPCResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *schema.RequestID `json:"id"` // Must be present and same as request ID
	Result  *json.RawMessage  `json:"result"`
}

// JSONRPCRequest is the wire shape of a request or notification.
type JSONRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      *schema.RequestID `json:"id,omitempty"`
	Method  *string           `json:"method,omitempty"`
	Params  *json.RawMessage  `json:"params,omitempty"`
}

// MessageKind classifies a validated envelope.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// rawEnvelope keeps every field raw so validation can distinguish "absent"
// from "null" and inspect shapes without committing to a type.
type rawEnvelope struct {
	JSONRPC *string          `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id"`
	Method  *string          `json:"method"`
	Params  *json.RawMessage `json:"params"`
	Result  *json.RawMessage `json:"result"`
	Error   *json.RawMessage `json:"error"`
}

// ValidateEnvelope checks a single JSON value against the JSON-RPC 2.0
// grammar and classifies it. Classification priority for ambiguous envelopes
// is response > request > notification so that malformed responses surface
// instead of being silently accepted as notifications. On failure it returns
// KindInvalid and the full list of grammar violations.
func ValidateEnvelope(data []byte) (MessageKind, []error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return KindInvalid, []error{fmt.Errorf("parse error: %w", err)}
	}

	var errs []error
	if env.JSONRPC == nil || *env.JSONRPC != JSONRPCVersion {
		errs = append(errs, fmt.Errorf("jsonrpc field must be %q", JSONRPCVersion))
	}

	hasID := env.ID != nil && string(*env.ID) != "null"
	hasResult := env.Result != nil
	hasError := env.Error != nil

	if hasID {
		var id schema.RequestID
		if err := json.Unmarshal(*env.ID, &id); err != nil {
			errs = append(errs, err)
		}
	}

	if env.Params != nil {
		if err := validateParams(*env.Params); err != nil {
			errs = append(errs, err)
		}
	}

	// Response takes priority: any result/error field makes this a response
	// candidate, and a malformed one is an error rather than a notification.
	if hasResult || hasError {
		if hasResult && hasError {
			errs = append(errs, errors.New("response must not carry both result and error"))
		}
		if env.Method != nil {
			errs = append(errs, errors.New("response must not carry a method"))
		}
		if !hasID {
			errs = append(errs, errors.New("response must carry an id"))
		}
		if hasError {
			if err := validateErrorObject(*env.Error); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return KindInvalid, errs
		}
		return KindResponse, nil
	}

	if env.Method == nil {
		errs = append(errs, errors.New("envelope carries neither method nor result/error"))
		return KindInvalid, errs
	}
	if len(errs) > 0 {
		return KindInvalid, errs
	}
	if hasID {
		return KindRequest, nil
	}
	return KindNotification, nil
}

func validateParams(raw json.RawMessage) error {
	switch firstByte(raw) {
	case '{', '[', 'n': // object, array, or null
		return nil
	}
	return errors.New("params must be a structured value (object or array)")
}

func validateErrorObject(raw json.RawMessage) error {
	var obj struct {
		Code    *json.Number `json:"code"`
		Message *string      `json:"message"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("error object is not an object: %w", err)
	}
	if obj.Code == nil {
		return errors.New("error object is missing a code")
	}
	if _, err := obj.Code.Int64(); err != nil {
		return errors.New("error code must be an integer")
	}
	if obj.Message == nil {
		return errors.New("error object is missing a message")
	}
	return nil
}

func firstByte(raw json.RawMessage) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}
