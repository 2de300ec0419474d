package shared

import (
	"errors"
	"fmt"

	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// ErrShuttingDown is the sentinel used to drain pending request queues when
// the session or a transport closes.
var ErrShuttingDown = errors.New("shutting down")

// ErrAlreadyCompleted is returned when cancelling an operation that has
// already finished.
var ErrAlreadyCompleted = errors.New("operation already completed")

// ErrRequestCancelled marks a server-initiated request whose handler was
// interrupted by a notifications/cancelled. It is swallowed at the handler
// boundary; no response is sent.
var ErrRequestCancelled = errors.New("request cancelled")

// ErrInvalidApprovalDecision marks a malformed return value from a
// human-in-the-loop callback. The approval is treated as a denial.
var ErrInvalidApprovalDecision = errors.New("invalid approval decision")

// TransportError wraps socket/IO failures, unparseable bodies and HTTP
// status codes without a better classification.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error during %s", e.Op)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// TimeoutError is raised when a request deadline elapses. A matching
// notifications/cancelled is emitted before this error surfaces.
type TimeoutError struct {
	RequestID schema.RequestID
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out", e.RequestID.String())
}

// SessionExpiredError is raised on HTTP 404 from a streamable endpoint. The
// session id is cleared; the next request triggers a fresh initialize.
type SessionExpiredError struct {
	SessionID string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %q expired (HTTP 404)", e.SessionID)
}

// AuthenticationRequiredError is raised when a 401 cannot be resolved by the
// OAuth provider, or the single retry was already spent.
type AuthenticationRequiredError struct {
	Challenge string
}

func (e *AuthenticationRequiredError) Error() string {
	if e.Challenge == "" {
		return "authentication required"
	}
	return fmt.Sprintf("authentication required: %s", e.Challenge)
}

// UnsupportedProtocolVersionError is fatal to the session: the server
// negotiated a version outside the supported set.
type UnsupportedProtocolVersionError struct {
	Version string
}

func (e *UnsupportedProtocolVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %q", e.Version)
}

// UnsupportedFeatureError is raised synchronously when a caller requests a
// capability the session does not provide. No state changes.
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

// InvalidFormatError marks a malformed envelope or handler return value.
type InvalidFormatError struct {
	Reason string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid format: %s", e.Reason)
}
