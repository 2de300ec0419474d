package schema

import "encoding/json"

// Elicitation actions returned to the server.
const (
	ElicitActionAccept  = "accept"
	ElicitActionDecline = "decline"
	ElicitActionCancel  = "cancel"
)

// ElicitRequestParams contains parameters of a server-initiated
// elicitation/create request. RequestedSchema is a restricted JSON Schema
// describing the expected response object.
type ElicitRequestParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema"`
}

// ElicitResult is the client's reply to elicitation/create.
type ElicitResult struct {
	Meta    map[string]interface{} `json:"_meta,omitempty"`
	Action  string                 `json:"action"`
	Content map[string]interface{} `json:"content,omitempty"`
}
