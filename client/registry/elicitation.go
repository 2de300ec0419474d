package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/gate4ai/mcp-client/shared"
	"github.com/gate4ai/mcp-client/shared/mcp/schema"
)

// ElicitationPayload is a pending elicitation: the server's message, its
// requested schema, and the resolved validator for accepted responses.
type ElicitationPayload struct {
	Message  string
	Schema   json.RawMessage
	resolved *jsonschema.Resolved
}

// ElicitationRegistry tracks server elicitations awaiting user input.
// Accepted responses are validated against the requested schema before the
// promise resolves.
type ElicitationRegistry struct {
	*Registry
}

func NewElicitationRegistry(logger *zap.Logger) *ElicitationRegistry {
	return &ElicitationRegistry{
		Registry: NewRegistry("Elicitation timed out", logger),
	}
}

// Store registers an elicitation, compiling its schema up front so invalid
// schemas fail at store time rather than on completion.
func (r *ElicitationRegistry) Store(id string, params *schema.ElicitRequestParams, timeout time.Duration) (*shared.Promise, error) {
	payload := &ElicitationPayload{
		Message: params.Message,
		Schema:  params.RequestedSchema,
	}
	if len(params.RequestedSchema) > 0 {
		resolved, err := compileSchema(params.RequestedSchema)
		if err != nil {
			return nil, fmt.Errorf("invalid elicitation schema: %w", err)
		}
		payload.resolved = resolved
	}

	promise, err := r.Registry.Store(id, payload, timeout)
	if err != nil {
		return nil, err
	}
	registerElicitationOwner(id, r)
	promise.OnComplete(func(interface{}, error) {
		unregisterElicitationOwner(id)
	})
	return promise, nil
}

// Complete resolves an elicitation with the user's result. Accepted content
// must satisfy the requested schema.
func (r *ElicitationRegistry) Complete(id string, result *schema.ElicitResult) error {
	if result.Action == schema.ElicitActionAccept {
		payload, _ := r.Retrieve(id).(*ElicitationPayload)
		if payload != nil && payload.resolved != nil {
			if err := payload.resolved.Validate(result.Content); err != nil {
				return fmt.Errorf("elicitation response does not match schema: %w", err)
			}
		}
	}
	return r.Registry.Complete(id, result)
}

func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

var (
	elicitationIndexMu sync.Mutex
	elicitationIndex   = map[string]*ElicitationRegistry{}
)

func registerElicitationOwner(id string, r *ElicitationRegistry) {
	elicitationIndexMu.Lock()
	defer elicitationIndexMu.Unlock()
	elicitationIndex[id] = r
}

func unregisterElicitationOwner(id string) {
	elicitationIndexMu.Lock()
	defer elicitationIndexMu.Unlock()
	delete(elicitationIndex, id)
}

// CompleteElicitation routes a completion to whichever registry owns the
// id, validating accepted content before resolving.
func CompleteElicitation(id string, result *schema.ElicitResult) error {
	elicitationIndexMu.Lock()
	r, ok := elicitationIndex[id]
	elicitationIndexMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending elicitation '%s'", id)
	}
	return r.Complete(id, result)
}
