package schema

// PromptReference identifies a prompt for completion/complete.
type PromptReference struct {
	Type string `json:"type"` // const: "ref/prompt"
	Name string `json:"name"`
}

// ResourceReference identifies a resource template for completion/complete.
type ResourceReference struct {
	Type string `json:"type"` // const: "ref/resource"
	URI  string `json:"uri"`
}

// CompleteArgument is the argument being completed.
type CompleteArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteRequestParams contains parameters for completion/complete. Ref is
// either a PromptReference or a ResourceReference.
type CompleteRequestParams struct {
	Ref      interface{}      `json:"ref"`
	Argument CompleteArgument `json:"argument"`
	Context  *CompleteContext `json:"context,omitempty"`
}

// CompleteContext carries previously resolved argument values.
type CompleteContext struct {
	Arguments map[string]string `json:"arguments,omitempty"`
}

// CompletionInfo holds the completion values returned by the server.
type CompletionInfo struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompleteResult is the server's response to completion/complete.
type CompleteResult struct {
	Meta       map[string]interface{} `json:"_meta,omitempty"`
	Completion CompletionInfo         `json:"completion"`
}
