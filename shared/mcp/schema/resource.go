package schema

// Resource describes a readable resource offered by the server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ListResourcesResult is the server's response to resources/list.
type ListResourcesResult struct {
	PaginatedResult
	Resources []Resource `json:"resources"`
}

// ReadResourceRequestParams contains parameters for resources/read.
type ReadResourceRequestParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one piece of a read resource, either text or base64
// encoded binary data.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the server's response to resources/read.
type ReadResourceResult struct {
	Meta     map[string]interface{} `json:"_meta,omitempty"`
	Contents []ResourceContents     `json:"contents"`
}

// SubscribeRequestParams contains parameters for resources/subscribe.
type SubscribeRequestParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedNotificationParams is delivered when a subscribed resource
// changes.
type ResourceUpdatedNotificationParams struct {
	URI string `json:"uri"`
}

// ResourceTemplate describes a parameterized resource.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourceTemplatesResult is the server's response to
// resources/templates/list.
type ListResourceTemplatesResult struct {
	PaginatedResult
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
}
