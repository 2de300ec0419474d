package schema

// Protocol versions this library understands. The client advertises the
// latest and accepts any member of the supported set from the server.
const (
	PROTOCOL_VERSION_2024_11_05 = "2024-11-05"
	PROTOCOL_VERSION_2025_03_26 = "2025-03-26"
	PROTOCOL_VERSION_2025_06_18 = "2025-06-18"

	LATEST_PROTOCOL_VERSION = PROTOCOL_VERSION_2025_06_18
)

// SupportedVersions is the negotiation set checked against the server's
// initialize response.
var SupportedVersions = map[string]bool{
	PROTOCOL_VERSION_2024_11_05: true,
	PROTOCOL_VERSION_2025_03_26: true,
	PROTOCOL_VERSION_2025_06_18: true,
}

// Implementation describes the name and version of an MCP implementation.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ClientCapabilities advertises the capabilities a client supports.
type ClientCapabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
	Roots        *RootsCapability       `json:"roots,omitempty"`
	Sampling     *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapability `json:"elicitation,omitempty"`
}

// RootsCapability marks roots support plus list-changed notifications.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability marks support for server-initiated sampling.
type SamplingCapability struct{}

// ElicitationCapability marks support for server-initiated elicitation.
type ElicitationCapability struct{}

// ServerCapabilities describes what the server offers after initialize.
type ServerCapabilities struct {
	Experimental map[string]interface{}     `json:"experimental,omitempty"`
	Logging      map[string]interface{}     `json:"logging,omitempty"`
	Completions  map[string]interface{}     `json:"completions,omitempty"`
	Prompts      *PromptsServerCapability   `json:"prompts,omitempty"`
	Resources    *ResourcesServerCapability `json:"resources,omitempty"`
	Tools        *ToolsServerCapability     `json:"tools,omitempty"`
}

type PromptsServerCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesServerCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type ToolsServerCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeRequestParams is sent by the client as the first request of a
// session.
type InitializeRequestParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	Meta            map[string]interface{} `json:"_meta,omitempty"`
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    ServerCapabilities     `json:"capabilities"`
	ServerInfo      Implementation         `json:"serverInfo"`
	Instructions    string                 `json:"instructions,omitempty"`
}
