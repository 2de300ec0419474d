package schema

// Root is a filesystem location the client exposes to the server. URI must
// use the file:// scheme.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the client's reply to roots/list.
type ListRootsResult struct {
	Meta  map[string]interface{} `json:"_meta,omitempty"`
	Roots []Root                 `json:"roots"`
}
