package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// metadataTTL bounds how long discovered server metadata is trusted before
// re-discovery.
const metadataTTL = 24 * time.Hour

// ServerMetadata is the discovered OAuth 2.0 Authorization Server Metadata
// (RFC 8414).
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`

	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Stale reports whether the cached metadata is older than the discovery TTL.
func (m *ServerMetadata) Stale() bool {
	return m.FetchedAt.IsZero() || time.Since(m.FetchedAt) > metadataTTL
}

// SupportsS256 reports whether the server advertises the S256 PKCE method.
// An absent list means no restriction.
func (m *ServerMetadata) SupportsS256() bool {
	if len(m.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// protectedResourceMetadata is the RFC 9728 document referenced by the
// WWW-Authenticate resource_metadata parameter.
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers,omitempty"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// DiscoverServerMetadata fetches the RFC 8414 well-known document relative
// to the server's origin.
func DiscoverServerMetadata(ctx context.Context, client *http.Client, serverURL string) (*ServerMetadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	wellKnown := fmt.Sprintf("%s://%s/.well-known/oauth-authorization-server", u.Scheme, u.Host)
	return fetchServerMetadata(ctx, client, wellKnown)
}

func fetchServerMetadata(ctx context.Context, client *http.Client, metadataURL string) (*ServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata discovery returned %s", resp.Status)
	}

	var meta ServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("metadata discovery: invalid response: %w", err)
	}
	if meta.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("metadata discovery: missing authorization_endpoint")
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata discovery: missing token_endpoint")
	}
	meta.FetchedAt = time.Now()
	return &meta, nil
}

// DiscoverFromProtectedResource resolves server metadata via an RFC 9728
// protected-resource document, falling back through its advertised
// authorization servers in order.
func DiscoverFromProtectedResource(ctx context.Context, client *http.Client, resourceMetadataURL string) (*ServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceMetadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("protected resource discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("protected resource discovery returned %s", resp.Status)
	}

	var prm protectedResourceMetadata
	if err := json.NewDecoder(resp.Body).Decode(&prm); err != nil {
		return nil, fmt.Errorf("protected resource discovery: invalid response: %w", err)
	}
	if len(prm.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("protected resource metadata lists no authorization servers")
	}

	var lastErr error
	for _, issuer := range prm.AuthorizationServers {
		meta, err := DiscoverServerMetadata(ctx, client, issuer)
		if err == nil {
			return meta, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Register performs dynamic client registration (RFC 7591) against the
// discovered registration endpoint.
func (m *ServerMetadata) Register(ctx context.Context, client *http.Client, payload map[string]interface{}) (*ClientRegistration, error) {
	if m.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("server does not support dynamic client registration")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.RegistrationEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client registration failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("client registration returned %s", resp.Status)
	}

	var reg ClientRegistration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("client registration: invalid response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("client registration: missing client_id")
	}
	return &reg, nil
}
