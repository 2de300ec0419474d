package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidState is returned when the state echoed by the authorization
// server does not match the persisted one.
var ErrInvalidState = errors.New("invalid oauth state")

// ErrNoFlow is returned by HandleAuthenticationChallenge when no interactive
// flow is configured and no refresh is possible.
var ErrNoFlow = errors.New("no authorization flow configured")

// Flow runs the interactive part of the authorization code grant: it
// presents the authorize URL to the user and returns the code and state from
// the redirect. The loopback CallbackServer implements it; applications may
// substitute their own.
type Flow interface {
	Authorize(ctx context.Context, authorizeURL string) (code string, state string, err error)
}

// Config configures a Provider.
type Config struct {
	ServerURL   string
	RedirectURI string
	Scope       string
	ClientName  string
	ClientURI   string

	Storage    Storage
	HTTPClient *http.Client
	Flow       Flow
	Logger     *zap.Logger
}

// Provider implements the OAuth 2.1 authorization code flow with mandatory
// PKCE S256, dynamic client registration and metadata discovery. It is
// stateless over its Storage and safe for concurrent use.
type Provider struct {
	serverURL  string // normalized
	redirectURI string
	scope      string
	clientName string
	clientURI  string

	storage    Storage
	httpClient *http.Client
	flow       Flow
	logger     *zap.Logger

	refreshGroup singleflight.Group
}

func NewProvider(cfg Config) (*Provider, error) {
	normalized, err := NormalizeServerURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	redirectURI := cfg.RedirectURI
	if redirectURI == "" {
		redirectURI = fmt.Sprintf("http://127.0.0.1:%d%s", DefaultCallbackPort, DefaultCallbackPath)
	}
	clientName := cfg.ClientName
	if clientName == "" {
		clientName = "mcp-client"
	}

	return &Provider{
		serverURL:   normalized,
		redirectURI: redirectURI,
		scope:       cfg.Scope,
		clientName:  clientName,
		clientURI:   cfg.ClientURI,
		storage:     storage,
		httpClient:  httpClient,
		flow:        cfg.Flow,
		logger:      logger.With(zap.String("serverURL", normalized)),
	}, nil
}

// ServerURL returns the normalized server URL the provider is bound to.
func (p *Provider) ServerURL() string {
	return p.serverURL
}

// metadata returns cached server metadata, discovering it when absent or
// stale.
func (p *Provider) metadata(ctx context.Context) (*ServerMetadata, error) {
	meta, err := p.storage.ServerMetadata(p.serverURL)
	if err != nil {
		return nil, err
	}
	if meta != nil && !meta.Stale() {
		return meta, nil
	}

	meta, err = DiscoverServerMetadata(ctx, p.httpClient, p.serverURL)
	if err != nil {
		return nil, err
	}
	if err := p.storage.SetServerMetadata(p.serverURL, meta); err != nil {
		return nil, err
	}
	p.logger.Debug("Discovered server metadata",
		zap.String("authorization_endpoint", meta.AuthorizationEndpoint),
		zap.String("token_endpoint", meta.TokenEndpoint),
	)
	return meta, nil
}

// clientInfo returns a valid client registration, registering (or
// re-registering after secret expiry) when needed.
func (p *Provider) clientInfo(ctx context.Context, meta *ServerMetadata) (*ClientRegistration, error) {
	info, err := p.storage.ClientInfo(p.serverURL)
	if err != nil {
		return nil, err
	}
	if info != nil && !info.Expired() {
		return info, nil
	}

	payload := map[string]interface{}{
		"client_name":                p.clientName,
		"redirect_uris":              []string{p.redirectURI},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	}
	if p.scope != "" {
		payload["scope"] = p.scope
	}
	if p.clientURI != "" {
		payload["client_uri"] = p.clientURI
	}

	info, err = meta.Register(ctx, p.httpClient, payload)
	if err != nil {
		return nil, err
	}
	if err := p.storage.SetClientInfo(p.serverURL, info); err != nil {
		return nil, err
	}
	p.logger.Info("Registered OAuth client", zap.String("client_id", info.ClientID))
	return info, nil
}

// StartAuthorizationFlow prepares a PKCE authorization and returns the URL
// the user agent must visit.
func (p *Provider) StartAuthorizationFlow(ctx context.Context) (string, error) {
	meta, err := p.metadata(ctx)
	if err != nil {
		return "", err
	}
	if !meta.SupportsS256() {
		return "", fmt.Errorf("server does not support the S256 PKCE method")
	}
	info, err := p.clientInfo(ctx, meta)
	if err != nil {
		return "", err
	}

	verifier, err := randomURLSafe(32)
	if err != nil {
		return "", err
	}
	state, err := randomURLSafe(32)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	now := time.Now()
	if err := p.storage.SetPKCE(p.serverURL, &PKCEState{
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		CreatedAt:     now,
	}); err != nil {
		return "", err
	}
	if err := p.storage.SetState(p.serverURL, &StateRecord{State: state, CreatedAt: now}); err != nil {
		return "", err
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {info.ClientID},
		"redirect_uri":          {p.redirectURI},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"resource":              {p.serverURL},
	}
	if p.scope != "" {
		params.Set("scope", p.scope)
	}

	sep := "?"
	if strings.Contains(meta.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return meta.AuthorizationEndpoint + sep + params.Encode(), nil
}

// CompleteAuthorizationFlow exchanges the authorization code for a token.
// The returned state is compared in constant time against the persisted one.
func (p *Provider) CompleteAuthorizationFlow(ctx context.Context, code, returnedState string) (*Token, error) {
	pkce, err := p.storage.PKCE(p.serverURL)
	if err != nil {
		return nil, err
	}
	stored, err := p.storage.State(p.serverURL)
	if err != nil {
		return nil, err
	}
	if pkce == nil || stored == nil {
		return nil, fmt.Errorf("%w: no authorization flow in progress", ErrInvalidState)
	}
	if subtle.ConstantTimeCompare([]byte(stored.State), []byte(returnedState)) != 1 {
		return nil, ErrInvalidState
	}

	meta, err := p.metadata(ctx)
	if err != nil {
		return nil, err
	}
	info, err := p.clientInfo(ctx, meta)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {pkce.CodeVerifier},
		"redirect_uri":  {p.redirectURI},
		"client_id":     {info.ClientID},
		"resource":      {p.serverURL},
	}
	token, err := p.tokenRequest(ctx, meta, info, form)
	if err != nil {
		return nil, err
	}

	if err := p.storage.SetToken(p.serverURL, token); err != nil {
		return nil, err
	}
	if err := p.storage.DeletePKCE(p.serverURL); err != nil {
		p.logger.Warn("Failed to delete PKCE record", zap.Error(err))
	}
	if err := p.storage.DeleteState(p.serverURL); err != nil {
		p.logger.Warn("Failed to delete state record", zap.Error(err))
	}
	p.logger.Info("Authorization flow completed")
	return token, nil
}

// AccessToken returns the stored token, refreshing it proactively when it is
// within the refresh window. Concurrent callers share one refresh; a failed
// refresh deletes the stored token and returns nil.
func (p *Provider) AccessToken(ctx context.Context) (*Token, error) {
	token, err := p.storage.Token(p.serverURL)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, nil
	}
	if !token.ExpiresSoon() {
		return token, nil
	}
	if token.RefreshToken == "" {
		if token.Expired() {
			if err := p.storage.SetToken(p.serverURL, nil); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return token, nil
	}

	refreshed, err, _ := p.refreshGroup.Do(p.serverURL, func() (interface{}, error) {
		// Re-read inside the group: another caller may have refreshed
		// already.
		current, err := p.storage.Token(p.serverURL)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, nil
		}
		if !current.ExpiresSoon() {
			return current, nil
		}
		return p.refresh(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	if refreshed == nil {
		return nil, nil
	}
	return refreshed.(*Token), nil
}

func (p *Provider) refresh(ctx context.Context, token *Token) (*Token, error) {
	meta, err := p.metadata(ctx)
	if err != nil {
		return nil, err
	}
	info, err := p.clientInfo(ctx, meta)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
		"client_id":     {info.ClientID},
		"resource":      {p.serverURL},
	}
	fresh, err := p.tokenRequest(ctx, meta, info, form)
	if err != nil {
		p.logger.Warn("Token refresh failed, deleting stored token", zap.Error(err))
		if delErr := p.storage.SetToken(p.serverURL, nil); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	if err := p.storage.SetToken(p.serverURL, fresh); err != nil {
		return nil, err
	}
	p.logger.Debug("Token refreshed")
	return fresh, nil
}

// ClientCredentialsToken obtains a token via the client_credentials grant
// for servers that support non-interactive clients.
func (p *Provider) ClientCredentialsToken(ctx context.Context) (*Token, error) {
	meta, err := p.metadata(ctx)
	if err != nil {
		return nil, err
	}
	info, err := p.clientInfo(ctx, meta)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {info.ClientID},
		"resource":   {p.serverURL},
	}
	if p.scope != "" {
		form.Set("scope", p.scope)
	}
	token, err := p.tokenRequest(ctx, meta, info, form)
	if err != nil {
		return nil, err
	}
	if err := p.storage.SetToken(p.serverURL, token); err != nil {
		return nil, err
	}
	return token, nil
}

// HandleAuthenticationChallenge reacts to an HTTP 401 from a transport. It
// re-discovers metadata when the challenge carries a resource_metadata URL
// (RFC 9728), tries a refresh, and falls back to the interactive flow.
// Returns true when a usable token is now stored; the transport retries the
// original request exactly once.
func (p *Provider) HandleAuthenticationChallenge(ctx context.Context, wwwAuthenticate string, resourceMetadataURL string) (bool, error) {
	challenge := ParseWWWAuthenticate(wwwAuthenticate)
	if resourceMetadataURL == "" {
		resourceMetadataURL = challenge["resource_metadata"]
	}

	if resourceMetadataURL != "" {
		meta, err := DiscoverFromProtectedResource(ctx, p.httpClient, resourceMetadataURL)
		if err != nil {
			p.logger.Warn("Protected resource discovery failed", zap.Error(err))
		} else if err := p.storage.SetServerMetadata(p.serverURL, meta); err != nil {
			return false, err
		}
	}

	// A refresh may be enough when the server rejected an expired token.
	// It shares the singleflight key with AccessToken so a concurrent
	// proactive refresh is never duplicated.
	token, err := p.storage.Token(p.serverURL)
	if err != nil {
		return false, err
	}
	if token != nil && token.RefreshToken != "" {
		refreshed, err, _ := p.refreshGroup.Do(p.serverURL, func() (interface{}, error) {
			current, err := p.storage.Token(p.serverURL)
			if err != nil {
				return nil, err
			}
			if current == nil || current.RefreshToken == "" {
				return nil, nil
			}
			fresh, err := p.refresh(ctx, current)
			if err != nil {
				return nil, err
			}
			if fresh == nil {
				return nil, nil
			}
			return fresh, nil
		})
		if err != nil {
			return false, err
		}
		if refreshed != nil {
			return true, nil
		}
	}

	if p.flow == nil {
		return false, ErrNoFlow
	}

	authorizeURL, err := p.StartAuthorizationFlow(ctx)
	if err != nil {
		return false, err
	}
	code, state, err := p.flow.Authorize(ctx, authorizeURL)
	if err != nil {
		return false, err
	}
	if _, err := p.CompleteAuthorizationFlow(ctx, code, state); err != nil {
		return false, err
	}
	return true, nil
}

// ParseWWWAuthenticate extracts the auth-param key/value pairs from a
// WWW-Authenticate challenge header.
func ParseWWWAuthenticate(header string) map[string]string {
	params := make(map[string]string)
	header = strings.TrimSpace(header)
	if header == "" {
		return params
	}
	// Drop the scheme token ("Bearer ...").
	if idx := strings.IndexByte(header, ' '); idx > 0 && !strings.Contains(header[:idx], "=") {
		header = header[idx+1:]
	}
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		params[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return params
}

func (p *Provider) tokenRequest(ctx context.Context, meta *ServerMetadata, info *ClientRegistration, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if info.ClientSecret != "" && info.TokenEndpointAuth != "none" {
		req.SetBasicAuth(url.QueryEscape(info.ClientID), url.QueryEscape(info.ClientSecret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if desc, ok := errResp["error_description"]; ok {
			return nil, fmt.Errorf("token request failed: %s: %v", resp.Status, desc)
		}
		if e, ok := errResp["error"]; ok {
			return nil, fmt.Errorf("token request failed: %s: %v", resp.Status, e)
		}
		return nil, fmt.Errorf("token request failed: %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("token response: invalid JSON: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response: missing access_token")
	}
	return tr.toToken(time.Now()), nil
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
