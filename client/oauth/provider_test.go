package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthServer is an httptest-backed authorization server implementing
// metadata discovery, dynamic registration and the token endpoint.
type fakeAuthServer struct {
	server *httptest.Server

	mu             sync.Mutex
	tokenRequests  atomic.Int32
	lastTokenForm  url.Values
	refreshFails   bool
	issuedVerifier string
	tokenDelay     time.Duration
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	fake := &fakeAuthServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                           fake.server.URL,
			"authorization_endpoint":           fake.server.URL + "/authorize",
			"token_endpoint":                   fake.server.URL + "/token",
			"registration_endpoint":            fake.server.URL + "/register",
			"code_challenge_methods_supported": []string{"S256"},
		})
	})

	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"client_id":                  "client-123",
			"token_endpoint_auth_method": "none",
		})
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fake.tokenRequests.Add(1)
		require.NoError(t, r.ParseForm())
		fake.mu.Lock()
		fake.lastTokenForm = r.PostForm
		refreshFails := fake.refreshFails
		verifier := fake.issuedVerifier
		delay := fake.tokenDelay
		fake.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if verifier != "" && r.PostForm.Get("code_verifier") != verifier {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
		case "refresh_token":
			if refreshFails {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
		case "client_credentials":
		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  fmt.Sprintf("token-%d", fake.tokenRequests.Load()),
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-1",
		})
	})

	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func newTestProvider(t *testing.T, fake *fakeAuthServer) *Provider {
	t.Helper()
	p, err := NewProvider(Config{
		ServerURL:  fake.server.URL + "/mcp",
		HTTPClient: fake.server.Client(),
	})
	require.NoError(t, err)
	return p
}

func TestProvider_AuthorizationCodeFlow(t *testing.T) {
	fake := newFakeAuthServer(t)
	p := newTestProvider(t, fake)
	ctx := context.Background()

	authorizeURL, err := p.StartAuthorizationFlow(ctx)
	require.NoError(t, err)

	parsed, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	query := parsed.Query()
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "client-123", query.Get("client_id"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.Equal(t, p.ServerURL(), query.Get("resource"))
	require.NotEmpty(t, query.Get("state"))
	require.NotEmpty(t, query.Get("code_challenge"))

	// The challenge must be the S256 hash of the stored verifier.
	pkce, err := p.storage.PKCE(p.ServerURL())
	require.NoError(t, err)
	require.NotNil(t, pkce)
	sum := sha256.Sum256([]byte(pkce.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), query.Get("code_challenge"))
	fake.mu.Lock()
	fake.issuedVerifier = pkce.CodeVerifier
	fake.mu.Unlock()

	token, err := p.CompleteAuthorizationFlow(ctx, "authcode", query.Get("state"))
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)

	fake.mu.Lock()
	form := fake.lastTokenForm
	fake.mu.Unlock()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, pkce.CodeVerifier, form.Get("code_verifier"))
	assert.Equal(t, p.ServerURL(), form.Get("resource"))

	// Transient records must be gone after completion.
	pkceAfter, err := p.storage.PKCE(p.ServerURL())
	require.NoError(t, err)
	assert.Nil(t, pkceAfter)
	stateAfter, err := p.storage.State(p.ServerURL())
	require.NoError(t, err)
	assert.Nil(t, stateAfter)
}

func TestProvider_RejectsMismatchedState(t *testing.T) {
	fake := newFakeAuthServer(t)
	p := newTestProvider(t, fake)
	ctx := context.Background()

	_, err := p.StartAuthorizationFlow(ctx)
	require.NoError(t, err)

	_, err = p.CompleteAuthorizationFlow(ctx, "authcode", "forged-state")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestProvider_AccessTokenProactiveRefresh(t *testing.T) {
	fake := newFakeAuthServer(t)
	p := newTestProvider(t, fake)
	ctx := context.Background()

	require.NoError(t, p.storage.SetToken(p.ServerURL(), &Token{
		AccessToken:  "old",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(time.Minute), // inside the 5 min window
	}))

	token, err := p.AccessToken(ctx)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.NotEqual(t, "old", token.AccessToken)

	fake.mu.Lock()
	form := fake.lastTokenForm
	fake.mu.Unlock()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
}

func TestProvider_ConcurrentRefreshIsShared(t *testing.T) {
	fake := newFakeAuthServer(t)
	p := newTestProvider(t, fake)
	ctx := context.Background()

	require.NoError(t, p.storage.SetToken(p.ServerURL(), &Token{
		AccessToken:  "old",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := p.AccessToken(ctx)
			assert.NoError(t, err)
			assert.NotNil(t, token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fake.tokenRequests.Load(), "concurrent callers must share a single refresh")
}

func TestProvider_ChallengeRefreshSharesSingleflight(t *testing.T) {
	fake := newFakeAuthServer(t)
	fake.mu.Lock()
	fake.tokenDelay = 100 * time.Millisecond
	fake.mu.Unlock()
	p := newTestProvider(t, fake)
	ctx := context.Background()

	require.NoError(t, p.storage.SetToken(p.ServerURL(), &Token{
		AccessToken:  "old",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ok, err := p.HandleAuthenticationChallenge(ctx, `Bearer error="invalid_token"`, "")
		assert.NoError(t, err)
		assert.True(t, ok)
	}()
	go func() {
		defer wg.Done()
		token, err := p.AccessToken(ctx)
		assert.NoError(t, err)
		assert.NotNil(t, token)
	}()
	wg.Wait()

	assert.Equal(t, int32(1), fake.tokenRequests.Load(),
		"a 401-triggered refresh must share the in-flight proactive refresh")
}

func TestProvider_FailedRefreshDeletesToken(t *testing.T) {
	fake := newFakeAuthServer(t)
	fake.refreshFails = true
	p := newTestProvider(t, fake)
	ctx := context.Background()

	require.NoError(t, p.storage.SetToken(p.ServerURL(), &Token{
		AccessToken:  "old",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	token, err := p.AccessToken(ctx)
	require.NoError(t, err)
	assert.Nil(t, token, "a failed refresh must yield no token")

	stored, err := p.storage.Token(p.ServerURL())
	require.NoError(t, err)
	assert.Nil(t, stored, "a failed refresh must delete the stored token")
}

func TestProvider_ClientCredentials(t *testing.T) {
	fake := newFakeAuthServer(t)
	p := newTestProvider(t, fake)

	token, err := p.ClientCredentialsToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)

	fake.mu.Lock()
	form := fake.lastTokenForm
	fake.mu.Unlock()
	assert.Equal(t, "client_credentials", form.Get("grant_type"))
}

func TestProvider_MetadataCached(t *testing.T) {
	fake := newFakeAuthServer(t)
	p := newTestProvider(t, fake)
	ctx := context.Background()

	_, err := p.metadata(ctx)
	require.NoError(t, err)
	meta, err := p.storage.ServerMetadata(p.ServerURL())
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.False(t, meta.Stale())

	// A fresh cache entry must not trigger re-discovery.
	cached, err := p.metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.AuthorizationEndpoint, cached.AuthorizationEndpoint)
}

func TestParseWWWAuthenticate(t *testing.T) {
	params := ParseWWWAuthenticate(`Bearer realm="mcp", resource_metadata="https://rs.example.com/.well-known/oauth-protected-resource", error="invalid_token"`)
	assert.Equal(t, "mcp", params["realm"])
	assert.Equal(t, "https://rs.example.com/.well-known/oauth-protected-resource", params["resource_metadata"])
	assert.Equal(t, "invalid_token", params["error"])

	assert.Empty(t, ParseWWWAuthenticate(""))
}
