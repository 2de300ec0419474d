package oauth

import (
	"strings"
	"time"
)

// expiresSoonWindow is how long before expiry a token is refreshed
// proactively.
const expiresSoonWindow = 5 * time.Minute

// Token is a stored OAuth 2.1 access token.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token's lifetime has elapsed. Tokens without
// an expiry never expire.
func (t *Token) Expired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !time.Now().Before(t.ExpiresAt)
}

// ExpiresSoon reports whether the token is within the proactive refresh
// window.
func (t *Token) ExpiresSoon() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !time.Now().Before(t.ExpiresAt.Add(-expiresSoonWindow))
}

// AuthorizationHeader renders the token for the Authorization header. The
// token type is echoed verbatim unless it is a spelling of "bearer".
func (t *Token) AuthorizationHeader() string {
	tokenType := t.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return tokenType + " " + t.AccessToken
}

// tokenResponse is the wire shape of a token endpoint reply (expires_in is
// relative seconds; the stored Token carries an absolute deadline).
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (r *tokenResponse) toToken(now time.Time) *Token {
	t := &Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Scope:        r.Scope,
	}
	if r.ExpiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return t
}

// ClientRegistration is a dynamic client registration record (RFC 7591).
type ClientRegistration struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at,omitempty"`
	RedirectURIs          []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuth     string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes            []string `json:"grant_types,omitempty"`
	ResponseTypes         []string `json:"response_types,omitempty"`
	ClientName            string   `json:"client_name,omitempty"`
	Scope                 string   `json:"scope,omitempty"`
}

// Expired treats client secret expiry as registration expiry; a zero value
// means the secret never expires.
func (r *ClientRegistration) Expired() bool {
	if r.ClientSecretExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() >= r.ClientSecretExpiresAt
}

// PKCEState is the transient verifier/challenge pair of one in-flight
// authorization, keyed by normalized server URL.
type PKCEState struct {
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	CreatedAt     time.Time `json:"created_at"`
}

// StateRecord is the transient CSRF state of one in-flight authorization.
type StateRecord struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
