package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServer = "https://mcp.example.com"

func TestMemoryStorage_TokenRoundTrip(t *testing.T) {
	s := NewMemoryStorage()

	token, err := s.Token(testServer)
	require.NoError(t, err)
	assert.Nil(t, token)

	require.NoError(t, s.SetToken(testServer, &Token{AccessToken: "abc"}))
	token, err = s.Token(testServer)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "abc", token.AccessToken)

	// nil clears
	require.NoError(t, s.SetToken(testServer, nil))
	token, err = s.Token(testServer)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestMemoryStorage_TransientTTL(t *testing.T) {
	s := NewMemoryStorage()

	fresh := &PKCEState{CodeVerifier: "v", CodeChallenge: "c", CreatedAt: time.Now()}
	require.NoError(t, s.SetPKCE(testServer, fresh))
	got, err := s.PKCE(testServer)
	require.NoError(t, err)
	assert.NotNil(t, got)

	stale := &PKCEState{CodeVerifier: "v", CodeChallenge: "c", CreatedAt: time.Now().Add(-transientTTL - time.Minute)}
	require.NoError(t, s.SetPKCE(testServer, stale))
	got, err = s.PKCE(testServer)
	require.NoError(t, err)
	assert.Nil(t, got, "expired PKCE records must be deleted on read")

	staleState := &StateRecord{State: "s", CreatedAt: time.Now().Add(-transientTTL - time.Minute)}
	require.NoError(t, s.SetState(testServer, staleState))
	gotState, err := s.State(testServer)
	require.NoError(t, err)
	assert.Nil(t, gotState, "expired state records must be deleted on read")
}

func TestMemoryStorage_IsolatedByServerURL(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.SetToken("https://a.example.com", &Token{AccessToken: "a"}))
	require.NoError(t, s.SetToken("https://b.example.com", &Token{AccessToken: "b"}))

	tokenA, err := s.Token("https://a.example.com")
	require.NoError(t, err)
	tokenB, err := s.Token("https://b.example.com")
	require.NoError(t, err)
	assert.Equal(t, "a", tokenA.AccessToken)
	assert.Equal(t, "b", tokenB.AccessToken)
}
