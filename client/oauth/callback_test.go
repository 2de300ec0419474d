package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// redirectToCallback simulates the authorization server redirecting the
// user agent back to the loopback server.
func redirectToCallback(t *testing.T, callbackURL string, params url.Values) *http.Response {
	t.Helper()
	var resp *http.Response
	var err error
	// The loopback server starts asynchronously; retry briefly.
	for i := 0; i < 50; i++ {
		resp, err = http.Get(callbackURL + "?" + params.Encode())
		if err == nil {
			return resp
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("callback server never came up: %v", err)
	return nil
}

func TestCallbackServer_DeliversCodeAndState(t *testing.T) {
	srv := &CallbackServer{Port: 18432, Logger: zaptest.NewLogger(t)}
	callbackURL := fmt.Sprintf("http://127.0.0.1:%d%s", srv.Port, DefaultCallbackPath)

	type result struct {
		code, state string
		err         error
	}
	done := make(chan result, 1)
	go func() {
		code, state, err := srv.Authorize(context.Background(), "https://as.example.com/authorize")
		done <- result{code, state, err}
	}()

	resp := redirectToCallback(t, callbackURL, url.Values{"code": {"abc"}, "state": {"xyz"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Authorization complete")

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "abc", r.code)
	assert.Equal(t, "xyz", r.state)
}

func TestCallbackServer_ErrorRedirect(t *testing.T) {
	srv := &CallbackServer{Port: 18433, Logger: zaptest.NewLogger(t)}
	callbackURL := fmt.Sprintf("http://127.0.0.1:%d%s", srv.Port, DefaultCallbackPath)

	done := make(chan error, 1)
	go func() {
		_, _, err := srv.Authorize(context.Background(), "https://as.example.com/authorize")
		done <- err
	}()

	resp := redirectToCallback(t, callbackURL, url.Values{
		"error":             {"access_denied"},
		"error_description": {"user said no"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestCallbackServer_MissingParameters(t *testing.T) {
	srv := &CallbackServer{Port: 18434, Logger: zaptest.NewLogger(t)}
	callbackURL := fmt.Sprintf("http://127.0.0.1:%d%s", srv.Port, DefaultCallbackPath)

	done := make(chan error, 1)
	go func() {
		_, _, err := srv.Authorize(context.Background(), "https://as.example.com/authorize")
		done <- err
	}()

	resp := redirectToCallback(t, callbackURL, url.Values{"code": {"abc"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state")
}

func TestCallbackServer_ContextCancelled(t *testing.T) {
	srv := &CallbackServer{Port: 18435, Logger: zaptest.NewLogger(t)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := srv.Authorize(ctx, "https://as.example.com/authorize")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Authorize must return promptly on context cancellation")
	}
}
