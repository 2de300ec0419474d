package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCallbackPort is the loopback port the authorization server
	// redirects back to.
	DefaultCallbackPort = 8080
	// DefaultCallbackPath is the redirect path on the loopback server.
	DefaultCallbackPath = "/callback"

	// flowTimeout bounds how long the interactive flow waits for the user
	// to complete authorization in the browser.
	flowTimeout = 300 * time.Second

	shutdownGrace = 5 * time.Second
)

const callbackPageOK = `<!DOCTYPE html>
<html>
<head><title>Authorization complete</title></head>
<body>
<p>Authorization complete. You can close this window and return to the application.</p>
</body>
</html>`

// callbackResult is what the redirect handler delivers to the waiting flow.
type callbackResult struct {
	code  string
	state string
	err   error
}

// CallbackServer implements Flow with a one-shot loopback HTTP server. It
// binds 127.0.0.1, serves a single redirect, and shuts down.
type CallbackServer struct {
	Port int
	Path string

	// OpenBrowser presents the authorize URL to the user. When nil the
	// URL is only logged and the user is expected to open it manually.
	OpenBrowser func(url string) error

	Logger *zap.Logger
}

var _ Flow = (*CallbackServer)(nil)

// Authorize starts the loopback server, hands the authorize URL to the user
// agent, and waits for the redirect carrying code and state.
func (s *CallbackServer) Authorize(ctx context.Context, authorizeURL string) (string, string, error) {
	port := s.Port
	if port == 0 {
		port = DefaultCallbackPort
	}
	path := s.Path
	if path == "" {
		path = DefaultCallbackPath
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return "", "", fmt.Errorf("failed to bind callback listener: %w", err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if errCode := query.Get("error"); errCode != "" {
			desc := query.Get("error_description")
			http.Error(w, "Authorization failed: "+errCode, http.StatusBadRequest)
			deliver(results, callbackResult{err: fmt.Errorf("authorization server returned %s: %s", errCode, desc)})
			return
		}
		code := query.Get("code")
		state := query.Get("state")
		if code == "" || state == "" {
			http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
			deliver(results, callbackResult{err: errors.New("callback missing code or state parameter")})
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(callbackPageOK))
		deliver(results, callbackResult{code: code, state: state})
	})

	server := &http.Server{Handler: mux}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			deliver(results, callbackResult{err: serveErr})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Waiting for authorization", zap.String("url", authorizeURL))
	if s.OpenBrowser != nil {
		if err := s.OpenBrowser(authorizeURL); err != nil {
			logger.Warn("Failed to open browser, open the URL manually", zap.Error(err))
		}
	}

	timer := time.NewTimer(flowTimeout)
	defer timer.Stop()

	select {
	case result := <-results:
		if result.err != nil {
			return "", "", result.err
		}
		return result.code, result.state, nil
	case <-timer.C:
		return "", "", errors.New("timed out waiting for authorization callback")
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// deliver sends the first result only; later redirects to the one-shot
// server are dropped.
func deliver(ch chan callbackResult, r callbackResult) {
	select {
	case ch <- r:
	default:
	}
}
