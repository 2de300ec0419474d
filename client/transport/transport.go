// Package transport provides the wire transports a client session runs
// over: stdio child processes, legacy HTTP+SSE, and streamable HTTP.
package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gate4ai/mcp-client/client/oauth"
	"github.com/gate4ai/mcp-client/shared"
)

// Receiver consumes messages parsed off the wire. The session installs
// itself as the receiver before Start.
type Receiver interface {
	ReceiveMessage(msg *shared.Message)
}

// Transport moves JSON-RPC messages between the session and one server.
// Implementations are safe for concurrent Send.
type Transport interface {
	// Start establishes the connection and begins delivering inbound
	// messages to the receiver.
	Start(ctx context.Context) error
	// Send transmits one outbound message.
	Send(ctx context.Context, msg *shared.Message) error
	// Alive reports whether the transport can currently carry messages.
	Alive() bool
	// SessionID returns the server-assigned session identifier, if any.
	SessionID() string
	// SetProtocolVersion records the negotiated version so HTTP
	// transports can echo it on subsequent requests.
	SetProtocolVersion(version string)
	// SetReceiver installs the inbound message consumer. Must be called
	// before Start.
	SetReceiver(r Receiver)
	// Close tears the connection down and releases resources.
	Close() error
}

// authorizer is the slice of the OAuth provider the HTTP transports use:
// bearer tokens for outbound requests and 401 challenge handling.
type authorizer interface {
	AccessToken(ctx context.Context) (*oauth.Token, error)
	HandleAuthenticationChallenge(ctx context.Context, wwwAuthenticate, resourceMetadataURL string) (bool, error)
}

// Config describes one server connection. Loaded from YAML or built in
// code.
type Config struct {
	Type string `yaml:"type"` // "stdio", "sse", "streamable" (aliases: "http", "streamable_http")
	URL  string `yaml:"url,omitempty"`

	// stdio
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	WorkDir string            `yaml:"workDir,omitempty"`

	Headers        map[string]string `yaml:"headers,omitempty"`
	RequestTimeout time.Duration     `yaml:"requestTimeout,omitempty"`

	OAuth        *OAuthConfig        `yaml:"oauth,omitempty"`
	RateLimit    *RateLimitConfig    `yaml:"rateLimit,omitempty"`
	Reconnection *ReconnectionConfig `yaml:"reconnection,omitempty"`
}

// OAuthConfig enables authorization on HTTP transports.
type OAuthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Scope       string `yaml:"scope,omitempty"`
	RedirectURI string `yaml:"redirectUri,omitempty"`
	ClientName  string `yaml:"clientName,omitempty"`
	// Postgres connection string for persistent token storage; empty
	// means in-memory.
	StorageDSN string `yaml:"storageDsn,omitempty"`
}

// RateLimitConfig bounds outbound request rate.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// ReconnectionConfig tunes the SSE stream reconnection backoff.
type ReconnectionConfig struct {
	InitialDelay time.Duration `yaml:"initialDelay,omitempty"`
	MaxDelay     time.Duration `yaml:"maxDelay,omitempty"`
	GrowFactor   float64       `yaml:"growFactor,omitempty"`
	MaxRetries   int           `yaml:"maxRetries,omitempty"`
}

// LoadConfig reads a single transport configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	return &cfg, nil
}

// New builds a transport from its configuration.
func New(cfg *Config, logger *zap.Logger) (Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		return NewStdio(cfg, logger), nil
	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport requires a url")
		}
		return NewSSE(cfg, logger)
	case "streamable", "http", "streamable_http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable transport requires a url")
		}
		return NewStreamable(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown transport type '%s'", cfg.Type)
	}
}

// authProvider builds the OAuth provider for an HTTP transport, or nil when
// authorization is disabled.
func authProvider(cfg *Config, serverURL string, logger *zap.Logger) (*oauth.Provider, error) {
	if cfg.OAuth == nil || !cfg.OAuth.Enabled {
		return nil, nil
	}
	var storage oauth.Storage
	if cfg.OAuth.StorageDSN != "" {
		pg, err := oauth.NewPostgresStorage(cfg.OAuth.StorageDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize oauth storage: %w", err)
		}
		storage = pg
	}
	return oauth.NewProvider(oauth.Config{
		ServerURL:   serverURL,
		Scope:       cfg.OAuth.Scope,
		RedirectURI: cfg.OAuth.RedirectURI,
		ClientName:  cfg.OAuth.ClientName,
		Storage:     storage,
		Flow:        &oauth.CallbackServer{Logger: logger},
		Logger:      logger,
	})
}
