package oauth

import (
	"sync"
	"time"
)

// transientTTL bounds the lifetime of PKCE and state records; expired
// entries are deleted on read.
const transientTTL = 10 * time.Minute

// Storage persists OAuth state per normalized server URL. Implementations
// MUST be safe for concurrent use. Setting a nil value clears the entry.
type Storage interface {
	Token(serverURL string) (*Token, error)
	SetToken(serverURL string, token *Token) error

	ClientInfo(serverURL string) (*ClientRegistration, error)
	SetClientInfo(serverURL string, info *ClientRegistration) error

	ServerMetadata(serverURL string) (*ServerMetadata, error)
	SetServerMetadata(serverURL string, meta *ServerMetadata) error

	PKCE(serverURL string) (*PKCEState, error)
	SetPKCE(serverURL string, pkce *PKCEState) error
	DeletePKCE(serverURL string) error

	State(serverURL string) (*StateRecord, error)
	SetState(serverURL string, state *StateRecord) error
	DeleteState(serverURL string) error
}

// MemoryStorage is the default in-process backend. One mutex guards all
// fields.
type MemoryStorage struct {
	mu       sync.Mutex
	tokens   map[string]*Token
	clients  map[string]*ClientRegistration
	metadata map[string]*ServerMetadata
	pkce     map[string]*PKCEState
	states   map[string]*StateRecord
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tokens:   make(map[string]*Token),
		clients:  make(map[string]*ClientRegistration),
		metadata: make(map[string]*ServerMetadata),
		pkce:     make(map[string]*PKCEState),
		states:   make(map[string]*StateRecord),
	}
}

func (s *MemoryStorage) Token(serverURL string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[serverURL], nil
}

func (s *MemoryStorage) SetToken(serverURL string, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == nil {
		delete(s.tokens, serverURL)
	} else {
		s.tokens[serverURL] = token
	}
	return nil
}

func (s *MemoryStorage) ClientInfo(serverURL string) (*ClientRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[serverURL], nil
}

func (s *MemoryStorage) SetClientInfo(serverURL string, info *ClientRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info == nil {
		delete(s.clients, serverURL)
	} else {
		s.clients[serverURL] = info
	}
	return nil
}

func (s *MemoryStorage) ServerMetadata(serverURL string) (*ServerMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[serverURL], nil
}

func (s *MemoryStorage) SetServerMetadata(serverURL string, meta *ServerMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta == nil {
		delete(s.metadata, serverURL)
	} else {
		s.metadata[serverURL] = meta
	}
	return nil
}

func (s *MemoryStorage) PKCE(serverURL string) (*PKCEState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkce := s.pkce[serverURL]
	if pkce != nil && time.Since(pkce.CreatedAt) > transientTTL {
		delete(s.pkce, serverURL)
		return nil, nil
	}
	return pkce, nil
}

func (s *MemoryStorage) SetPKCE(serverURL string, pkce *PKCEState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pkce == nil {
		delete(s.pkce, serverURL)
	} else {
		s.pkce[serverURL] = pkce
	}
	return nil
}

func (s *MemoryStorage) DeletePKCE(serverURL string) error {
	return s.SetPKCE(serverURL, nil)
}

func (s *MemoryStorage) State(serverURL string) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[serverURL]
	if state != nil && time.Since(state.CreatedAt) > transientTTL {
		delete(s.states, serverURL)
		return nil, nil
	}
	return state, nil
}

func (s *MemoryStorage) SetState(serverURL string, state *StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == nil {
		delete(s.states, serverURL)
	} else {
		s.states[serverURL] = state
	}
	return nil
}

func (s *MemoryStorage) DeleteState(serverURL string) error {
	return s.SetState(serverURL, nil)
}
