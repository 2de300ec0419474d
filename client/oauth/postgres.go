package oauth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Record kinds stored in the oauth_records table.
const (
	kindToken      = "token"
	kindClientInfo = "client_info"
	kindMetadata   = "server_metadata"
	kindPKCE       = "pkce"
	kindState      = "state"
)

// PostgresStorage is a PostgreSQL-backed Storage. Records are JSON payloads
// keyed by (server_url, kind); transient kinds carry their TTL in SQL so
// expired rows are never returned.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage opens a connection pool and ensures the backing table
// exists.
func NewPostgresStorage(connectionString string, logger *zap.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStorage{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS oauth_records (
			server_url TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (server_url, kind)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create oauth_records table: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func (s *PostgresStorage) get(serverURL, kind string, maxAge time.Duration, out interface{}) (bool, error) {
	query := `SELECT payload FROM oauth_records WHERE server_url = $1 AND kind = $2`
	args := []interface{}{serverURL, kind}
	if maxAge > 0 {
		query += ` AND updated_at > now() - $3::interval`
		args = append(args, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	}

	var payload []byte
	err := s.db.QueryRow(query, args...).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s record: %w", kind, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("corrupt %s record for %s: %w", kind, serverURL, err)
	}
	return true, nil
}

func (s *PostgresStorage) set(serverURL, kind string, value interface{}) error {
	if value == nil {
		return s.delete(serverURL, kind)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO oauth_records (server_url, kind, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (server_url, kind)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		serverURL, kind, payload)
	if err != nil {
		return fmt.Errorf("failed to write %s record: %w", kind, err)
	}
	return nil
}

func (s *PostgresStorage) delete(serverURL, kind string) error {
	_, err := s.db.Exec(`DELETE FROM oauth_records WHERE server_url = $1 AND kind = $2`, serverURL, kind)
	if err != nil {
		return fmt.Errorf("failed to delete %s record: %w", kind, err)
	}
	return nil
}

func (s *PostgresStorage) Token(serverURL string) (*Token, error) {
	var token Token
	found, err := s.get(serverURL, kindToken, 0, &token)
	if err != nil || !found {
		return nil, err
	}
	return &token, nil
}

func (s *PostgresStorage) SetToken(serverURL string, token *Token) error {
	if token == nil {
		return s.delete(serverURL, kindToken)
	}
	return s.set(serverURL, kindToken, token)
}

func (s *PostgresStorage) ClientInfo(serverURL string) (*ClientRegistration, error) {
	var info ClientRegistration
	found, err := s.get(serverURL, kindClientInfo, 0, &info)
	if err != nil || !found {
		return nil, err
	}
	return &info, nil
}

func (s *PostgresStorage) SetClientInfo(serverURL string, info *ClientRegistration) error {
	if info == nil {
		return s.delete(serverURL, kindClientInfo)
	}
	return s.set(serverURL, kindClientInfo, info)
}

func (s *PostgresStorage) ServerMetadata(serverURL string) (*ServerMetadata, error) {
	var meta ServerMetadata
	found, err := s.get(serverURL, kindMetadata, 0, &meta)
	if err != nil || !found {
		return nil, err
	}
	return &meta, nil
}

func (s *PostgresStorage) SetServerMetadata(serverURL string, meta *ServerMetadata) error {
	if meta == nil {
		return s.delete(serverURL, kindMetadata)
	}
	return s.set(serverURL, kindMetadata, meta)
}

func (s *PostgresStorage) PKCE(serverURL string) (*PKCEState, error) {
	var pkce PKCEState
	found, err := s.get(serverURL, kindPKCE, transientTTL, &pkce)
	if err != nil || !found {
		return nil, err
	}
	return &pkce, nil
}

func (s *PostgresStorage) SetPKCE(serverURL string, pkce *PKCEState) error {
	if pkce == nil {
		return s.delete(serverURL, kindPKCE)
	}
	return s.set(serverURL, kindPKCE, pkce)
}

func (s *PostgresStorage) DeletePKCE(serverURL string) error {
	return s.delete(serverURL, kindPKCE)
}

func (s *PostgresStorage) State(serverURL string) (*StateRecord, error) {
	var state StateRecord
	found, err := s.get(serverURL, kindState, transientTTL, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (s *PostgresStorage) SetState(serverURL string, state *StateRecord) error {
	if state == nil {
		return s.delete(serverURL, kindState)
	}
	return s.set(serverURL, kindState, state)
}

func (s *PostgresStorage) DeleteState(serverURL string) error {
	return s.delete(serverURL, kindState)
}
