// Package sqlite provides a durable StateStore backed by an embedded SQLite
// database. State is stored as a JSON blob per session, which keeps the
// schema trivial and guarantees the same byte-for-byte round trip the
// in-memory store offers.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/hupe1980/planmesh/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_state (
	session_id TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// Store is a StateStore persisting agent state to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) a state database at path and ensures the schema
// exists. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing database handle, ensuring the schema exists.
func NewFromDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the state for a session, creating an empty one lazily. Lazy
// creation is not written back until the first Save.
func (s *Store) Get(sessionID string) (*core.AgentState, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM agent_state WHERE session_id = ?`, sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NewAgentState(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", sessionID, err)
	}

	var state core.AgentState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", sessionID, err)
	}
	return &state, nil
}

// Save persists a snapshot of the state, overwriting any previous snapshot
// for the session.
func (s *Store) Save(state *core.AgentState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", state.SessionID, err)
	}

	_, err = s.db.Exec(`
INSERT INTO agent_state (session_id, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		state.SessionID, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", state.SessionID, err)
	}
	return nil
}

// Delete removes a session's state. Deleting an unknown session is a no-op.
func (s *Store) Delete(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM agent_state WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete state %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
