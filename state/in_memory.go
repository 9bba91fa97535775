package state

import (
	"sync"

	"github.com/hupe1980/planmesh/core"
)

// InMemoryStore is a volatile StateStore implementation keeping agent state
// in a process local map. It is safe for concurrent access and best suited
// for tests or ephemeral demo servers. Each returned state is cloned to
// prevent external mutation of internal state.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]*core.AgentState
}

// NewInMemoryStore constructs an empty in-memory state store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]*core.AgentState)}
}

// Get returns an existing agent state (clone) or creates a new one lazily.
func (s *InMemoryStore) Get(sessionID string) (*core.AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[sessionID]; ok {
		return state.Clone(), nil
	}
	state := core.NewAgentState(sessionID)
	s.states[sessionID] = state
	return state.Clone(), nil
}

// Save stores a clone of the provided state snapshot.
func (s *InMemoryStore) Save(state *core.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SessionID] = state.Clone()
	return nil
}

// Delete removes a session's state. Deleting an unknown session is a no-op.
func (s *InMemoryStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sessionID)
	return nil
}

// Len reports the number of stored sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
