package core

import (
	"sync"
	"time"
)

// ContextData is the persistent, cross-turn state shared with capabilities:
// context_type → context_key → fields. Only the capability whose descriptor
// declares `provides: X` may write context of type X; the engine enforces
// this through ContextView.
type ContextData map[string]map[string]map[string]any

// Get returns the fields stored under a context type and key.
func (c ContextData) Get(contextType, key string) (map[string]any, bool) {
	keys, ok := c[contextType]
	if !ok {
		return nil, false
	}
	fields, ok := keys[key]
	return fields, ok
}

// Set stores fields under a context type and key, allocating as needed.
func (c ContextData) Set(contextType, key string, fields map[string]any) {
	if c[contextType] == nil {
		c[contextType] = map[string]map[string]any{}
	}
	c[contextType][key] = fields
}

// Merge copies every entry of updates into c, overwriting existing keys.
func (c ContextData) Merge(updates ContextData) {
	for typ, keys := range updates {
		for key, fields := range keys {
			c.Set(typ, key, fields)
		}
	}
}

// Clone returns a deep copy down to the field level.
func (c ContextData) Clone() ContextData {
	out := make(ContextData, len(c))
	for typ, keys := range c {
		out[typ] = make(map[string]map[string]any, len(keys))
		for key, fields := range keys {
			f := make(map[string]any, len(fields))
			for k, v := range fields {
				f[k] = v
			}
			out[typ][key] = f
		}
	}
	return out
}

// Execution holds the ephemeral per-turn fields owned exclusively by the
// router: the current plan, retry counters, the reclassification counter and
// the last failure. It is reset at the start of every new user turn but
// preserved verbatim while a turn is suspended awaiting approval.
type Execution struct {
	TurnID string         `json:"turn_id,omitempty"`
	Task   *Task          `json:"task,omitempty"`
	Plan   *ExecutionPlan `json:"plan,omitempty"`

	// RetryCounts maps step id → retries consumed. It is the single home of
	// per-step retry counters; no other field duplicates them.
	RetryCounts map[string]int `json:"retry_counts,omitempty"`

	// Reclassifications counts replanning attempts for this turn.
	Reclassifications int `json:"reclassifications"`

	LastError       *ErrorClassification `json:"last_error,omitempty"`
	PendingApproval *ApprovalRequest     `json:"pending_approval,omitempty"`
}

// AgentState is the per-session state owned exclusively by the engine for the
// duration of a thread. Persistent context survives across turns; the
// Execution block is turn-scoped. It is safe for concurrent access and must
// serialize/restore byte-for-byte through encoding/json.
type AgentState struct {
	SessionID string      `json:"session_id"`
	Context   ContextData `json:"context"`
	Execution Execution   `json:"execution"`
	History   []Event     `json:"history,omitempty"`
	Created   time.Time   `json:"created"`
	Updated   time.Time   `json:"updated"`
	mu        sync.RWMutex
}

// NewAgentState creates an empty state for a session.
func NewAgentState(sessionID string) *AgentState {
	now := time.Now().UTC()
	return &AgentState{
		SessionID: sessionID,
		Context:   ContextData{},
		Created:   now,
		Updated:   now,
	}
}

// BeginTurn resets the ephemeral execution fields for a fresh turn while
// leaving persistent context intact. Any plan, counters and last error from a
// previous turn are discarded.
func (s *AgentState) BeginTurn(turnID string, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Execution = Execution{
		TurnID:      turnID,
		Task:        &task,
		RetryCounts: map[string]int{},
	}
	s.Updated = time.Now().UTC()
}

// Suspended reports whether the turn is halted on a pending approval.
func (s *AgentState) Suspended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Execution.PendingApproval != nil
}

// RetryCount returns the retries consumed by a step in the current plan.
func (s *AgentState) RetryCount(stepID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Execution.RetryCounts[stepID]
}

// IncrementRetry bumps a step's retry counter and returns the new value.
func (s *AgentState) IncrementRetry(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Execution.RetryCounts == nil {
		s.Execution.RetryCounts = map[string]int{}
	}
	s.Execution.RetryCounts[stepID]++
	s.Updated = time.Now().UTC()
	return s.Execution.RetryCounts[stepID]
}

// ResetRetries clears all per-step retry counters. Called when a replanned
// turn installs a fresh plan so new steps start from zero.
func (s *AgentState) ResetRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Execution.RetryCounts = map[string]int{}
	s.Updated = time.Now().UTC()
}

// MergeContext merges a succeeded step's staged writes into persistent
// context. Merged facts are kept even if the plan later fails.
func (s *AgentState) MergeContext(updates ContextData) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Context.Merge(updates)
	s.Updated = time.Now().UTC()
}

// AddEvent appends a trace event to the session history.
func (s *AgentState) AddEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, ev)
	s.Updated = time.Now().UTC()
}

// Events returns a defensive copy of the session history.
func (s *AgentState) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.History))
	copy(out, s.History)
	return out
}

// Clone returns a deep copy of the state (maps, plan & history) minus the
// mutex, safe for independent mutation.
func (s *AgentState) Clone() *AgentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &AgentState{
		SessionID: s.SessionID,
		Context:   s.Context.Clone(),
		Created:   s.Created,
		Updated:   s.Updated,
		History:   make([]Event, len(s.History)),
	}
	copy(c.History, s.History)
	c.Execution = Execution{
		TurnID:            s.Execution.TurnID,
		Reclassifications: s.Execution.Reclassifications,
		Plan:              s.Execution.Plan.Clone(),
		LastError:         s.Execution.LastError.Clone(),
	}
	if s.Execution.Task != nil {
		t := *s.Execution.Task
		c.Execution.Task = &t
	}
	if s.Execution.RetryCounts != nil {
		c.Execution.RetryCounts = make(map[string]int, len(s.Execution.RetryCounts))
		for k, v := range s.Execution.RetryCounts {
			c.Execution.RetryCounts[k] = v
		}
	}
	if s.Execution.PendingApproval != nil {
		ar := *s.Execution.PendingApproval
		c.Execution.PendingApproval = &ar
	}
	return c
}

// StateStore persists agent state between dispatch steps and across turns.
// The engine requires only that state round-trips byte-for-byte; no wire
// format is mandated.
type StateStore interface {
	// Get returns the state for a session, creating it lazily.
	Get(sessionID string) (*AgentState, error)
	// Save persists a snapshot of the state.
	Save(state *AgentState) error
}
