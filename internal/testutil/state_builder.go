package testutil

import (
	"github.com/hupe1980/planmesh/core"
)

// StateBuilder helps construct agent state with fluent chaining for tests.
// Example:
//
//	state := NewStateBuilder("sess-1").
//		Context("weather", "sf", map[string]any{"temp": 18}).
//		Turn("turn-1", core.Task{Objective: "report weather"}).
//		Build()
type StateBuilder struct {
	id      string
	context core.ContextData
	turnID  string
	task    *core.Task
	events  []core.Event
}

// NewStateBuilder creates a new builder for a session with the given id.
// Use chainable methods (Context, Turn, Event) then call Build.
func NewStateBuilder(id string) *StateBuilder {
	return &StateBuilder{id: id, context: core.ContextData{}}
}

// Context sets fields under a context type and key (chainable).
func (b *StateBuilder) Context(contextType, key string, fields map[string]any) *StateBuilder {
	b.context.Set(contextType, key, fields)
	return b
}

// Turn begins a turn with the given id and task on the built state
// (chainable).
func (b *StateBuilder) Turn(turnID string, task core.Task) *StateBuilder {
	b.turnID = turnID
	t := task
	b.task = &t
	return b
}

// Event appends a trace event to the session history (chainable).
func (b *StateBuilder) Event(ev core.Event) *StateBuilder {
	b.events = append(b.events, ev)
	return b
}

// Build returns a *core.AgentState with pre-populated context, turn and
// history.
func (b *StateBuilder) Build() *core.AgentState {
	s := core.NewAgentState(b.id)
	s.MergeContext(b.context)
	if b.task != nil {
		s.BeginTurn(b.turnID, *b.task)
	}
	for _, ev := range b.events {
		s.AddEvent(ev)
	}
	return s
}
