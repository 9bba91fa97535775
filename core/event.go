package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind labels a trace event emitted by the router.
type EventKind string

const (
	// EventTurnStarted marks the beginning of a user turn.
	EventTurnStarted EventKind = "turn_started"
	// EventPlanCreated marks a validated plan being installed.
	EventPlanCreated EventKind = "plan_created"
	// EventStepStarted marks a step dispatch.
	EventStepStarted EventKind = "step_started"
	// EventStepSucceeded marks a step completing with its writes merged.
	EventStepSucceeded EventKind = "step_succeeded"
	// EventStepRetried marks a transparent same-step retry.
	EventStepRetried EventKind = "step_retried"
	// EventStepFailed marks a step failing terminally within its plan.
	EventStepFailed EventKind = "step_failed"
	// EventPlanDiscarded marks a plan being abandoned for reclassification.
	EventPlanDiscarded EventKind = "plan_discarded"
	// EventApprovalRequested marks the turn suspending on a human decision.
	EventApprovalRequested EventKind = "approval_requested"
	// EventApprovalResolved marks a decision resolving a suspension.
	EventApprovalResolved EventKind = "approval_resolved"
	// EventTurnCompleted marks a successful terminal outcome.
	EventTurnCompleted EventKind = "turn_completed"
	// EventTurnFailed marks a FATAL terminal outcome.
	EventTurnFailed EventKind = "turn_failed"
	// EventClarification marks the empty-active-set terminal outcome.
	EventClarification EventKind = "clarification_requested"
)

// Event records one step of the router's lifecycle for observability and for
// session history. After emission it should be treated as immutable.
type Event struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	TurnID     string         `json:"turn_id"`
	Kind       EventKind      `json:"kind"`
	StepID     string         `json:"step_id,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Message    string         `json:"message,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent creates a trace event with a fresh id and UTC timestamp.
func NewEvent(sessionID, turnID string, kind EventKind) Event {
	return Event{
		ID:        NewID(),
		SessionID: sessionID,
		TurnID:    turnID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// NewStepEvent creates a trace event bound to a plan step.
func NewStepEvent(sessionID, turnID string, kind EventKind, step *PlannedStep) Event {
	ev := NewEvent(sessionID, turnID, kind)
	ev.StepID = step.ID
	ev.Capability = step.Capability
	return ev
}

// NewID generates a UUID string used for events, plans, turns and tokens.
func NewID() string { return uuid.NewString() }
