package core

import "time"

// ResumptionToken uniquely identifies a suspended point. It is minted by the
// approval subsystem at suspension and must match a currently pending request
// for a resume to be accepted.
type ResumptionToken string

// DecisionKind enumerates the possible human responses to an approval
// request.
type DecisionKind string

const (
	// DecisionApprove re-enters the step with its original bound parameters.
	DecisionApprove DecisionKind = "APPROVE"
	// DecisionReject fails the step with a user-visible reason and triggers
	// reclassification of the remaining plan.
	DecisionReject DecisionKind = "REJECT"
	// DecisionModify approves the step but replaces its bound parameters
	// wholesale before re-entry.
	DecisionModify DecisionKind = "MODIFY"
)

// Decision is the external resolution of an ApprovalRequest. Exactly one
// decision resolves each request.
type Decision struct {
	Kind DecisionKind `json:"kind"`
	// Reason carries the human rationale; on REJECT it becomes part of the
	// user-visible response.
	Reason string `json:"reason,omitempty"`
	// Params replaces the step's bound parameters when Kind is MODIFY.
	Params map[string]any `json:"params,omitempty"`
}

// ApprovalRequest captures a suspended step awaiting human sign-off. It lives
// from suspension until exactly one Decision resolves it, or until it is
// explicitly invalidated because an unrelated new turn superseded it.
type ApprovalRequest struct {
	Token      ResumptionToken `json:"token"`
	SessionID  string          `json:"session_id"`
	TurnID     string          `json:"turn_id"`
	StepID     string          `json:"step_id"`
	Capability string          `json:"capability"`
	Params     map[string]any  `json:"params,omitempty"`
	Rationale  string          `json:"rationale"`
	Created    time.Time       `json:"created"`
}
