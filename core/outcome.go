package core

// OutcomeStatus is the terminal (or suspended) status of a turn.
type OutcomeStatus string

const (
	// OutcomeCompleted means the plan finished and all steps succeeded.
	OutcomeCompleted OutcomeStatus = "COMPLETED"
	// OutcomeSuspended means the turn halted on a pending approval and can be
	// resumed with the attached request's token.
	OutcomeSuspended OutcomeStatus = "SUSPENDED"
	// OutcomeNeedsClarification means no capability was even plausibly
	// relevant to the task; the user should rephrase or elaborate.
	OutcomeNeedsClarification OutcomeStatus = "NEEDS_CLARIFICATION"
	// OutcomeFailed means the turn ended on a FATAL condition or an exhausted
	// reclassification budget.
	OutcomeFailed OutcomeStatus = "FAILED"
)

// Outcome is the engine's answer to one turn (or one resumption). Response is
// the user-visible text; Approval is set only when Status is
// OutcomeSuspended; Error is set only when Status is OutcomeFailed.
type Outcome struct {
	Status   OutcomeStatus        `json:"status"`
	Response string               `json:"response"`
	Approval *ApprovalRequest     `json:"approval,omitempty"`
	Error    *ErrorClassification `json:"error,omitempty"`
	Events   []Event              `json:"events,omitempty"`
}
