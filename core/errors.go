package core

import (
	"errors"
	"fmt"
)

// Severity categorizes a failure for the router, which is the sole interpreter
// of severities. Capabilities and collaborators never mutate shared recovery
// flags; they return exactly one ErrorClassification per failure and the
// router decides whether to retry, replan, suspend or abort.
type Severity string

const (
	// SeverityRetriable marks a transient failure; the router re-runs the
	// same step unchanged until the capability's retry budget is exhausted.
	SeverityRetriable Severity = "RETRIABLE"

	// SeverityReclassification marks the plan or capability selection as
	// wrong; the router discards the plan and replans within the bounded
	// reclassification budget.
	SeverityReclassification Severity = "RECLASSIFICATION"

	// SeverityApprovalRequired is not an error in the usual sense: it is the
	// suspension signal carried on the same channel. The step transitions to
	// AWAITING_APPROVAL and the turn halts until a decision arrives.
	SeverityApprovalRequired Severity = "APPROVAL_REQUIRED"

	// SeverityFatal marks a configuration or unrecoverable failure; the plan
	// is abandoned while context already merged from succeeded steps is kept.
	SeverityFatal Severity = "FATAL"
)

// ErrorClassification is the single structured-error value flowing from
// capabilities, the classifier and the orchestrator to the router. Metadata is
// a free-form map with no fixed schema; consumers read keys generically.
type ErrorClassification struct {
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	StepID     string         `json:"step_id,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Error implements the error interface.
func (e *ErrorClassification) Error() string {
	if e.Capability != "" {
		return fmt.Sprintf("%s: %s: %s", e.Severity, e.Capability, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Severity, e.Message)
}

// WithStep annotates the classification with the step that produced it.
func (e *ErrorClassification) WithStep(stepID, capability string) *ErrorClassification {
	e.StepID = stepID
	e.Capability = capability
	return e
}

// WithMetadata attaches a metadata key/value pair, allocating the map lazily.
func (e *ErrorClassification) WithMetadata(key string, value any) *ErrorClassification {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

// Clone returns a deep copy so a carried-forward failure cannot be mutated by
// later turns.
func (e *ErrorClassification) Clone() *ErrorClassification {
	if e == nil {
		return nil
	}
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Retriable builds a RETRIABLE classification.
func Retriable(format string, args ...any) *ErrorClassification {
	return &ErrorClassification{Severity: SeverityRetriable, Message: fmt.Sprintf(format, args...)}
}

// Reclassification builds a RECLASSIFICATION classification.
func Reclassification(format string, args ...any) *ErrorClassification {
	return &ErrorClassification{Severity: SeverityReclassification, Message: fmt.Sprintf(format, args...)}
}

// ApprovalRequired builds the suspension signal for a step.
func ApprovalRequired(rationale string) *ErrorClassification {
	return &ErrorClassification{Severity: SeverityApprovalRequired, Message: rationale}
}

// Fatal builds a FATAL classification.
func Fatal(format string, args ...any) *ErrorClassification {
	return &ErrorClassification{Severity: SeverityFatal, Message: fmt.Sprintf(format, args...)}
}

// AsClassification extracts an *ErrorClassification from err, unwrapping as
// needed. The boolean reports whether err carried one.
func AsClassification(err error) (*ErrorClassification, bool) {
	var ec *ErrorClassification
	if errors.As(err, &ec) {
		return ec, true
	}
	return nil, false
}

// ClassifyError returns err's classification, wrapping unclassified errors
// with the provided fallback severity. A nil err returns nil.
func ClassifyError(err error, fallback Severity) *ErrorClassification {
	if err == nil {
		return nil
	}
	if ec, ok := AsClassification(err); ok {
		return ec
	}
	return &ErrorClassification{Severity: fallback, Message: err.Error()}
}
