package core

import (
	"context"
	"fmt"
	"time"
)

// ApprovalPolicy controls whether a capability's steps need human sign-off
// before execution.
type ApprovalPolicy string

const (
	// ApprovalNone never requires sign-off.
	ApprovalNone ApprovalPolicy = "none"
	// ApprovalConditional requires sign-off only when the orchestrator marks
	// the step as mutating (writes rather than reads).
	ApprovalConditional ApprovalPolicy = "conditional"
	// ApprovalAlways requires sign-off for every step of the capability.
	ApprovalAlways ApprovalPolicy = "always"
)

// RetryPolicy bounds how often a step may be re-run on RETRIABLE failures.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget including the first run.
	// Values below 1 are normalized to 1 (no retries).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// Backoff is the initial wait between attempts; the router grows it
	// exponentially.
	Backoff time.Duration `json:"backoff" yaml:"backoff"`
}

// Attempts returns the normalized attempt budget.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// CapabilityDescriptor declares a capability's contract with the engine: the
// context types it consumes and produces, its retry budget, its approval
// policy and its execution timeout. Descriptors are read-only during a turn.
type CapabilityDescriptor struct {
	// Name uniquely identifies the capability in the registry.
	Name string `json:"name"`
	// Description is surfaced to the classifier and orchestrator models.
	Description string `json:"description"`
	// Provides lists context types this capability may write. The engine
	// rejects writes to undeclared types.
	Provides []string `json:"provides,omitempty"`
	// Requires lists context types this capability reads.
	Requires []string `json:"requires,omitempty"`

	Retry    RetryPolicy    `json:"retry"`
	Approval ApprovalPolicy `json:"approval"`

	// Timeout bounds a single step execution. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
	// TimeoutSeverity decides whether a timeout surfaces as RETRIABLE or
	// FATAL. Empty defaults to RETRIABLE.
	TimeoutSeverity Severity `json:"timeout_severity,omitempty"`
}

// Validate checks descriptor invariants at registration time.
func (d CapabilityDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("capability descriptor requires a name")
	}
	switch d.Approval {
	case "", ApprovalNone, ApprovalConditional, ApprovalAlways:
	default:
		return fmt.Errorf("capability %s: unknown approval policy %q", d.Name, d.Approval)
	}
	switch d.TimeoutSeverity {
	case "", SeverityRetriable, SeverityFatal:
	default:
		return fmt.Errorf("capability %s: timeout severity must be RETRIABLE or FATAL, got %q", d.Name, d.TimeoutSeverity)
	}
	return nil
}

// Capability is a pluggable unit of work. Implementations must be idempotent
// with respect to retries of the same bound parameters when their retry
// policy allows retries, and must return failures as *ErrorClassification
// (unclassified errors are wrapped by the adapter layer).
type Capability interface {
	// Name returns the unique registry identifier.
	Name() string

	// Descriptor returns the declared contract. It must be stable for the
	// lifetime of the registration.
	Descriptor() CapabilityDescriptor

	// Execute runs one step with its bound parameters. Context writes go
	// through the view, which enforces the Provides declaration; the router
	// merges staged updates into persistent context only on success.
	Execute(ctx context.Context, params map[string]any, view *ContextView) error
}

// Registry provides read-only access to registered capabilities during a
// turn. Implementations are populated by an explicit registration API at
// startup; no convention-based discovery happens at runtime.
type Registry interface {
	// Get resolves a capability by name.
	Get(name string) (Capability, bool)
	// Descriptors returns all registered descriptors in registration order.
	Descriptors() []CapabilityDescriptor
	// Names returns all registered names in registration order.
	Names() []string
}

// ContextView is the capability-facing window onto persistent context. Reads
// see the session's current context; writes are staged in the view and only
// merged by the router after the step succeeds, so a failed or retried step
// never leaves partial writes behind.
type ContextView struct {
	context  ContextData
	provides map[string]bool
	updates  ContextData
}

// NewContextView builds a view over snapshot for a capability that declared
// the given provides list.
func NewContextView(snapshot ContextData, provides []string) *ContextView {
	allowed := make(map[string]bool, len(provides))
	for _, p := range provides {
		allowed[p] = true
	}
	return &ContextView{context: snapshot, provides: allowed, updates: ContextData{}}
}

// Get returns the fields stored under a context type and key, preferring
// staged updates over the persisted snapshot.
func (v *ContextView) Get(contextType, key string) (map[string]any, bool) {
	if fields, ok := v.updates.Get(contextType, key); ok {
		return fields, true
	}
	return v.context.Get(contextType, key)
}

// Keys returns the keys present under a context type, including staged ones.
func (v *ContextView) Keys(contextType string) []string {
	seen := map[string]bool{}
	var keys []string
	for key := range v.context[contextType] {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range v.updates[contextType] {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// Put stages fields under a context type and key. Writing a type the
// capability did not declare in Provides is rejected.
func (v *ContextView) Put(contextType, key string, fields map[string]any) error {
	if !v.provides[contextType] {
		return Fatal("write to undeclared context type %q", contextType)
	}
	v.updates.Set(contextType, key, fields)
	return nil
}

// Updates returns the staged writes accumulated so far.
func (v *ContextView) Updates() ContextData { return v.updates }
