package core

import "fmt"

// StepStatus tracks a planned step through the router's state machine.
type StepStatus string

const (
	// StatusPending means the step has not been dispatched.
	StatusPending StepStatus = "PENDING"
	// StatusRunning means the step is currently executing.
	StatusRunning StepStatus = "RUNNING"
	// StatusAwaitingApproval means the step is suspended on a human decision.
	StatusAwaitingApproval StepStatus = "AWAITING_APPROVAL"
	// StatusSucceeded means the step completed and its context writes were
	// merged.
	StatusSucceeded StepStatus = "SUCCEEDED"
	// StatusFailed means the step terminally failed within this plan.
	StatusFailed StepStatus = "FAILED"
)

// PlannedStep is a single node of an execution plan.
type PlannedStep struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`

	// RequiresApproval is set by the orchestrator from the capability's
	// approval policy, or elevated based on plan content.
	RequiresApproval bool `json:"requires_approval,omitempty"`
	// Rationale explains why the step exists; surfaced in approval requests.
	Rationale string `json:"rationale,omitempty"`

	Status StepStatus `json:"status"`
}

// ExecutionPlan is a DAG of planned steps produced once per turn by the
// orchestrator and discarded on completion, reclassification or a brand-new
// user message.
type ExecutionPlan struct {
	ID    string         `json:"id"`
	Task  Task           `json:"task"`
	Steps []*PlannedStep `json:"steps"`
}

// Step returns the step with the given id.
func (p *ExecutionPlan) Step(id string) (*PlannedStep, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Validate checks structural plan invariants before any step executes: every
// capability must be in the active set, every dependency must reference a
// step in the same plan, ids must be unique and the dependency relation must
// be acyclic. Violations carry RECLASSIFICATION severity: an invalid plan is
// rejected at orchestration time and replanned, never partially executed.
func (p *ExecutionPlan) Validate(active ActiveSet) *ErrorClassification {
	if len(p.Steps) == 0 {
		return Reclassification("plan contains no steps").WithMetadata("plan_id", p.ID)
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return Reclassification("plan step without id").WithMetadata("plan_id", p.ID)
		}
		if ids[s.ID] {
			return Reclassification("duplicate step id %q", s.ID).WithMetadata("plan_id", p.ID)
		}
		ids[s.ID] = true
		if !active.Has(s.Capability) {
			return Reclassification("step %s references capability %q outside the active set", s.ID, s.Capability).
				WithStep(s.ID, s.Capability).
				WithMetadata("unknown_capability", s.Capability)
		}
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return Reclassification("step %s depends on unknown step %q", s.ID, dep).
					WithStep(s.ID, s.Capability)
			}
		}
	}

	if cycle := p.findCycle(); cycle != "" {
		return Reclassification("dependency cycle through step %s", cycle).WithMetadata("plan_id", p.ID)
	}

	return nil
}

// findCycle runs a three-color depth-first search over the dependency edges
// and returns the id of a step on a cycle, or "".
func (p *ExecutionPlan) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	deps := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		deps[s.ID] = s.DependsOn
	}

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, s := range p.Steps {
		if color[s.ID] == white {
			if hit := visit(s.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// Ready returns the PENDING steps whose dependencies have all SUCCEEDED, in
// plan order. The router dispatches them one at a time.
func (p *ExecutionPlan) Ready() []*PlannedStep {
	var ready []*PlannedStep
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			ds, found := p.Step(dep)
			if !found || ds.Status != StatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// Completed reports whether every step has SUCCEEDED.
func (p *ExecutionPlan) Completed() bool {
	for _, s := range p.Steps {
		if s.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// Suspended returns the step currently AWAITING_APPROVAL, if any. At most one
// step can be suspended because suspension is a true halt.
func (p *ExecutionPlan) Suspended() (*PlannedStep, bool) {
	for _, s := range p.Steps {
		if s.Status == StatusAwaitingApproval {
			return s, true
		}
	}
	return nil, false
}

// Stalled reports whether the plan can make no further progress: nothing is
// ready, running or suspended, yet not every step succeeded. A stalled plan
// is malformed and always FATAL, never a silent hang.
func (p *ExecutionPlan) Stalled() bool {
	if p.Completed() {
		return false
	}
	for _, s := range p.Steps {
		if s.Status == StatusRunning || s.Status == StatusAwaitingApproval {
			return false
		}
	}
	return len(p.Ready()) == 0
}

// Clone returns a deep copy of the plan safe for independent mutation.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	c := &ExecutionPlan{ID: p.ID, Task: p.Task, Steps: make([]*PlannedStep, len(p.Steps))}
	for i, s := range p.Steps {
		cs := *s
		cs.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Params != nil {
			cs.Params = make(map[string]any, len(s.Params))
			for k, v := range s.Params {
				cs.Params[k] = v
			}
		}
		c.Steps[i] = &cs
	}
	return c
}

// String returns a compact human-readable plan summary for logs.
func (p *ExecutionPlan) String() string {
	return fmt.Sprintf("plan %s (%d steps)", p.ID, len(p.Steps))
}
