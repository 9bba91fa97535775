package testutil

import (
	"github.com/hupe1980/planmesh/core"
)

// PlanBuilder helps construct execution plans with fluent chaining for
// tests. Steps default to PENDING.
type PlanBuilder struct {
	plan *core.ExecutionPlan
}

// NewPlanBuilder creates a builder for a plan over the given task.
func NewPlanBuilder(task core.Task) *PlanBuilder {
	return &PlanBuilder{plan: &core.ExecutionPlan{ID: core.NewID(), Task: task}}
}

// Step appends a pending step (chainable).
func (b *PlanBuilder) Step(id, capability string, deps ...string) *PlanBuilder {
	b.plan.Steps = append(b.plan.Steps, &core.PlannedStep{
		ID:         id,
		Capability: capability,
		DependsOn:  deps,
		Status:     core.StatusPending,
	})
	return b
}

// Gated appends a pending step that requires approval (chainable).
func (b *PlanBuilder) Gated(id, capability, rationale string, deps ...string) *PlanBuilder {
	b.plan.Steps = append(b.plan.Steps, &core.PlannedStep{
		ID:               id,
		Capability:       capability,
		DependsOn:        deps,
		RequiresApproval: true,
		Rationale:        rationale,
		Status:           core.StatusPending,
	})
	return b
}

// Params sets the bound parameters of the most recently added step
// (chainable).
func (b *PlanBuilder) Params(params map[string]any) *PlanBuilder {
	if n := len(b.plan.Steps); n > 0 {
		b.plan.Steps[n-1].Params = params
	}
	return b
}

// Build returns the assembled *core.ExecutionPlan.
func (b *PlanBuilder) Build() *core.ExecutionPlan {
	return b.plan
}
