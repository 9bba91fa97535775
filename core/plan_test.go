package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlan(steps ...*PlannedStep) *ExecutionPlan {
	return &ExecutionPlan{ID: "plan-1", Task: Task{Objective: "test"}, Steps: steps}
}

func step(id, capability string, deps ...string) *PlannedStep {
	return &PlannedStep{ID: id, Capability: capability, DependsOn: deps, Status: StatusPending}
}

func TestPlanValidate(t *testing.T) {
	active := NewActiveSet("fetch", "store")

	t.Run("valid", func(t *testing.T) {
		p := newTestPlan(step("a", "fetch"), step("b", "store", "a"))
		assert.Nil(t, p.Validate(active))
	})

	t.Run("empty plan", func(t *testing.T) {
		p := newTestPlan()
		ec := p.Validate(active)
		require.NotNil(t, ec)
		assert.Equal(t, SeverityReclassification, ec.Severity)
	})

	t.Run("hallucinated capability", func(t *testing.T) {
		p := newTestPlan(step("a", "fetch"), step("b", "launch_rockets", "a"))
		ec := p.Validate(active)
		require.NotNil(t, ec)
		assert.Equal(t, SeverityReclassification, ec.Severity)
		assert.Equal(t, "launch_rockets", ec.Metadata["unknown_capability"])
	})

	t.Run("unknown dependency", func(t *testing.T) {
		p := newTestPlan(step("a", "fetch", "ghost"))
		ec := p.Validate(active)
		require.NotNil(t, ec)
		assert.Equal(t, SeverityReclassification, ec.Severity)
		assert.Contains(t, ec.Message, "ghost")
	})

	t.Run("duplicate id", func(t *testing.T) {
		p := newTestPlan(step("a", "fetch"), step("a", "store"))
		ec := p.Validate(active)
		require.NotNil(t, ec)
		assert.Equal(t, SeverityReclassification, ec.Severity)
	})

	t.Run("cycle", func(t *testing.T) {
		p := newTestPlan(step("a", "fetch", "b"), step("b", "store", "a"))
		ec := p.Validate(active)
		require.NotNil(t, ec)
		assert.Equal(t, SeverityReclassification, ec.Severity)
		assert.Contains(t, ec.Message, "cycle")
	})

	t.Run("self cycle", func(t *testing.T) {
		p := newTestPlan(step("a", "fetch", "a"))
		ec := p.Validate(active)
		require.NotNil(t, ec)
	})
}

func TestPlanReady(t *testing.T) {
	p := newTestPlan(step("a", "fetch"), step("b", "store", "a"), step("c", "store", "a", "b"))

	ready := p.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	p.Steps[0].Status = StatusSucceeded
	ready = p.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)

	p.Steps[1].Status = StatusSucceeded
	ready = p.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].ID)

	p.Steps[2].Status = StatusSucceeded
	assert.Empty(t, p.Ready())
	assert.True(t, p.Completed())
}

func TestPlanStalled(t *testing.T) {
	p := newTestPlan(step("a", "fetch"), step("b", "store", "a"))

	assert.False(t, p.Stalled(), "plan with a ready step is not stalled")

	// A failed dependency blocks the dependent step forever.
	p.Steps[0].Status = StatusFailed
	assert.True(t, p.Stalled())

	// A suspended step keeps the plan alive.
	p.Steps[0].Status = StatusAwaitingApproval
	assert.False(t, p.Stalled())

	p.Steps[0].Status = StatusSucceeded
	p.Steps[1].Status = StatusSucceeded
	assert.False(t, p.Stalled(), "completed plan is not stalled")
}

func TestPlanSuspended(t *testing.T) {
	p := newTestPlan(step("a", "fetch"), step("b", "store", "a"))
	_, ok := p.Suspended()
	assert.False(t, ok)

	p.Steps[1].Status = StatusAwaitingApproval
	s, ok := p.Suspended()
	require.True(t, ok)
	assert.Equal(t, "b", s.ID)
}

func TestPlanClone(t *testing.T) {
	orig := newTestPlan(step("a", "fetch"))
	orig.Steps[0].Params = map[string]any{"city": "sf"}

	clone := orig.Clone()
	clone.Steps[0].Status = StatusSucceeded
	clone.Steps[0].Params["city"] = "nyc"

	assert.Equal(t, StatusPending, orig.Steps[0].Status)
	assert.Equal(t, "sf", orig.Steps[0].Params["city"])
}
