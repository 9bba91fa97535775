package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/planmesh/approval"
	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/registry"
)

type classifierFunc func(ctx context.Context, task core.Task, reg core.Registry, prior *core.ErrorClassification) (core.ActiveSet, error)

func (f classifierFunc) Classify(ctx context.Context, task core.Task, reg core.Registry, prior *core.ErrorClassification) (core.ActiveSet, error) {
	return f(ctx, task, reg, prior)
}

type plannerFunc func(ctx context.Context, task core.Task, active core.ActiveSet, reg core.Registry, prior *core.ErrorClassification) (*core.ExecutionPlan, error)

func (f plannerFunc) Plan(ctx context.Context, task core.Task, active core.ActiveSet, reg core.Registry, prior *core.ErrorClassification) (*core.ExecutionPlan, error) {
	return f(ctx, task, active, reg, prior)
}

type stubCapability struct {
	desc    core.CapabilityDescriptor
	execute func(ctx context.Context, params map[string]any, view *core.ContextView) error
	calls   atomic.Int32
}

func (c *stubCapability) Name() string                          { return c.desc.Name }
func (c *stubCapability) Descriptor() core.CapabilityDescriptor { return c.desc }
func (c *stubCapability) Execute(ctx context.Context, params map[string]any, view *core.ContextView) error {
	c.calls.Add(1)
	if c.execute == nil {
		return nil
	}
	return c.execute(ctx, params, view)
}

// staticClassifier always returns the same active set.
func staticClassifier(names ...string) classifierFunc {
	return func(context.Context, core.Task, core.Registry, *core.ErrorClassification) (core.ActiveSet, error) {
		return core.NewActiveSet(names...), nil
	}
}

// staticPlanner returns clones of a fixed plan so every replan starts fresh.
func staticPlanner(plan *core.ExecutionPlan) plannerFunc {
	return func(context.Context, core.Task, core.ActiveSet, core.Registry, *core.ErrorClassification) (*core.ExecutionPlan, error) {
		return plan.Clone(), nil
	}
}

func newPlan(task core.Task, steps ...*core.PlannedStep) *core.ExecutionPlan {
	return &core.ExecutionPlan{ID: core.NewID(), Task: task, Steps: steps}
}

func newStep(id, capability string, deps ...string) *core.PlannedStep {
	return &core.PlannedStep{ID: id, Capability: capability, DependsOn: deps, Status: core.StatusPending}
}

func newRegistry(t *testing.T, caps ...*stubCapability) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, c := range caps {
		if c.desc.Description == "" {
			c.desc.Description = c.desc.Name
		}
		require.NoError(t, reg.Register(c))
	}
	return reg
}

func beginTurn(task core.Task) *core.AgentState {
	state := core.NewAgentState("sess-1")
	state.BeginTurn("turn-1", task)
	return state
}

func TestRunCompletesLinearPlan(t *testing.T) {
	var order []string
	search := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "search", Provides: []string{"results"}},
		execute: func(_ context.Context, params map[string]any, view *core.ContextView) error {
			order = append(order, "search")
			return view.Put("results", "query", map[string]any{"hits": 3})
		},
	}
	summarize := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "summarize"},
		execute: func(_ context.Context, _ map[string]any, view *core.ContextView) error {
			order = append(order, "summarize")
			_, ok := view.Get("results", "query")
			assert.True(t, ok, "dependency output must be visible downstream")
			return nil
		},
	}
	reg := newRegistry(t, search, summarize)

	task := core.Task{Objective: "research go"}
	plan := newPlan(task, newStep("s1", "search"), newStep("s2", "summarize", "s1"))
	r := New(staticClassifier("search", "summarize"), staticPlanner(plan), reg, approval.NewManager())

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeCompleted, out.Status)
	assert.Equal(t, []string{"search", "summarize"}, order)

	fields, ok := state.Context.Get("results", "query")
	require.True(t, ok)
	assert.Equal(t, 3, fields["hits"])

	kinds := eventKinds(state)
	assert.Contains(t, kinds, core.EventPlanCreated)
	assert.Contains(t, kinds, core.EventTurnCompleted)
}

func TestDependencyOrdering(t *testing.T) {
	var order []string
	mk := func(name string) *stubCapability {
		return &stubCapability{
			desc: core.CapabilityDescriptor{Name: name},
			execute: func(context.Context, map[string]any, *core.ContextView) error {
				order = append(order, name)
				return nil
			},
		}
	}
	a, b, c := mk("a"), mk("b"), mk("c")
	reg := newRegistry(t, a, b, c)

	task := core.Task{Objective: "ordered work"}
	// c depends on both; a and b are independent.
	plan := newPlan(task, newStep("sc", "c", "sa", "sb"), newStep("sb", "b"), newStep("sa", "a"))
	r := New(staticClassifier("a", "b", "c"), staticPlanner(plan), reg, approval.NewManager())

	out, err := r.Run(context.Background(), beginTurn(task))
	require.NoError(t, err)
	require.Equal(t, core.OutcomeCompleted, out.Status)

	require.Len(t, order, 3)
	assert.Equal(t, "c", order[2], "dependent step must dispatch last")
}

func TestRetriableRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	flaky := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "flaky", Retry: core.RetryPolicy{MaxAttempts: 3}},
		execute: func(context.Context, map[string]any, *core.ContextView) error {
			attempts++
			if attempts < 3 {
				return core.Retriable("transient glitch")
			}
			return nil
		},
	}
	reg := newRegistry(t, flaky)

	task := core.Task{Objective: "flaky work"}
	plan := newPlan(task, newStep("s1", "flaky"))
	r := New(staticClassifier("flaky"), staticPlanner(plan), reg, approval.NewManager())

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeCompleted, out.Status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, state.RetryCount("s1"))
	assert.Contains(t, eventKinds(state), core.EventStepRetried)
}

func TestRetryExhaustionEscalatesToReclassification(t *testing.T) {
	broken := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "broken", Retry: core.RetryPolicy{MaxAttempts: 2}},
		execute: func(context.Context, map[string]any, *core.ContextView) error {
			return core.Retriable("always down")
		},
	}
	reg := newRegistry(t, broken)

	var priors []*core.ErrorClassification
	classifier := classifierFunc(func(_ context.Context, _ core.Task, _ core.Registry, prior *core.ErrorClassification) (core.ActiveSet, error) {
		priors = append(priors, prior)
		return core.NewActiveSet("broken"), nil
	})

	task := core.Task{Objective: "doomed work"}
	plan := newPlan(task, newStep("s1", "broken"))
	r := New(classifier, staticPlanner(plan), reg, approval.NewManager(),
		func(o *Options) { o.MaxReclassifications = 1 })

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, core.SeverityReclassification, out.Error.Severity)
	assert.Contains(t, out.Error.Message, "exhausted")

	// First build has no prior failure; the single replan carries the
	// escalated error forward.
	require.Len(t, priors, 2)
	assert.Nil(t, priors[0])
	require.NotNil(t, priors[1])
	assert.Equal(t, "broken", priors[1].Capability)

	// Replanning reset the retry counters for the fresh plan, and the fresh
	// plan consumed its own attempt budget again.
	assert.Equal(t, 2, state.RetryCount("s1"))
}

func TestBoundedReclassificationExactlyN(t *testing.T) {
	const maxReclassifications = 3

	hopeless := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "hopeless"},
		execute: func(context.Context, map[string]any, *core.ContextView) error {
			return core.Reclassification("wrong capability for this task")
		},
	}
	reg := newRegistry(t, hopeless)

	classifierCalls := 0
	classifier := classifierFunc(func(context.Context, core.Task, core.Registry, *core.ErrorClassification) (core.ActiveSet, error) {
		classifierCalls++
		return core.NewActiveSet("hopeless"), nil
	})

	task := core.Task{Objective: "unplannable work"}
	plan := newPlan(task, newStep("s1", "hopeless"))
	r := New(classifier, staticPlanner(plan), reg, approval.NewManager(),
		func(o *Options) { o.MaxReclassifications = maxReclassifications })

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, out.Status)
	// One initial build plus exactly N replans, never N+1.
	assert.Equal(t, 1+maxReclassifications, classifierCalls)
	assert.Equal(t, maxReclassifications, state.Execution.Reclassifications)
}

func TestInvalidPlanCountsAsReclassificationAttempt(t *testing.T) {
	search := &stubCapability{desc: core.CapabilityDescriptor{Name: "search"}}
	reg := newRegistry(t, search)

	plannerCalls := 0
	planner := plannerFunc(func(_ context.Context, task core.Task, active core.ActiveSet, _ core.Registry, _ *core.ErrorClassification) (*core.ExecutionPlan, error) {
		plannerCalls++
		plan := newPlan(task, newStep("s1", "hallucinated"))
		if ec := plan.Validate(active); ec != nil {
			return nil, ec
		}
		return plan, nil
	})

	task := core.Task{Objective: "anything"}
	r := New(staticClassifier("search"), planner, reg, approval.NewManager(),
		func(o *Options) { o.MaxReclassifications = 2 })

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, out.Status)
	// No step ever executed.
	assert.Equal(t, int32(0), search.calls.Load())
	// Initial attempt plus two replans, all consumed by invalid plans.
	assert.Equal(t, 3, plannerCalls)
	assert.Equal(t, 2, state.Execution.Reclassifications)
}

func TestStalledPlanIsFatal(t *testing.T) {
	work := &stubCapability{desc: core.CapabilityDescriptor{Name: "work"}}
	reg := newRegistry(t, work)

	task := core.Task{Objective: "stuck work"}
	stalled := newPlan(task, newStep("s1", "work"), newStep("s2", "work", "s1"))
	stalled.Steps[0].Status = core.StatusFailed

	r := New(staticClassifier("work"), staticPlanner(stalled), reg, approval.NewManager())

	out, err := r.Run(context.Background(), beginTurn(task))
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, core.SeverityFatal, out.Error.Severity)
	assert.Contains(t, out.Error.Message, "stalled")
}

func TestApprovalSuspendAndApprove(t *testing.T) {
	deploy := &stubCapability{desc: core.CapabilityDescriptor{Name: "deploy", Approval: core.ApprovalAlways}}
	reg := newRegistry(t, deploy)
	approvals := approval.NewManager()

	task := core.Task{Objective: "ship it"}
	plan := newPlan(task, &core.PlannedStep{
		ID: "s1", Capability: "deploy", RequiresApproval: true,
		Rationale: "deploys to production", Status: core.StatusPending,
	})
	r := New(staticClassifier("deploy"), staticPlanner(plan), reg, approvals)

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	require.Equal(t, core.OutcomeSuspended, out.Status)
	require.NotNil(t, out.Approval)
	assert.Contains(t, out.Response, "deploys to production")
	assert.True(t, state.Suspended())
	assert.Equal(t, int32(0), deploy.calls.Load())

	req, err := approvals.Resolve(out.Approval.Token)
	require.NoError(t, err)

	out, err = r.Resume(context.Background(), state, req, core.Decision{Kind: core.DecisionApprove})
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeCompleted, out.Status)
	assert.Equal(t, int32(1), deploy.calls.Load())
	assert.False(t, state.Suspended())
}

func TestApprovalModifyReplacesParams(t *testing.T) {
	var seen map[string]any
	deploy := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "deploy"},
		execute: func(_ context.Context, params map[string]any, _ *core.ContextView) error {
			seen = params
			return nil
		},
	}
	reg := newRegistry(t, deploy)
	approvals := approval.NewManager()

	task := core.Task{Objective: "ship it"}
	plan := newPlan(task, &core.PlannedStep{
		ID: "s1", Capability: "deploy", RequiresApproval: true,
		Params: map[string]any{"target": "prod"}, Status: core.StatusPending,
	})
	r := New(staticClassifier("deploy"), staticPlanner(plan), reg, approvals)

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, core.OutcomeSuspended, out.Status)

	req, err := approvals.Resolve(out.Approval.Token)
	require.NoError(t, err)

	out, err = r.Resume(context.Background(), state, req, core.Decision{
		Kind:   core.DecisionModify,
		Params: map[string]any{"target": "staging"},
	})
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeCompleted, out.Status)
	assert.Equal(t, "staging", seen["target"])
}

func TestApprovalRejectEndsWithoutFatal(t *testing.T) {
	pump := &stubCapability{desc: core.CapabilityDescriptor{Name: "pump_control", Approval: core.ApprovalAlways}}
	reg := newRegistry(t, pump)
	approvals := approval.NewManager()

	// After the rejection the classifier excludes the rejected capability and
	// finds nothing else relevant.
	classifier := classifierFunc(func(_ context.Context, _ core.Task, _ core.Registry, prior *core.ErrorClassification) (core.ActiveSet, error) {
		if prior != nil {
			return core.ActiveSet{}, nil
		}
		return core.NewActiveSet("pump_control"), nil
	})

	task := core.Task{Objective: "turn on pump X"}
	plan := newPlan(task, &core.PlannedStep{
		ID: "s1", Capability: "pump_control", RequiresApproval: true, Status: core.StatusPending,
	})
	r := New(classifier, staticPlanner(plan), reg, approvals)

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, core.OutcomeSuspended, out.Status)

	req, err := approvals.Resolve(out.Approval.Token)
	require.NoError(t, err)

	out, err = r.Resume(context.Background(), state, req, core.Decision{
		Kind:   core.DecisionReject,
		Reason: "not during business hours",
	})
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeNeedsClarification, out.Status)
	assert.Contains(t, out.Response, "not approved")
	assert.Contains(t, out.Response, "not during business hours")
	assert.Equal(t, int32(0), pump.calls.Load())
}

func TestDynamicApprovalRequired(t *testing.T) {
	careful := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "careful"},
		execute: func(context.Context, map[string]any, *core.ContextView) error {
			return core.ApprovalRequired("this write affects 900 records")
		},
	}
	reg := newRegistry(t, careful)

	task := core.Task{Objective: "bulk update"}
	plan := newPlan(task, newStep("s1", "careful"))
	r := New(staticClassifier("careful"), staticPlanner(plan), reg, approval.NewManager())

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	require.Equal(t, core.OutcomeSuspended, out.Status)
	assert.Contains(t, out.Response, "900 records")
	assert.True(t, state.Suspended())
}

func TestResumeTokenMismatch(t *testing.T) {
	deploy := &stubCapability{desc: core.CapabilityDescriptor{Name: "deploy"}}
	reg := newRegistry(t, deploy)
	approvals := approval.NewManager()

	task := core.Task{Objective: "ship it"}
	plan := newPlan(task, &core.PlannedStep{
		ID: "s1", Capability: "deploy", RequiresApproval: true, Status: core.StatusPending,
	})
	r := New(staticClassifier("deploy"), staticPlanner(plan), reg, approvals)

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, core.OutcomeSuspended, out.Status)

	forged := *out.Approval
	forged.Token = core.ResumptionToken("forged")
	_, err = r.Resume(context.Background(), state, &forged, core.Decision{Kind: core.DecisionApprove})
	assert.Error(t, err)
}

func TestEmptyActiveSetIsClarification(t *testing.T) {
	reg := newRegistry(t, &stubCapability{desc: core.CapabilityDescriptor{Name: "search"}})

	classifier := classifierFunc(func(context.Context, core.Task, core.Registry, *core.ErrorClassification) (core.ActiveSet, error) {
		return core.ActiveSet{}, nil
	})
	planner := plannerFunc(func(context.Context, core.Task, core.ActiveSet, core.Registry, *core.ErrorClassification) (*core.ExecutionPlan, error) {
		t.Fatal("planner must not run for an empty active set")
		return nil, nil
	})

	task := core.Task{Objective: "what's 2+2 in accelerator jargon"}
	r := New(classifier, planner, reg, approval.NewManager())

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeNeedsClarification, out.Status)
	assert.Contains(t, out.Response, task.Objective)
	assert.Contains(t, eventKinds(state), core.EventClarification)
}

func TestFatalPreservesMergedContext(t *testing.T) {
	gather := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "gather", Provides: []string{"weather"}},
		execute: func(_ context.Context, _ map[string]any, view *core.ContextView) error {
			return view.Put("weather", "sf", map[string]any{"temp": 18})
		},
	}
	explode := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "explode"},
		execute: func(context.Context, map[string]any, *core.ContextView) error {
			return core.Fatal("credentials revoked")
		},
	}
	reg := newRegistry(t, gather, explode)

	task := core.Task{Objective: "doomed weather report"}
	plan := newPlan(task, newStep("s1", "gather"), newStep("s2", "explode", "s1"))
	r := New(staticClassifier("gather", "explode"), staticPlanner(plan), reg, approval.NewManager())

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, out.Status)
	// Facts merged by succeeded steps survive the failure.
	fields, ok := state.Context.Get("weather", "sf")
	require.True(t, ok)
	assert.Equal(t, 18, fields["temp"])
}

func TestFailureRollsBackContextWhenRetentionDisabled(t *testing.T) {
	gather := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "gather", Provides: []string{"weather"}},
		execute: func(_ context.Context, _ map[string]any, view *core.ContextView) error {
			return view.Put("weather", "sf", map[string]any{"temp": 18})
		},
	}
	explode := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "explode"},
		execute: func(context.Context, map[string]any, *core.ContextView) error {
			return core.Fatal("credentials revoked")
		},
	}
	reg := newRegistry(t, gather, explode)

	task := core.Task{Objective: "doomed weather report"}
	plan := newPlan(task, newStep("s1", "gather"), newStep("s2", "explode", "s1"))
	r := New(staticClassifier("gather", "explode"), staticPlanner(plan), reg, approval.NewManager(),
		func(o *Options) { o.KeepSucceededContext = false })

	state := beginTurn(task)
	state.Context.Set("customer", "acme", map[string]any{"tier": "gold"})

	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, out.Status)
	_, ok := state.Context.Get("weather", "sf")
	assert.False(t, ok, "turn writes must be rolled back")
	fields, ok := state.Context.Get("customer", "acme")
	require.True(t, ok, "pre-turn context must survive the rollback")
	assert.Equal(t, "gold", fields["tier"])
}

func TestStepTimeoutUsesDeclaredSeverity(t *testing.T) {
	slow := &stubCapability{
		desc: core.CapabilityDescriptor{
			Name:            "slow",
			Timeout:         20 * time.Millisecond,
			TimeoutSeverity: core.SeverityFatal,
		},
		execute: func(ctx context.Context, _ map[string]any, _ *core.ContextView) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	}
	reg := newRegistry(t, slow)

	task := core.Task{Objective: "slow work"}
	plan := newPlan(task, newStep("s1", "slow"))
	r := New(staticClassifier("slow"), staticPlanner(plan), reg, approval.NewManager())

	out, err := r.Run(context.Background(), beginTurn(task))
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, core.SeverityFatal, out.Error.Severity)
	assert.Contains(t, out.Error.Message, "timed out")
}

func TestFailedStepLeavesNoPartialWrites(t *testing.T) {
	greedy := &stubCapability{
		desc: core.CapabilityDescriptor{Name: "greedy", Provides: []string{"partial"}},
		execute: func(_ context.Context, _ map[string]any, view *core.ContextView) error {
			require.NoError(t, view.Put("partial", "half", map[string]any{"done": true}))
			return core.Fatal("died after writing")
		},
	}
	reg := newRegistry(t, greedy)

	task := core.Task{Objective: "partial work"}
	plan := newPlan(task, newStep("s1", "greedy"))
	r := New(staticClassifier("greedy"), staticPlanner(plan), reg, approval.NewManager())

	state := beginTurn(task)
	out, err := r.Run(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, out.Status)
	_, ok := state.Context.Get("partial", "half")
	assert.False(t, ok, "staged writes of a failed step must not merge")
}

func eventKinds(state *core.AgentState) []core.EventKind {
	var kinds []core.EventKind
	for _, ev := range state.Events() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
