// Package router implements the execution-recovery state machine. It drives
// a turn from classification through planning and step dispatch to a
// terminal outcome, and it is the sole interpreter of error severities: all
// retry counters and the reclassification counter live in AgentState and are
// only ever touched here.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/planmesh/approval"
	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/metrics"
)

// Classifier selects the active capability set for a task.
type Classifier interface {
	Classify(ctx context.Context, task core.Task, reg core.Registry, priorFailure *core.ErrorClassification) (core.ActiveSet, error)
}

// Planner builds a validated execution plan over an active capability set.
type Planner interface {
	Plan(ctx context.Context, task core.Task, active core.ActiveSet, reg core.Registry, priorFailure *core.ErrorClassification) (*core.ExecutionPlan, error)
}

// Options configure a Router.
type Options struct {
	// MaxReclassifications bounds replanning per turn. Once the counter
	// reaches this value, the next reclassification-severity failure is
	// terminal.
	MaxReclassifications int

	// PlannerRetries bounds retries of classification and planning calls
	// that fail with a RETRIABLE error.
	PlannerRetries int

	// StepTimeout caps step execution for capabilities that declare no
	// timeout of their own. Zero disables the default cap.
	StepTimeout time.Duration

	// KeepSucceededContext keeps context merged by succeeded steps when the
	// turn later fails. When false, the context snapshot taken at the start
	// of the call is restored on terminal failure.
	KeepSucceededContext bool

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Router owns turn execution for a session. It is stateless between calls;
// all per-turn state lives in the AgentState passed in.
type Router struct {
	classifier Classifier
	planner    Planner
	registry   core.Registry
	approvals  *approval.Manager

	maxReclassifications int
	plannerRetries       int
	stepTimeout          time.Duration
	keepSucceededContext bool

	logger  logging.Logger
	metrics *metrics.Metrics
}

// New constructs a Router over the given collaborators.
func New(classifier Classifier, planner Planner, reg core.Registry, approvals *approval.Manager, optFns ...func(o *Options)) *Router {
	opts := Options{
		MaxReclassifications: 2,
		PlannerRetries:       2,
		StepTimeout:          2 * time.Minute,
		KeepSucceededContext: true,
		Logger:               logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{
		classifier:           classifier,
		planner:              planner,
		registry:             reg,
		approvals:            approvals,
		maxReclassifications: opts.MaxReclassifications,
		plannerRetries:       opts.PlannerRetries,
		stepTimeout:          opts.StepTimeout,
		keepSucceededContext: opts.KeepSucceededContext,
		logger:               opts.Logger,
		metrics:              opts.Metrics,
	}
}

// Run drives a freshly begun turn (state.BeginTurn already called) to its
// first halt: completion, suspension, clarification or failure.
func (r *Router) Run(ctx context.Context, state *core.AgentState) (*core.Outcome, error) {
	if state.Execution.Task == nil {
		return nil, fmt.Errorf("router: turn has no task; call BeginTurn first")
	}
	return r.drive(ctx, state, nil)
}

// Resume re-enters a suspended turn with a decision for the pending approval
// request. The request must have been resolved (token consumed) by the
// approval manager before this call.
func (r *Router) Resume(ctx context.Context, state *core.AgentState, req *core.ApprovalRequest, decision core.Decision) (*core.Outcome, error) {
	pending := state.Execution.PendingApproval
	if pending == nil || pending.Token != req.Token {
		return nil, fmt.Errorf("router: resumption token does not match the pending request")
	}
	plan := state.Execution.Plan
	if plan == nil {
		return nil, fmt.Errorf("router: suspended turn has no plan")
	}
	step, ok := plan.Step(req.StepID)
	if !ok {
		return nil, fmt.Errorf("router: suspended step %s not in plan", req.StepID)
	}

	state.Execution.PendingApproval = nil
	ev := core.NewStepEvent(state.SessionID, state.Execution.TurnID, core.EventApprovalResolved, step)
	ev.Message = string(decision.Kind)
	state.AddEvent(ev)
	r.metrics.ApprovalResolved(string(decision.Kind))
	r.metrics.SetPendingApprovals(r.approvals.PendingCount())

	switch decision.Kind {
	case core.DecisionApprove:
		step.RequiresApproval = false
		step.Status = core.StatusPending

	case core.DecisionModify:
		if decision.Params != nil {
			step.Params = decision.Params
		}
		step.RequiresApproval = false
		step.Status = core.StatusPending

	case core.DecisionReject:
		step.Status = core.StatusFailed
		reason := decision.Reason
		if reason == "" {
			reason = "no reason given"
		}
		ec := core.Reclassification("step %s (%s) was rejected: %s", step.ID, step.Capability, reason).
			WithStep(step.ID, step.Capability).
			WithMetadata(metaApprovalRejected, true)
		state.AddEvent(core.NewStepEvent(state.SessionID, state.Execution.TurnID, core.EventStepFailed, step))
		return r.drive(ctx, state, ec)

	default:
		return nil, fmt.Errorf("router: unknown decision kind %q", decision.Kind)
	}

	r.logger.Info("router.resumed",
		"session_id", state.SessionID,
		"step_id", step.ID,
		"decision", string(decision.Kind),
	)
	return r.drive(ctx, state, nil)
}

// metaApprovalRejected marks a reclassification error that originated from a
// human rejecting a step, so terminal responses can explain the rejection
// instead of reporting a generic failure.
const metaApprovalRejected = "approval_rejected"

// drive is the main loop: build a plan when none is installed, execute it,
// and replan on reclassification until a terminal or suspended outcome.
// failure carries the error that triggered the current replan, if any.
func (r *Router) drive(ctx context.Context, state *core.AgentState, failure *core.ErrorClassification) (*core.Outcome, error) {
	snapshot := state.Context.Clone()

	for {
		if failure != nil {
			out := r.escalate(state, failure)
			if out != nil {
				return r.finishFailure(state, snapshot, out), nil
			}
		}

		if state.Execution.Plan == nil || failure != nil {
			plan, out := r.buildPlan(ctx, state, failure)
			if out != nil {
				if out.Status == core.OutcomeFailed {
					return r.finishFailure(state, snapshot, out), nil
				}
				return out, nil
			}
			state.Execution.Plan = plan
			state.ResetRetries()
			ev := core.NewEvent(state.SessionID, state.Execution.TurnID, core.EventPlanCreated)
			ev.Metadata = map[string]any{"plan_id": plan.ID, "steps": len(plan.Steps)}
			state.AddEvent(ev)
		}

		outcome, nextFailure := r.executePlan(ctx, state)
		if outcome != nil {
			if outcome.Status == core.OutcomeFailed {
				return r.finishFailure(state, snapshot, outcome), nil
			}
			return outcome, nil
		}
		failure = nextFailure
	}
}

// escalate applies the bounded-reclassification rule. It returns a terminal
// outcome when the budget is exhausted, or nil after consuming one replan
// attempt. Every reclassification-severity failure, whatever produced it,
// goes through here.
func (r *Router) escalate(state *core.AgentState, ec *core.ErrorClassification) *core.Outcome {
	state.Execution.LastError = ec

	if state.Execution.Reclassifications >= r.maxReclassifications {
		r.logger.Warn("router.reclassification_budget_exhausted",
			"session_id", state.SessionID,
			"attempts", state.Execution.Reclassifications,
			"error", ec.Message,
		)
		return r.failedOutcome(state, ec)
	}

	state.Execution.Reclassifications++
	r.metrics.PlanDiscarded()

	ev := core.NewEvent(state.SessionID, state.Execution.TurnID, core.EventPlanDiscarded)
	ev.Message = ec.Message
	ev.Metadata = map[string]any{"attempt": state.Execution.Reclassifications}
	state.AddEvent(ev)

	r.logger.Info("router.reclassifying",
		"session_id", state.SessionID,
		"attempt", state.Execution.Reclassifications,
		"cause", ec.Message,
	)
	state.Execution.Plan = nil
	return nil
}

// buildPlan runs classification and planning, retrying RETRIABLE failures
// within the planner budget. It returns either an installed-ready plan or a
// terminal outcome (clarification or failure). Reclassification-severity
// planning failures are escalated here so the invalid-plan path consumes
// replan attempts like any other.
func (r *Router) buildPlan(ctx context.Context, state *core.AgentState, failure *core.ErrorClassification) (*core.ExecutionPlan, *core.Outcome) {
	task := *state.Execution.Task
	start := time.Now()

	for {
		var active core.ActiveSet
		err := r.retryPlannerCall(ctx, func() error {
			var cerr error
			active, cerr = r.classifier.Classify(ctx, task, r.registry, failure)
			return cerr
		})
		if err != nil {
			ec := core.ClassifyError(err, core.SeverityFatal)
			if ec.Severity == core.SeverityRetriable {
				// Planner budget exhausted; nothing left to absorb transience.
				ec = ec.Clone()
				ec.Severity = core.SeverityFatal
			}
			return nil, r.failedOutcome(state, ec)
		}

		if active.Empty() {
			return nil, r.clarificationOutcome(state, failure)
		}

		var plan *core.ExecutionPlan
		err = r.retryPlannerCall(ctx, func() error {
			var perr error
			plan, perr = r.planner.Plan(ctx, task, active, r.registry, failure)
			return perr
		})
		if err != nil {
			ec := core.ClassifyError(err, core.SeverityFatal)
			switch ec.Severity {
			case core.SeverityReclassification:
				if out := r.escalate(state, ec); out != nil {
					return nil, out
				}
				failure = ec
				continue
			case core.SeverityRetriable:
				ec = ec.Clone()
				ec.Severity = core.SeverityFatal
				return nil, r.failedOutcome(state, ec)
			default:
				return nil, r.failedOutcome(state, ec)
			}
		}

		r.metrics.PlanBuilt(time.Since(start))
		return plan, nil
	}
}

// retryPlannerCall retries fn on RETRIABLE classification errors up to the
// planner budget. All other errors are permanent.
func (r *Router) retryPlannerCall(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.plannerRetries)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if ec, ok := core.AsClassification(err); ok && ec.Severity == core.SeverityRetriable {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// executePlan dispatches ready steps until the plan completes, suspends,
// stalls or fails. A nil outcome with a non-nil failure asks the caller to
// replan.
func (r *Router) executePlan(ctx context.Context, state *core.AgentState) (*core.Outcome, *core.ErrorClassification) {
	plan := state.Execution.Plan

	for {
		if plan.Completed() {
			return r.completedOutcome(state, plan), nil
		}

		ready := plan.Ready()
		if len(ready) == 0 {
			// Not completed and nothing dispatchable: the plan is stalled.
			ec := core.Fatal("plan %s stalled with no dispatchable step", plan.ID).
				WithMetadata("plan_id", plan.ID)
			return r.failedOutcome(state, ec), nil
		}
		step := ready[0]

		capability, ok := r.registry.Get(step.Capability)
		if !ok {
			// Validation guarantees membership; a miss here means the
			// registry changed mid-turn.
			ec := core.Fatal("capability %q vanished from the registry", step.Capability).
				WithStep(step.ID, step.Capability)
			return r.failedOutcome(state, ec), nil
		}

		if step.RequiresApproval {
			return r.suspend(state, step), nil
		}

		ec := r.executeStep(ctx, state, step, capability)
		if ec == nil {
			continue
		}

		switch ec.Severity {
		case core.SeverityApprovalRequired:
			if ec.Message != "" {
				step.Rationale = ec.Message
			}
			return r.suspend(state, step), nil

		case core.SeverityReclassification:
			step.Status = core.StatusFailed
			state.AddEvent(core.NewStepEvent(state.SessionID, state.Execution.TurnID, core.EventStepFailed, step))
			return nil, ec

		default: // FATAL
			step.Status = core.StatusFailed
			state.AddEvent(core.NewStepEvent(state.SessionID, state.Execution.TurnID, core.EventStepFailed, step))
			return r.failedOutcome(state, ec), nil
		}
	}
}

// executeStep runs one step including its RETRIABLE retry loop. It returns
// nil on success or the classification that ends the step's life in this
// plan. Retry exhaustion escalates the last error to RECLASSIFICATION.
func (r *Router) executeStep(ctx context.Context, state *core.AgentState, step *core.PlannedStep, capability core.Capability) *core.ErrorClassification {
	desc := capability.Descriptor()

	for {
		step.Status = core.StatusRunning
		state.AddEvent(core.NewStepEvent(state.SessionID, state.Execution.TurnID, core.EventStepStarted, step))

		start := time.Now()
		err := r.invoke(ctx, state, step, capability, desc)
		dur := time.Since(start)

		if err == nil {
			step.Status = core.StatusSucceeded
			state.AddEvent(core.NewStepEvent(state.SessionID, state.Execution.TurnID, core.EventStepSucceeded, step))
			r.metrics.StepExecuted(step.Capability, "succeeded", dur)
			r.logStep(step, dur, state.RetryCount(step.ID), nil)
			return nil
		}

		ec := core.ClassifyError(err, core.SeverityRetriable).WithStep(step.ID, step.Capability)
		state.Execution.LastError = ec
		r.logStep(step, dur, state.RetryCount(step.ID), ec)

		if ec.Severity != core.SeverityRetriable {
			r.metrics.StepExecuted(step.Capability, "failed", dur)
			return ec
		}

		retries := state.IncrementRetry(step.ID)
		if retries >= desc.Retry.Attempts() {
			r.metrics.StepExecuted(step.Capability, "failed", dur)
			esc := ec.Clone()
			esc.Severity = core.SeverityReclassification
			esc.Message = fmt.Sprintf("step %s exhausted %d attempts: %s", step.ID, desc.Retry.Attempts(), ec.Message)
			return esc
		}

		step.Status = core.StatusPending
		r.metrics.StepRetried()
		ev := core.NewStepEvent(state.SessionID, state.Execution.TurnID, core.EventStepRetried, step)
		ev.Metadata = map[string]any{"attempt": retries + 1}
		state.AddEvent(ev)

		if werr := r.waitRetry(ctx, desc.Retry, retries); werr != nil {
			return core.Fatal("turn cancelled while waiting to retry step %s", step.ID).
				WithStep(step.ID, step.Capability)
		}
	}
}

// invoke performs a single capability execution with the step timeout and
// merges staged context writes on success.
func (r *Router) invoke(ctx context.Context, state *core.AgentState, step *core.PlannedStep, capability core.Capability, desc core.CapabilityDescriptor) error {
	timeout := desc.Timeout
	if timeout == 0 {
		timeout = r.stepTimeout
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	view := core.NewContextView(state.Context.Clone(), desc.Provides)
	err := capability.Execute(execCtx, step.Params, view)
	if err != nil {
		if ctx.Err() != nil {
			return core.Fatal("turn cancelled during step %s: %v", step.ID, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded {
			sev := desc.TimeoutSeverity
			if sev == "" {
				sev = core.SeverityRetriable
			}
			return &core.ErrorClassification{
				Severity: sev,
				Message:  fmt.Sprintf("step %s timed out after %s", step.ID, timeout),
			}
		}
		return err
	}

	state.MergeContext(view.Updates())
	return nil
}

// waitRetry sleeps the step's backoff, grown exponentially per retry, or
// returns early on context cancellation.
func (r *Router) waitRetry(ctx context.Context, policy core.RetryPolicy, retries int) error {
	if policy.Backoff <= 0 {
		return nil
	}
	delay := policy.Backoff
	for i := 1; i < retries; i++ {
		delay *= 2
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// suspend halts the turn on the step and records the pending request.
func (r *Router) suspend(state *core.AgentState, step *core.PlannedStep) *core.Outcome {
	step.Status = core.StatusAwaitingApproval

	req, err := r.approvals.Suspend(state.SessionID, state.Execution.TurnID, step)
	if err != nil {
		return r.failedOutcome(state, core.Fatal("suspend step %s: %v", step.ID, err).WithStep(step.ID, step.Capability))
	}
	state.Execution.PendingApproval = req

	ev := core.NewStepEvent(state.SessionID, state.Execution.TurnID, core.EventApprovalRequested, step)
	ev.Message = step.Rationale
	state.AddEvent(ev)
	r.metrics.SetPendingApprovals(r.approvals.PendingCount())

	rationale := step.Rationale
	if rationale == "" {
		rationale = fmt.Sprintf("step %s (%s) needs your sign-off before it runs", step.ID, step.Capability)
	}
	return &core.Outcome{
		Status:   core.OutcomeSuspended,
		Response: fmt.Sprintf("Awaiting your decision: %s", rationale),
		Approval: req,
	}
}

func (r *Router) completedOutcome(state *core.AgentState, plan *core.ExecutionPlan) *core.Outcome {
	ev := core.NewEvent(state.SessionID, state.Execution.TurnID, core.EventTurnCompleted)
	ev.Metadata = map[string]any{"plan_id": plan.ID, "steps": len(plan.Steps)}
	state.AddEvent(ev)
	r.metrics.TurnCompleted("completed")

	return &core.Outcome{
		Status:   core.OutcomeCompleted,
		Response: fmt.Sprintf("Completed %q in %d steps.", plan.Task.Objective, len(plan.Steps)),
	}
}

// clarificationOutcome ends the turn because no capability applies. When the
// empty set followed a human rejection, the response explains the rejection
// instead of asking for clarification out of nowhere.
func (r *Router) clarificationOutcome(state *core.AgentState, failure *core.ErrorClassification) *core.Outcome {
	ev := core.NewEvent(state.SessionID, state.Execution.TurnID, core.EventClarification)
	state.AddEvent(ev)
	r.metrics.TurnCompleted("clarification")

	task := state.Execution.Task
	if failure != nil {
		if rejected, _ := failure.Metadata[metaApprovalRejected].(bool); rejected {
			return &core.Outcome{
				Status:   core.OutcomeNeedsClarification,
				Response: fmt.Sprintf("The required action was not approved, so the task cannot proceed: %s", failure.Message),
			}
		}
	}
	return &core.Outcome{
		Status:   core.OutcomeNeedsClarification,
		Response: fmt.Sprintf("No available capability applies to %q. Could you rephrase or add detail?", task.Objective),
	}
}

func (r *Router) failedOutcome(state *core.AgentState, ec *core.ErrorClassification) *core.Outcome {
	state.Execution.LastError = ec
	ev := core.NewEvent(state.SessionID, state.Execution.TurnID, core.EventTurnFailed)
	ev.Message = ec.Message
	state.AddEvent(ev)
	r.metrics.TurnCompleted("failed")

	response := fmt.Sprintf("The task could not be completed: %s", ec.Message)
	if rejected, _ := ec.Metadata[metaApprovalRejected].(bool); rejected {
		response = fmt.Sprintf("The task ended because the required action was not approved: %s", ec.Message)
	}
	return &core.Outcome{
		Status:   core.OutcomeFailed,
		Response: response,
		Error:    ec,
	}
}

// finishFailure applies the context-retention policy to a failed outcome.
// Context merged by succeeded steps is kept by default; with retention
// disabled, the snapshot taken when this call started is restored.
func (r *Router) finishFailure(state *core.AgentState, snapshot core.ContextData, out *core.Outcome) *core.Outcome {
	if !r.keepSucceededContext {
		state.Context = snapshot
	}
	return out
}

func (r *Router) logStep(step *core.PlannedStep, dur time.Duration, retries int, ec *core.ErrorClassification) {
	args := []any{
		"step_id", step.ID,
		"capability", step.Capability,
		"duration", dur.String(),
		"retries", retries,
	}
	if ec != nil {
		args = append(args, "severity", string(ec.Severity), "error", ec.Message)
		r.logger.Warn("router.step_failed", args...)
		return
	}
	r.logger.Info("router.step_succeeded", args...)
}
