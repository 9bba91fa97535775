// Package orchestrate turns a task and an active capability set into a
// validated execution plan. The orchestrator is model-backed; the plan it
// returns has passed structural validation against the active set, so the
// router can execute it without re-checking capability names, dependencies
// or acyclicity.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/internal/util"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/model"
)

const systemPrompt = `You plan task execution for a capability-based engine.
Given a task and the capabilities selected for it, reply with a JSON object:
{"steps": [{"id": "s1", "capability": "name", "params": {...},
"depends_on": ["s0"], "effect": "read"|"write", "rationale": "why"}]}
Rules:
- Use only the listed capabilities.
- Step ids must be unique. depends_on may only reference earlier step ids.
- Mark effect "write" when the step changes external or shared state.
- Keep the plan minimal. Reply with JSON only.`

const promptTemplate = `Task: {{.objective}}
{{if .contextKeys}}Relevant context keys: {{joinStrings .contextKeys ", "}}
{{end}}Selected capabilities:
{{.capabilities}}{{if .failure}}
A previous plan failed: {{.failure}}
Produce a different plan that avoids repeating the failure.{{end}}`

// Options configure an Orchestrator.
type Options struct {
	// ProviderFailure decides how non-transient provider failures surface.
	ProviderFailure core.Severity
	Logger          logging.Logger
}

// Orchestrator builds execution plans from tasks.
type Orchestrator struct {
	completion      model.CompletionService
	providerFailure core.Severity
	logger          logging.Logger
}

// New constructs an Orchestrator over a completion service.
func New(completion model.CompletionService, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		ProviderFailure: core.SeverityFatal,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestrator{
		completion:      completion,
		providerFailure: opts.ProviderFailure,
		logger:          opts.Logger,
	}
}

type plannedStepJSON struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params"`
	DependsOn  []string       `json:"depends_on"`
	Effect     string         `json:"effect"`
	Rationale  string         `json:"rationale"`
}

// Plan builds and validates an execution plan for the task over the active
// capability set. A structurally invalid plan (hallucinated capability,
// unknown dependency, cycle, duplicate id) is returned as a
// RECLASSIFICATION error so the caller can replan from classification.
func (o *Orchestrator) Plan(
	ctx context.Context,
	task core.Task,
	active core.ActiveSet,
	reg core.Registry,
	priorFailure *core.ErrorClassification,
) (*core.ExecutionPlan, error) {
	prompt, err := o.buildPrompt(task, active, reg, priorFailure)
	if err != nil {
		return nil, core.Fatal("build planning prompt: %v", err)
	}

	resp, err := o.completion.Complete(ctx, model.Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		return nil, providerFailure(err, o.providerFailure)
	}

	var decoded struct {
		Steps []plannedStepJSON `json:"steps"`
	}
	if err := model.DecodeJSON(resp.Text, &decoded); err != nil {
		o.logger.Warn("orchestrate.decode_failed", "error", err.Error())
		return nil, core.Retriable("orchestrator returned undecodable output: %v", err)
	}

	plan := &core.ExecutionPlan{
		ID:   core.NewID(),
		Task: task,
	}
	for _, s := range decoded.Steps {
		plan.Steps = append(plan.Steps, &core.PlannedStep{
			ID:         s.ID,
			Capability: s.Capability,
			Params:     s.Params,
			DependsOn:  s.DependsOn,
			Rationale:  s.Rationale,
			Status:     core.StatusPending,
		})
	}

	if ec := plan.Validate(active); ec != nil {
		o.logger.Warn("orchestrate.invalid_plan", "plan_id", plan.ID, "error", ec.Message)
		return nil, ec
	}

	o.markApprovals(plan, decoded.Steps, reg)
	o.logger.Info("orchestrate.plan_created", "plan_id", plan.ID, "steps", len(plan.Steps))
	return plan, nil
}

// markApprovals applies each capability's approval policy. "always" gates the
// step unconditionally; "conditional" gates it when the planner marked the
// step as a write, or, absent an effect marker, when the capability declares
// Provides (it stages context writes).
func (o *Orchestrator) markApprovals(plan *core.ExecutionPlan, raw []plannedStepJSON, reg core.Registry) {
	effects := make(map[string]string, len(raw))
	for _, s := range raw {
		effects[s.ID] = s.Effect
	}

	for _, step := range plan.Steps {
		cap, ok := reg.Get(step.Capability)
		if !ok {
			continue
		}
		switch cap.Descriptor().Approval {
		case core.ApprovalAlways:
			step.RequiresApproval = true
		case core.ApprovalConditional:
			switch effects[step.ID] {
			case "write":
				step.RequiresApproval = true
			case "read":
				step.RequiresApproval = false
			default:
				step.RequiresApproval = len(cap.Descriptor().Provides) > 0
			}
		}
	}
}

func (o *Orchestrator) buildPrompt(task core.Task, active core.ActiveSet, reg core.Registry, priorFailure *core.ErrorClassification) (string, error) {
	var caps strings.Builder
	for _, name := range active.Names {
		cap, ok := reg.Get(name)
		if !ok {
			continue
		}
		d := cap.Descriptor()
		fmt.Fprintf(&caps, "- %s: %s", d.Name, d.Description)
		if len(d.Requires) > 0 {
			fmt.Fprintf(&caps, " (requires context: %s)", strings.Join(d.Requires, ", "))
		}
		caps.WriteString("\n")
	}

	failure := ""
	if priorFailure != nil {
		failure = priorFailure.Error()
	}

	return util.RenderTemplate(promptTemplate, map[string]any{
		"objective":    task.Objective,
		"contextKeys":  task.ContextKeys,
		"capabilities": caps.String(),
		"failure":      failure,
	})
}

func providerFailure(err error, configured core.Severity) *core.ErrorClassification {
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		if pe.Transient {
			return core.Retriable("completion provider: %v", pe.Err).WithMetadata("provider", pe.Provider)
		}
		ec := &core.ErrorClassification{Severity: configured, Message: fmt.Sprintf("completion provider: %v", pe.Err)}
		return ec.WithMetadata("provider", pe.Provider)
	}
	return &core.ErrorClassification{Severity: configured, Message: err.Error()}
}
