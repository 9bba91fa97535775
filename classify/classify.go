// Package classify implements capability classification: selecting the
// subset of registered capabilities relevant to a task. The classifier is
// model-backed but defensive: it only ever returns names present in the
// registry, and on reclassification it excludes the capability that caused
// the prior failure unless the failure metadata marks it unrelated.
package classify

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

// MetaUnrelatedToCapability is the failure-metadata key that, when true,
// allows the failed capability to be selected again. Consumers read metadata
// keys generically; this is merely the conventional spelling.
const MetaUnrelatedToCapability = "unrelated_to_capability"

const systemPrompt = `You select capabilities for a task-execution engine.
Given a task and a list of available capabilities, reply with a JSON object:
{"capabilities": ["name", ...]}
Select only capabilities plausibly needed for the task. Select nothing
([]) if no capability is relevant. Reply with JSON only.`

const promptTemplate = `Task: {{.objective}}
{{if .contextKeys}}Relevant context keys: {{joinStrings .contextKeys ", "}}
{{end}}Available capabilities:
{{.capabilities}}{{if .failure}}
A previous attempt failed: {{.failure}}
Do not select the capability that caused the failure unless the task cannot
be done without it.{{end}}`

// Options configure a Classifier.
type Options struct {
	// ProviderFailure decides how non-transient provider failures surface:
	// RETRIABLE or FATAL. Transient failures are always RETRIABLE.
	ProviderFailure core.Severity
	Logger          logging.Logger
}

// Classifier selects the active capability set for a task.
type Classifier struct {
	completion      model.CompletionService
	providerFailure core.Severity
	logger          logging.Logger
}

// New constructs a Classifier over a completion service.
func New(completion model.CompletionService, optFns ...func(o *Options)) *Classifier {
	opts := Options{
		ProviderFailure: core.SeverityFatal,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Classifier{
		completion:      completion,
		providerFailure: opts.ProviderFailure,
		logger:          opts.Logger,
	}
}

// Classify returns the active capability set for the task. When invoked as a
// result of reclassification, priorFailure carries the failure that
// triggered the replan. An empty set is a valid terminal answer meaning "no
// capability is even plausibly relevant"; the caller routes it to the
// clarification response.
func (c *Classifier) Classify(
	ctx context.Context,
	task core.Task,
	reg core.Registry,
	priorFailure *core.ErrorClassification,
) (core.ActiveSet, error) {
	prompt, err := c.buildPrompt(task, reg, priorFailure)
	if err != nil {
		return core.ActiveSet{}, core.Fatal("build classification prompt: %v", err)
	}

	resp, err := c.completion.Complete(ctx, model.Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		return core.ActiveSet{}, providerFailure(err, c.providerFailure)
	}

	var decoded struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := model.DecodeJSON(resp.Text, &decoded); err != nil {
		c.logger.Warn("classify.decode_failed", "error", err.Error())
		return core.ActiveSet{}, core.Retriable("classifier returned undecodable output: %v", err)
	}

	selected := c.filter(decoded.Capabilities, reg, priorFailure)
	c.logger.Info("classify.selected", "count", len(selected.Names), "capabilities", strings.Join(selected.Names, ","))
	return selected, nil
}

// filter keeps only registered names and drops the capability blamed by the
// prior failure unless the metadata says the failure was unrelated to
// capability suitability. The model is asked to do the same, but the filter
// is the guarantee.
func (c *Classifier) filter(names []string, reg core.Registry, priorFailure *core.ErrorClassification) core.ActiveSet {
	excluded := ""
	if priorFailure != nil && priorFailure.Capability != "" {
		if unrelated, _ := priorFailure.Metadata[MetaUnrelatedToCapability].(bool); !unrelated {
			excluded = priorFailure.Capability
		}
	}

	var kept []string
	for _, name := range names {
		if _, ok := reg.Get(name); !ok {
			c.logger.Warn("classify.unknown_capability_dropped", "capability", name)
			continue
		}
		if name == excluded {
			c.logger.Debug("classify.failed_capability_excluded", "capability", name)
			continue
		}
		kept = append(kept, name)
	}
	return core.NewActiveSet(kept...)
}

func (c *Classifier) buildPrompt(task core.Task, reg core.Registry, priorFailure *core.ErrorClassification) (string, error) {
	var caps strings.Builder
	for _, d := range reg.Descriptors() {
		fmt.Fprintf(&caps, "- %s: %s", d.Name, d.Description)
		if len(d.Provides) > 0 {
			fmt.Fprintf(&caps, " (provides: %s)", strings.Join(d.Provides, ", "))
		}
		if len(d.Requires) > 0 {
			fmt.Fprintf(&caps, " (requires: %s)", strings.Join(d.Requires, ", "))
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

// providerFailure maps a completion-service error onto the single structured
// error channel. Transient failures stay RETRIABLE; everything else follows
// the configured severity.
func providerFailure(err error, configured core.Severity) *core.ErrorClassification {
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		if pe.Transient {
			return core.Retriable("completion provider: %v", pe.Err).WithMetadata("provider", pe.Provider)
		}
		ec := &core.ErrorClassification{Severity: configured, Message: fmt.Sprintf("completion provider: %v", pe.Err)}
		return ec.WithMetadata("provider", pe.Provider)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.Fatal("completion cancelled: %v", err)
	}
	return &core.ErrorClassification{Severity: configured, Message: err.Error()}
}
