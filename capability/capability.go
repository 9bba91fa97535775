// Package capability implements the adapter layer that lets plain Go
// functions participate in the engine as capabilities with schema-validated
// parameters, declared context contracts and uniform error classification.
package capability

import (
	"context"
	"time"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/internal/util"
	"github.com/hupe1980/planmesh/logging"
)

// Func is the signature of a wrapped capability implementation. Failures
// should be returned as *core.ErrorClassification; plain errors are wrapped
// with the adapter's fallback severity.
type Func func(ctx context.Context, params map[string]any, view *core.ContextView) error

// FunctionCapability exposes a plain Go function as a core.Capability.
//
// Responsibilities:
//   - Holds the capability descriptor (context contract, retry/approval
//     policies, timeout)
//   - Validates bound parameters against a lightweight JSON-Schema-like map
//     before execution
//   - Normalizes error handling so the router always receives a typed
//     *core.ErrorClassification
//
// A FunctionCapability has no internal mutable state after construction and
// is safe for concurrent use. The wrapped function must be idempotent for
// identical bound parameters when the retry policy allows retries.
type FunctionCapability struct {
	desc     core.CapabilityDescriptor
	params   map[string]any
	fn       Func
	fallback core.Severity
	logger   logging.Logger
}

// Options configures optional FunctionCapability behavior.
type Options struct {
	// Params is a minimal JSON-Schema-like map describing accepted bound
	// parameters; nil skips validation.
	Params map[string]any
	// FallbackSeverity classifies plain (untyped) errors returned by the
	// function. Defaults to RETRIABLE.
	FallbackSeverity core.Severity
	// Logger records execution details; defaults to NoOpLogger.
	Logger logging.Logger
}

// New constructs a FunctionCapability from a descriptor and function.
func New(desc core.CapabilityDescriptor, fn Func, optFns ...func(o *Options)) *FunctionCapability {
	opts := Options{
		FallbackSeverity: core.SeverityRetriable,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &FunctionCapability{
		desc:     desc,
		params:   opts.Params,
		fn:       fn,
		fallback: opts.FallbackSeverity,
		logger:   opts.Logger,
	}
}

// NewFromStruct derives the parameter schema from a struct via reflection. It
// is a convenience for simple argument containers.
func NewFromStruct(desc core.CapabilityDescriptor, structType any, fn Func, optFns ...func(o *Options)) *FunctionCapability {
	cap := New(desc, fn, optFns...)
	cap.params = util.SchemaFromStruct(structType)
	return cap
}

// Name returns the unique capability name used in plans and routing.
func (c *FunctionCapability) Name() string { return c.desc.Name }

// Descriptor returns the declared contract.
func (c *FunctionCapability) Descriptor() core.CapabilityDescriptor { return c.desc }

// Execute validates the bound parameters against the declared schema then
// invokes the underlying function.
//
// Error semantics:
//
//	*core.ErrorClassification (returned directly) -> forwarded unchanged
//	validation failure                            -> RECLASSIFICATION (the plan bound bad parameters)
//	other error                                   -> wrapped with the fallback severity
func (c *FunctionCapability) Execute(ctx context.Context, params map[string]any, view *core.ContextView) error {
	start := time.Now()
	c.logger.Debug("capability.execute.start", "capability", c.desc.Name)

	if c.params != nil {
		if err := util.ValidateParameters(params, c.params); err != nil {
			c.logger.Warn("capability.execute.validation_failed", "capability", c.desc.Name, "error", err.Error())
			return core.Reclassification("parameter validation failed: %v", err).
				WithMetadata("validation_error", err.Error())
		}
	}

	if err := c.fn(ctx, params, view); err != nil {
		ec := core.ClassifyError(err, c.fallback)
		c.logger.Error("capability.execute.error", "capability", c.desc.Name, "severity", string(ec.Severity), "error", ec.Message)
		return ec
	}

	c.logger.Info("capability.execute.success", "capability", c.desc.Name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
