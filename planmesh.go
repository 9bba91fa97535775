// Package planmesh provides a high-level façade over the plan execution
// engine (classification, orchestration, routed execution with recovery, and
// human-in-the-loop approvals). Most applications interact with this package
// by:
//  1. Creating a PlanMesh via New() with a completion service
//  2. Registering capabilities with descriptors (retry, approval, context contracts)
//  3. Processing tasks (ProcessTask) and resolving suspensions (Decide)
//
// The façade delegates turn processing to engine.Engine while keeping setup
// ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable state store, a
// metrics instance and a structured logger.
package planmesh

import (
	"context"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/engine"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/metrics"
	"github.com/hupe1980/planmesh/model"
	"github.com/hupe1980/planmesh/registry"
)

// Options configures the PlanMesh instance.
type Options struct {
	// StateStore persists agent state (defaults to in-memory).
	StateStore core.StateStore

	// MaxReclassifications bounds replanning per turn.
	MaxReclassifications int

	// KeepSucceededContext keeps context from succeeded steps when a turn
	// later fails.
	KeepSucceededContext bool

	// Logger defaults to NoOp if nil.
	Logger logging.Logger

	// Metrics enables Prometheus instrumentation when non-nil.
	Metrics *metrics.Metrics
}

// PlanMesh is the high-level façade aggregating the capability registry and
// the underlying engine.
type PlanMesh struct {
	registry *registry.Registry
	engine   *engine.Engine
}

// New creates a new PlanMesh instance over a completion service, with
// optional overrides.
func New(completion model.CompletionService, optFns ...func(o *Options)) (*PlanMesh, error) {
	opts := Options{
		MaxReclassifications: 2,
		KeepSucceededContext: true,
		Logger:               logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	reg := registry.New()
	e, err := engine.New(reg, completion, func(o *engine.Options) {
		o.StateStore = opts.StateStore
		o.MaxReclassifications = opts.MaxReclassifications
		o.KeepSucceededContext = opts.KeepSucceededContext
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})
	if err != nil {
		return nil, err
	}

	return &PlanMesh{registry: reg, engine: e}, nil
}

// RegisterCapability adds a capability to the registry.
func (m *PlanMesh) RegisterCapability(c core.Capability) error {
	return m.registry.Register(c)
}

// MustRegisterCapabilities registers capabilities and panics on error. Meant
// for static startup wiring where a registration failure is a programming
// mistake.
func (m *PlanMesh) MustRegisterCapabilities(caps ...core.Capability) {
	m.registry.MustRegister(caps...)
}

// ProcessTask starts a fresh turn for the session with the given objective.
func (m *PlanMesh) ProcessTask(ctx context.Context, sessionID string, task core.Task) (*core.Outcome, error) {
	return m.engine.HandleTask(ctx, sessionID, task)
}

// Decide resumes a suspended turn with a decision for its resumption token.
func (m *PlanMesh) Decide(ctx context.Context, token core.ResumptionToken, decision core.Decision) (*core.Outcome, error) {
	return m.engine.HandleDecision(ctx, token, decision)
}

// Handle dispatches a gateway-constructed EngineInput.
func (m *PlanMesh) Handle(ctx context.Context, sessionID string, input core.EngineInput) (*core.Outcome, error) {
	return m.engine.Handle(ctx, sessionID, input)
}

// State returns a snapshot of a session's current state.
func (m *PlanMesh) State(sessionID string) (*core.AgentState, error) {
	return m.engine.State(sessionID)
}

// Registry exposes the capability registry for inspection.
func (m *PlanMesh) Registry() *registry.Registry {
	return m.registry
}
