package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/planmesh/approval"
	"github.com/hupe1980/planmesh/classify"
	"github.com/hupe1980/planmesh/config"
	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/metrics"
	"github.com/hupe1980/planmesh/model"
	"github.com/hupe1980/planmesh/orchestrate"
	"github.com/hupe1980/planmesh/router"
	"github.com/hupe1980/planmesh/state"
)

// Options configures an Engine instance using the functional options pattern.
// All collaborators have in-memory defaults suitable for development and
// testing; production deployments typically supply a durable StateStore and
// a Metrics instance.
type Options struct {
	// StateStore persists agent state between turns and across suspensions.
	// Defaults to the in-memory store.
	StateStore core.StateStore

	// Classifier overrides the model-backed default built from the
	// completion service.
	Classifier router.Classifier

	// Planner overrides the model-backed default built from the completion
	// service.
	Planner router.Planner

	// MaxReclassifications bounds replanning per turn.
	MaxReclassifications int

	// PlannerRetries bounds retries of classification and planning calls on
	// transient provider failures.
	PlannerRetries int

	// ProviderFailure decides how non-transient provider failures surface:
	// RETRIABLE or FATAL.
	ProviderFailure core.Severity

	// StepTimeout caps step execution for capabilities without their own
	// timeout.
	StepTimeout time.Duration

	// KeepSucceededContext keeps context merged by succeeded steps when the
	// turn later fails.
	KeepSucceededContext bool

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// FromConfig maps a loaded configuration onto engine options.
func FromConfig(cfg *config.Config) func(o *Options) {
	return func(o *Options) {
		o.MaxReclassifications = cfg.Engine.MaxReclassifications
		o.PlannerRetries = cfg.Engine.PlannerRetries
		o.ProviderFailure = cfg.ProviderFailureSeverity()
		o.StepTimeout = cfg.Engine.StepTimeout
		o.KeepSucceededContext = cfg.Engine.KeepSucceededContext
	}
}

// Engine is the single entry point for turn processing. It owns the
// session-facing lifecycle: loading state, starting turns, orphaning stale
// approval requests, routing execution and persisting the result. All
// execution semantics live in the router; the engine adds persistence and
// input dispatch around it.
type Engine struct {
	registry  core.Registry
	store     core.StateStore
	approvals *approval.Manager
	router    *router.Router
	logger    logging.Logger
	metrics   *metrics.Metrics
}

// New creates an Engine over a capability registry and a completion service.
// The completion service may be nil when both a Classifier and a Planner are
// supplied through options.
func New(reg core.Registry, completion model.CompletionService, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		MaxReclassifications: 2,
		PlannerRetries:       2,
		ProviderFailure:      core.SeverityFatal,
		StepTimeout:          2 * time.Minute,
		KeepSucceededContext: true,
		Logger:               logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.StateStore == nil {
		opts.StateStore = state.NewInMemoryStore()
	}
	if opts.Classifier == nil {
		if completion == nil {
			return nil, fmt.Errorf("engine: a completion service is required without an explicit classifier")
		}
		opts.Classifier = classify.New(completion, func(o *classify.Options) {
			o.ProviderFailure = opts.ProviderFailure
			o.Logger = opts.Logger
		})
	}
	if opts.Planner == nil {
		if completion == nil {
			return nil, fmt.Errorf("engine: a completion service is required without an explicit planner")
		}
		opts.Planner = orchestrate.New(completion, func(o *orchestrate.Options) {
			o.ProviderFailure = opts.ProviderFailure
			o.Logger = opts.Logger
		})
	}

	approvals := approval.NewManager(func(o *approval.Options) { o.Logger = opts.Logger })
	r := router.New(opts.Classifier, opts.Planner, reg, approvals, func(o *router.Options) {
		o.MaxReclassifications = opts.MaxReclassifications
		o.PlannerRetries = opts.PlannerRetries
		o.StepTimeout = opts.StepTimeout
		o.KeepSucceededContext = opts.KeepSucceededContext
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})

	return &Engine{
		registry:  reg,
		store:     opts.StateStore,
		approvals: approvals,
		router:    r,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Handle dispatches a gateway-constructed input to the matching entry point.
// The engine never inspects raw user text; distinguishing a new task from an
// approval response is the gateway's job.
func (e *Engine) Handle(ctx context.Context, sessionID string, input core.EngineInput) (*core.Outcome, error) {
	switch in := input.(type) {
	case core.TaskInput:
		return e.HandleTask(ctx, sessionID, in.Task)
	case core.DecisionInput:
		return e.HandleDecision(ctx, in.Token, in.Decision)
	default:
		return nil, fmt.Errorf("engine: unknown input type %T", input)
	}
}

// HandleTask starts a fresh turn for the session. Any approval request still
// pending from an earlier turn is orphaned: its token becomes permanently
// invalid and the ephemeral execution state is discarded. Persistent context
// survives into the new turn.
func (e *Engine) HandleTask(ctx context.Context, sessionID string, task core.Task) (*core.Outcome, error) {
	agentState, err := e.store.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: load state for %s: %w", sessionID, err)
	}

	if orphaned := e.approvals.InvalidateSession(sessionID); orphaned > 0 {
		e.logger.Info("engine.approvals_orphaned", "session_id", sessionID, "count", orphaned)
		e.metrics.SetPendingApprovals(e.approvals.PendingCount())
	}

	turnID := core.NewID()
	agentState.BeginTurn(turnID, task)

	ev := core.NewEvent(sessionID, turnID, core.EventTurnStarted)
	ev.Message = task.Objective
	agentState.AddEvent(ev)

	e.logger.Info("engine.turn_started", "session_id", sessionID, "turn_id", turnID, "objective", task.Objective)

	outcome, err := e.router.Run(ctx, agentState)
	if err != nil {
		return nil, err
	}
	outcome.Events = turnEvents(agentState, turnID)

	if err := e.store.Save(agentState); err != nil {
		return nil, fmt.Errorf("engine: save state for %s: %w", sessionID, err)
	}
	return outcome, nil
}

// HandleDecision resumes a suspended turn with a human decision. An unknown
// or already consumed token returns approval.ErrUnknownToken.
func (e *Engine) HandleDecision(ctx context.Context, token core.ResumptionToken, decision core.Decision) (*core.Outcome, error) {
	req, err := e.approvals.Resolve(token)
	if err != nil {
		return nil, err
	}

	agentState, err := e.store.Get(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: load state for %s: %w", req.SessionID, err)
	}

	e.logger.Info("engine.decision_received",
		"session_id", req.SessionID,
		"step_id", req.StepID,
		"decision", string(decision.Kind),
	)

	outcome, err := e.router.Resume(ctx, agentState, req, decision)
	if err != nil {
		return nil, err
	}
	outcome.Events = turnEvents(agentState, req.TurnID)

	if err := e.store.Save(agentState); err != nil {
		return nil, fmt.Errorf("engine: save state for %s: %w", req.SessionID, err)
	}
	return outcome, nil
}

// State returns a snapshot of a session's current state.
func (e *Engine) State(sessionID string) (*core.AgentState, error) {
	return e.store.Get(sessionID)
}

// PendingApprovals reports the number of outstanding approval requests.
func (e *Engine) PendingApprovals() int {
	return e.approvals.PendingCount()
}

// turnEvents filters the session history down to one turn.
func turnEvents(s *core.AgentState, turnID string) []core.Event {
	var out []core.Event
	for _, ev := range s.Events() {
		if ev.TurnID == turnID {
			out = append(out, ev)
		}
	}
	return out
}
