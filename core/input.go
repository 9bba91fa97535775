package core

// EngineInput is the variant type the Gateway collaborator constructs from a
// raw user message. The gateway decides whether the input starts a new task
// or resolves a pending approval; the engine never inspects raw text itself.
type EngineInput interface {
	isEngineInput()
}

// TaskInput starts a brand-new turn. If the session was suspended awaiting
// approval, the pending request is orphaned and explicitly invalidated.
type TaskInput struct {
	Task Task
}

func (TaskInput) isEngineInput() {}

// DecisionInput resolves a suspension identified by its resumption token.
type DecisionInput struct {
	Token    ResumptionToken
	Decision Decision
}

func (DecisionInput) isEngineInput() {}
