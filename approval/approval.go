// Package approval manages human-in-the-loop suspension. When a plan step
// requires sign-off, the router suspends the turn through a Manager, which
// mints a single-use resumption token. The caller resumes the turn later by
// presenting the token with a decision. Tokens are invalidated on resolution
// and when a new turn orphans the pending request.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
)

var (
	// ErrUnknownToken is returned when a resumption token does not match any
	// pending request. Covers tokens that never existed and tokens already
	// consumed by a prior decision.
	ErrUnknownToken = errors.New("approval: unknown or already resolved resumption token")
	// ErrStepAlreadyPending is returned when a second request is raised for a
	// step that already has one outstanding.
	ErrStepAlreadyPending = errors.New("approval: step already has a pending request")
)

// Options configure a Manager.
type Options struct {
	Logger logging.Logger
}

// Manager tracks pending approval requests keyed by resumption token. A step
// has at most one pending request at a time; resolving or orphaning a
// request permanently invalidates its token.
type Manager struct {
	mu        sync.Mutex
	pending   map[core.ResumptionToken]*core.ApprovalRequest
	bySession map[string][]core.ResumptionToken
	logger    logging.Logger
}

// NewManager creates an empty approval Manager.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		pending:   make(map[core.ResumptionToken]*core.ApprovalRequest),
		bySession: make(map[string][]core.ResumptionToken),
		logger:    opts.Logger,
	}
}

// Suspend registers a pending approval request for the step and returns it
// with a freshly minted token. Raising a second request for a step that
// already has one pending is an error.
func (m *Manager) Suspend(sessionID, turnID string, step *core.PlannedStep) (*core.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.pending {
		if req.SessionID == sessionID && req.StepID == step.ID && req.TurnID == turnID {
			return nil, fmt.Errorf("%w: step %s", ErrStepAlreadyPending, step.ID)
		}
	}

	req := &core.ApprovalRequest{
		Token:      core.ResumptionToken(core.NewID()),
		SessionID:  sessionID,
		TurnID:     turnID,
		StepID:     step.ID,
		Capability: step.Capability,
		Params:     step.Params,
		Rationale:  step.Rationale,
		Created:    time.Now().UTC(),
	}
	m.pending[req.Token] = req
	m.bySession[sessionID] = append(m.bySession[sessionID], req.Token)

	m.logger.Info("approval.suspended",
		"session_id", sessionID,
		"step_id", step.ID,
		"capability", step.Capability,
	)
	return req, nil
}

// Resolve consumes the token and returns the request it belonged to. The
// token is single-use: a second Resolve with the same token, or a Resolve
// with a token that never existed, returns ErrUnknownToken.
func (m *Manager) Resolve(token core.ResumptionToken) (*core.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	delete(m.pending, token)
	m.removeSessionToken(req.SessionID, token)

	m.logger.Info("approval.resolved", "session_id", req.SessionID, "step_id", req.StepID)
	return req, nil
}

// Peek returns the pending request for a token without consuming it.
func (m *Manager) Peek(token core.ResumptionToken) (*core.ApprovalRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[token]
	return req, ok
}

// InvalidateSession orphans every pending request for the session and
// returns how many were dropped. Called when a new turn starts so stale
// tokens from an abandoned suspension can never resume into the new turn.
func (m *Manager) InvalidateSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := m.bySession[sessionID]
	for _, token := range tokens {
		delete(m.pending, token)
	}
	delete(m.bySession, sessionID)

	if len(tokens) > 0 {
		m.logger.Info("approval.session_invalidated", "session_id", sessionID, "orphaned", len(tokens))
	}
	return len(tokens)
}

// PendingCount reports the number of outstanding requests across sessions.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) removeSessionToken(sessionID string, token core.ResumptionToken) {
	tokens := m.bySession[sessionID]
	for i, t := range tokens {
		if t == token {
			m.bySession[sessionID] = append(tokens[:i], tokens[i+1:]...)
			break
		}
	}
	if len(m.bySession[sessionID]) == 0 {
		delete(m.bySession, sessionID)
	}
}
