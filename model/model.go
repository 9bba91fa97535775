package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Request captures the normalized completion input produced by the classifier
// and orchestrator.
type Request struct {
	// System carries role instructions and the output contract.
	System string `json:"system"`
	// Prompt is the task-specific user message.
	Prompt string `json:"prompt"`
	// Temperature overrides the adapter default when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`
}

// Response is the completed model output.
type Response struct {
	Text string `json:"text"`
}

// Info contains metadata about a completion service implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// CompletionService is the minimal interface the engine needs from a model
// provider. Provider failures must be returned as *ProviderError so the
// router can map them to RETRIABLE or FATAL per configuration instead of
// silently swallowing them.
type CompletionService interface {
	Complete(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the service implementation.
	Info() Info
}

// ProviderError wraps a model-provider failure. Transient marks failures
// (rate limits, 5xx, timeouts) that a retry could plausibly fix.
type ProviderError struct {
	Provider  string
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.Err }

// DecodeJSON strips markdown code fences models like to wrap JSON in, then
// unmarshals the remainder into v.
func DecodeJSON(text string, v any) error {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// MockCompletion is a scripted in-memory CompletionService for tests and
// examples. Responses are consumed in FIFO order; a scripted error is
// returned in its queue position like any other reply.
type MockCompletion struct {
	mu       sync.Mutex
	script   []scripted
	requests []Request
}

type scripted struct {
	text string
	err  error
}

// NewMockCompletion constructs a mock that replays the given responses.
func NewMockCompletion(responses ...string) *MockCompletion {
	m := &MockCompletion{}
	for _, r := range responses {
		m.script = append(m.script, scripted{text: r})
	}
	return m
}

// Respond appends a canned response to the script.
func (m *MockCompletion) Respond(text string) *MockCompletion {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scripted{text: text})
	return m
}

// Fail appends a scripted error to the script.
func (m *MockCompletion) Fail(err error) *MockCompletion {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scripted{err: err})
	return m
}

// Complete implements CompletionService, replaying the script.
func (m *MockCompletion) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.script) == 0 {
		return nil, &ProviderError{Provider: "mock", Err: fmt.Errorf("script exhausted after %d calls", len(m.requests))}
	}
	next := m.script[0]
	m.script = m.script[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &Response{Text: next.text}, nil
}

// Info implements CompletionService.
func (m *MockCompletion) Info() Info { return Info{Name: "scripted", Provider: "mock"} }

// Requests returns the requests seen so far, for assertions.
func (m *MockCompletion) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
