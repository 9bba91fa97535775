// Package model defines the LLM completion-service contract consumed by the
// classifier and orchestrator, plus helpers for decoding structured JSON
// output and a scripted mock for tests. Provider adapters live in
// subpackages (openai, anthropic); their internals are deliberately thin
// because the engine only needs a single prompt-in, text-out call per
// decision.
package model
