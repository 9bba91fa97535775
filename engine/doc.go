// Package engine provides the top-level turn-processing entry point for
// PlanMesh. It wires the classifier, orchestrator, router, approval manager
// and state store into a single Engine with two operations:
//
//   - HandleTask: start a fresh turn for a session (a new user objective)
//   - HandleDecision: resume a turn suspended on a human approval
//
// The engine owns session lifecycle concerns (state load/save, turn reset,
// orphaning of stale approval requests); all execution and recovery
// semantics live in the router package.
package engine
