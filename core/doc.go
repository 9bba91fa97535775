// Package core provides the foundational domain types and interfaces used by
// PlanMesh. It defines the core abstractions for:
//
//   - Tasks (structured objectives derived from conversation)
//   - Capabilities (pluggable units of work with declared inputs/outputs,
//     retry and approval policies)
//   - Execution plans (dependency-ordered step DAGs with per-step status)
//   - Agent state (persistent cross-turn context plus ephemeral execution
//     fields owned by the router)
//   - Error classifications (the single structured-error channel interpreted
//     exclusively by the router)
//   - Approval requests, decisions and resumption tokens
//   - Trace events recording step lifecycle and recovery actions
//
// The package intentionally keeps implementation concerns (persistence,
// routing, model providers, concrete capabilities) out of scope, exposing
// small interfaces to enable custom backends and extensions.
package core
