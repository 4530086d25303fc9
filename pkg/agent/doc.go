// Package agent defines the execution-unit contract consumed by the orchestrator.
//
// The package is organised as follows:
//   - Agent and Streamer, the capabilities a unit exposes
//   - Context, the immutable per-request value threaded through every call
//   - Result and Artifact, the outcome of one unit invocation
//   - Middleware, Chain and WrapAgent for decorating units with resilience policies
//
// Resilience policies live under middleware/, provider clients under llm/ and
// internal/llmimpl/.
package agent
