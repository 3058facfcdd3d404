// Package trace provides the tracing subsystem used as kiln's structured log.
//
// The trace package records the build stages, per-unit codegen and every
// external tool invocation, to help diagnose slow links and hung workers.
//
// # Usage
//
// Enable tracing via command-line flags:
//
//	kiln build --trace=- --trace-level=detail kiln.toml
//
// # Architecture
//
// The package provides several tracer implementations:
//
//   - nopTracer: zero-overhead no-op tracer when disabled
//   - StreamTracer: immediate write to output (file/stderr)
//   - RingTracer: circular buffer for crash dumps
//   - MultiTracer: combines multiple tracers
//
// # Levels
//
//   - LevelOff: no tracing
//   - LevelError: only crash dumps
//   - LevelPhase: driver and stage boundaries
//   - LevelDetail: per-unit events
//   - LevelDebug: everything including external commands
//
// # Scopes
//
//   - ScopeDriver: top-level CLI operations
//   - ScopeStage: build stages (optimize, codegen, archive, link)
//   - ScopeUnit: per compilation unit or per output artifact
//   - ScopeCommand: external tool invocations
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeStage, "link", parentID)
//	defer span.End("")
package trace
