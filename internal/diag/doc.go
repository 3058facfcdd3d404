// Package diag defines the diagnostic model shared by the codegen scheduler,
// the archive builder and the link orchestrator.
//
// # Data model
//
// Diagnostic is the central record. It contains:
//
//   - Severity: tri-level enum (Info, Warning, Error) defined in severity.go.
//   - Code: compact numeric identifier (see codes.go) with stable string form.
//   - Message: human oriented text; keep it short and actionable.
//   - Subject: the unit, output path or tool the message is about.
//   - Notes: optional extra lines, e.g. captured tool output.
//
// # Emitting diagnostics
//
// Producers report through a Reporter. Single-threaded code usually writes to
// a BagReporter; codegen workers write to a Sink (or a per-worker Forwarder of
// one), which is drained into the coordinator's Reporter after all workers
// have joined. Draining is the only point where worker output reaches the
// console, so messages from different units never interleave.
//
// Package diag performs no formatting or IO. Rendering lives in
// internal/diagfmt.
package diag
