// Package tool wraps agent-facing tool functions so every call is validated,
// turned into world effects, and applied atomically against the run's world.
//
// Wrap builds the pipeline for one tool. The output contract is checked
// before any effect is derived, and invariants are checked against the
// staged batch before it commits, so a failed call leaves the world exactly
// as it was. Every call, failed or not, is recorded on the run's trace.
//
// Set collects wrapped tools by name:
//
//	tools, err := tool.Bind(specs, st, tr, logger)
//	out, err := tools.Call(ctx, "book_flight", args)
package tool
