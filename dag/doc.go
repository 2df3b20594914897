// Package dag provides the static dependency graph of pipeline stages.
//
// # Overview
//
// A graph is declared once with a Builder and then shared, read-only, by
// every window run. Each stage names the stages it depends on; the kind of
// each dependency decides what happens when the upstream does not succeed.
//
//   - Requires: the downstream stage is skipped.
//   - AllowSkipped: the downstream stage still runs when the upstream was
//     skipped, but not when it failed.
//
// # Basic Usage
//
//	g, err := dag.NewBuilder().
//	    AddStage("discover").
//	    AddStage("load", dag.Dep("discover")).
//	    AddStage("lookup", dag.Dep("discover")).
//	    AddStage("join", dag.Dep("load"), dag.Optional("lookup")).
//	    Build()
//
// # Validation
//
// Build rejects graphs with unknown dependencies (ErrStageNotFound), cycles
// (ErrCycleDetected, with the cycle path in the message), duplicate stages
// and invalid IDs. Stages() returns a deterministic topological order:
// among ready stages, IDs are taken in lexical order.
package dag
