// Package engine runs one import: it turns transformations into a step
// graph, executes it under a failure policy and records the run.
//
// # Run flow
//
//  1. Validate transformations and the uniqueness policy
//  2. Resolve the external source to its external_systems id
//  3. Capture the run timestamp once; every row written by the run carries it
//  4. Build steps and validate the graph (unknown dependencies, cycles)
//  5. Record the run in import_runs
//  6. Execute the graph with the task runner
//  7. Mark the run succeeded or failed and persist per-step results
//
// Configuration errors are returned before any step runs and before any run
// is recorded.
//
// # Failure policy
//
//   - PolicyRun: one transaction for the whole run, rolled back on failure
//   - PolicyStep: one transaction per step; completed steps stay committed
//   - PolicyNone: statements auto-commit
//
// The store holds a single connection. Under PolicyRun the transaction owns
// it for the whole run, so run history is written before the transaction
// begins and after it ends.
package engine
