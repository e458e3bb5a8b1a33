// Package ir provides the shared types of the reconciliation engine.
//
// This package contains plain data types only. All other internal packages
// import ir; ir imports nothing internal.
//
// Key types:
//   - Transformation: per-table descriptor (table, payload columns, references)
//   - Transition: the six reconciliation outcomes of a staged row
//   - StepResult: timing and outcome of one executed step
package ir
