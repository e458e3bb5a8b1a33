// Package steps implements the per-table reconciliation pipeline.
//
// Every transformation expands into the same chain of steps:
//
//	CreateStage -> Transform -> MapRelations -> TableDiff -> AssignIds -> Load
//
// CreateStage and Transform are only built when the engine prepares the stage
// itself; Transform only when the transformation carries a query.
// MapRelations and Load additionally depend on the Load step of every
// referenced table, so a referenced table is fully reconciled before any row
// pointing at it is.
//
// Steps hold no connection. They run against the store.Executor they are
// handed, which lets the engine pick the transaction scope.
package steps
