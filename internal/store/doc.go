// Package store provides the SQLite-backed target store.
//
// The store owns three kinds of state:
//   - Bookkeeping tables in the target schema: external_systems and
//     id_sequences, plus one <table>_external_system_mappings table per
//     imported table
//   - Import run history in the main schema: import_runs and
//     import_run_steps
//   - Nothing else: target tables belong to the application and are never
//     created or migrated here
//
// # Executors
//
// Every helper that reconciliation steps call takes an Executor, which is
// satisfied by both *sql.DB and *sql.Tx. This lets the engine choose the
// transaction scope (none, per step, per run) without the steps knowing.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - A single open connection: statements from concurrent steps queue on
//     it, so a step holding a transaction must only use that transaction
//
// # Mapping invariants
//
// Mapping tables carry two partial unique indexes so the store itself rejects
// a second live mapping per (external_system_id, external_id) and per
// (external_system_id, target id).
package store
