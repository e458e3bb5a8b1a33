// Package harness provides conformance testing for import definitions.
//
// The harness loads CUE transformations, runs a sequence of imports through
// the engine against a scratch target database, and checks the transitions
// and table state after each import.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: clients_lifecycle
//	description: "What this scenario validates"
//	transformations: ../transformations
//	external_source: crm
//	systems: [erp]
//	attach: [source]
//	schema:
//	  - CREATE TABLE clients (...)
//	imports:
//	  - name: first
//	    at: 2014-07-17
//	    setup:
//	      - INSERT INTO source."Client" VALUES (...)
//	    expect_transitions:
//	      clients: { CREATE: 2 }
//	    assertions:
//	      - type: row
//	        table: clients
//	        where: { name: "Mary" }
//	        expect: { id: 1, deleted_at: null }
//	      - type: row_count
//	        table: clients_external_system_mappings
//	        count: 2
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - row: exactly one row matches where and carries the expected values
//   - row_count: the number of rows matching where
//
// A null in where or expect stands for SQL NULL.
//
// # Deterministic Testing
//
// Every import runs with a frozen clock set to its at timestamp inside a
// fresh database, so ids and timestamps repeat exactly across runs. The
// transition counts of every import are snapshotted for golden comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/clients.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
