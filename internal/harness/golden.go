package harness

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/beetle/internal/ir"
)

// Snapshot captures the transitions of every import of a scenario.
// All fields use canonical JSON serialization for deterministic comparison.
type Snapshot struct {
	ScenarioName string         `json:"scenario_name"`
	Imports      []ImportResult `json:"imports"`
}

// NewSnapshot builds the snapshot of an executed scenario.
func NewSnapshot(name string, result *Result) Snapshot {
	return Snapshot{ScenarioName: name, Imports: result.Imports}
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles maps, slices and primitives.
func (s Snapshot) toCanonicalMap() map[string]any {
	imports := make([]any, len(s.Imports))
	for i, imp := range s.Imports {
		transitions := make(map[string]any, len(imp.Transitions))
		for table, counts := range imp.Transitions {
			named := make(map[string]any, len(counts))
			for tr, n := range counts {
				named[tr] = n
			}
			transitions[table] = named
		}
		m := map[string]any{
			"name":        imp.Name,
			"run_at":      imp.RunAt.UTC().Format(time.RFC3339),
			"transitions": transitions,
		}
		// How far a failed run got depends on scheduling.
		if imp.Error != "" {
			m["failed"] = true
		} else {
			m["steps"] = imp.Steps
		}
		imports[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"imports":       imports,
	}
}

// MarshalCanonical renders the snapshot as canonical JSON.
func (s Snapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario, fails the test on unmet expectations and
// compares its snapshot against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's snapshot against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
