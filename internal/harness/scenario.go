package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/beetle/internal/engine"
	"github.com/roach88/beetle/internal/ir"
)

// Scenario defines a conformance test scenario: a target schema, a set of
// transformations and a sequence of imports, each followed by assertions on
// the reconciled tables.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Transformations is the CUE directory holding the table definitions.
	// Relative paths are resolved against the scenario file.
	Transformations string `yaml:"transformations"`

	// ExternalSource is the system every import runs as.
	ExternalSource string `yaml:"external_source"`

	// Systems lists further external systems to register, so scenarios can
	// seed mappings that belong to someone else.
	Systems []string `yaml:"systems,omitempty"`

	// Unique overrides the natural keys declared by the transformations.
	Unique map[string][]string `yaml:"unique,omitempty"`

	// Policy is the failure policy of every import. Defaults to run.
	Policy string `yaml:"policy,omitempty"`

	// MaxParallel caps concurrently running steps.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// Attach names databases attached next to the target, each backed by a
	// fresh file, e.g. a "source" schema the queries read from.
	Attach []string `yaml:"attach,omitempty"`

	// Schema is DDL executed once before the first import.
	Schema []string `yaml:"schema"`

	// Imports run in order against the same target.
	Imports []Import `yaml:"imports"`
}

// Import is one run of the engine within a scenario.
type Import struct {
	// Name labels the import in reports and golden files.
	Name string `yaml:"name"`

	// At is the run timestamp, RFC 3339 or a plain date.
	At string `yaml:"at"`

	// Setup is SQL executed before the run, usually to refill source tables.
	Setup []string `yaml:"setup,omitempty"`

	// ExpectTransitions maps table to transition name to count. Transitions
	// left out are expected to be zero.
	ExpectTransitions map[string]map[string]int64 `yaml:"expect_transitions,omitempty"`

	// ExpectError, when set, is a substring the run's error must contain.
	ExpectError string `yaml:"expect_error,omitempty"`

	// Assertions validate the tables after the run.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Time parses At.
func (i Import) Time() (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
		if t, err := time.Parse(layout, i.At); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", i.At)
}

// Assertion validates the state of a table.
type Assertion struct {
	// Type specifies the assertion type:
	// - "row": exactly one row matches Where and carries Expect
	// - "row_count": Count rows match Where
	Type string `yaml:"type"`

	// Table is the table to query, optionally schema qualified.
	Table string `yaml:"table"`

	// Where specifies query filters. A null value matches NULL.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (used by row). Subset match;
	// a null value expects NULL.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of matching rows (used by row_count).
	Count *int64 `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRow      = "row"
	AssertRowCount = "row_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML, resolving the transformations
// directory against baseDir.
func ParseScenario(data []byte, baseDir string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: scenario file is empty")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Transformations != "" && !filepath.IsAbs(scenario.Transformations) {
		scenario.Transformations = filepath.Join(baseDir, scenario.Transformations)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Transformations == "" {
		return fmt.Errorf("transformations is required")
	}
	if s.ExternalSource == "" {
		return fmt.Errorf("external_source is required")
	}
	if _, err := engine.ParsePolicy(s.Policy); err != nil {
		return err
	}
	if s.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	for _, name := range s.Attach {
		if name == "" || name == engine.DefaultSchema || name == "temp" {
			return fmt.Errorf("attach: invalid database name %q", name)
		}
	}
	if len(s.Imports) == 0 {
		return fmt.Errorf("imports list is required and must be non-empty")
	}

	names := make(map[string]bool, len(s.Imports))
	for i, imp := range s.Imports {
		if imp.Name == "" {
			return fmt.Errorf("imports[%d]: name is required", i)
		}
		if names[imp.Name] {
			return fmt.Errorf("imports[%d]: duplicate name %q", i, imp.Name)
		}
		names[imp.Name] = true
		if _, err := imp.Time(); err != nil {
			return fmt.Errorf("imports[%d]: %w", i, err)
		}
		for table, counts := range imp.ExpectTransitions {
			for name := range counts {
				if _, err := ir.ParseTransition(name); err != nil {
					return fmt.Errorf("imports[%d]: expect_transitions.%s: %w", i, table, err)
				}
			}
		}
		for j, a := range imp.Assertions {
			if err := validateAssertion(a); err != nil {
				return fmt.Errorf("imports[%d].assertions[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	if a.Table == "" {
		return fmt.Errorf("table is required")
	}
	switch a.Type {
	case AssertRow:
		if len(a.Where) == 0 {
			return fmt.Errorf("row assertion requires where")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("row assertion requires expect")
		}
	case AssertRowCount:
		if a.Count == nil {
			return fmt.Errorf("row_count assertion requires count")
		}
	default:
		return fmt.Errorf("invalid type %q: must be %s or %s", a.Type, AssertRow, AssertRowCount)
	}
	return nil
}
