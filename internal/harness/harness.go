package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/beetle/internal/compiler"
	"github.com/roach88/beetle/internal/engine"
	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/steps"
	"github.com/roach88/beetle/internal/store"
	"github.com/roach88/beetle/internal/testutil"
	"github.com/roach88/beetle/internal/uniqueness"
)

// Harness runs the imports of one scenario against a private target store.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	clock    *testutil.FrozenClock
	defs     *compiler.Definitions
	unique   uniqueness.Policy
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh database under a temporary directory, so
// ids and timestamps are reproducible. Execution flow:
//  1. Create the target database and attach the scenario's databases
//  2. Load and compile the CUE transformations
//  3. Apply the schema and register the external systems
//  4. For every import: run its setup, run the engine at the import's
//     timestamp, then check transitions and assertions
//
// The returned error reports a scenario that could not be executed at all;
// unmet expectations are recorded in the Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "beetle-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "target.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, scenario, st, dir)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for _, imp := range scenario.Imports {
		if err := h.runImport(ctx, imp, result); err != nil {
			return nil, fmt.Errorf("import %s: %w", imp.Name, err)
		}
	}
	return result, nil
}

func newHarness(ctx context.Context, s *Scenario, st *store.Store, dir string) (*Harness, error) {
	for _, name := range s.Attach {
		if err := st.Attach(ctx, name, filepath.Join(dir, name+".db")); err != nil {
			return nil, err
		}
	}

	defs, err := compiler.LoadDir(s.Transformations)
	if err != nil {
		return nil, fmt.Errorf("failed to load transformations: %w", err)
	}
	unique := defs.Unique
	if s.Unique != nil {
		unique = uniqueness.Policy(s.Unique)
	}

	db := st.DB()
	for i, stmt := range s.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("schema[%d]: %w", i, err)
		}
	}
	for _, name := range append([]string{s.ExternalSource}, s.Systems...) {
		if _, err := store.RegisterExternalSystem(ctx, db, engine.DefaultSchema, name); err != nil {
			return nil, err
		}
	}

	return &Harness{
		scenario: s,
		store:    st,
		clock:    testutil.NewFrozenClock(testutil.Epoch),
		defs:     defs,
		unique:   unique,
		logger:   slog.New(slog.DiscardHandler), // Suppress logs in tests
	}, nil
}

// runImport executes one import and records its outcome in result.
func (h *Harness) runImport(ctx context.Context, imp Import, result *Result) error {
	db := h.store.DB()
	for i, stmt := range imp.Setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	at, err := imp.Time()
	if err != nil {
		return err
	}
	h.clock.Set(at)

	cfg := engine.Config{
		Store:          h.store,
		ExternalSource: h.scenario.ExternalSource,
		Uniqueness:     h.unique,
		Policy:         engine.Policy(h.scenario.Policy),
		PrepareStage:   true,
		MaxParallel:    h.scenario.MaxParallel,
		Clock:          h.clock,
		Logger:         h.logger,
	}
	results, runErr := engine.Run(ctx, cfg, h.defs.Transformations)

	rec := ImportResult{Name: imp.Name, RunAt: at, Steps: len(results)}
	switch {
	case runErr != nil && imp.ExpectError == "":
		rec.Error = runErr.Error()
		result.AddError(fmt.Sprintf("import %s: unexpected error: %v", imp.Name, runErr))
	case runErr != nil:
		rec.Error = runErr.Error()
		if !strings.Contains(rec.Error, imp.ExpectError) {
			result.AddError(fmt.Sprintf("import %s: expected error containing %q, got: %v", imp.Name, imp.ExpectError, runErr))
		}
	case imp.ExpectError != "":
		result.AddError(fmt.Sprintf("import %s: expected error containing %q, run succeeded", imp.Name, imp.ExpectError))
	}

	rec.Transitions, err = h.transitions(ctx)
	if err != nil {
		return err
	}
	for _, msg := range compareTransitions(imp.ExpectTransitions, rec.Transitions) {
		result.AddError(fmt.Sprintf("import %s: %s", imp.Name, msg))
	}

	actx := &AssertionContext{Store: h.store, Ctx: ctx}
	for _, msg := range EvaluateAssertions(imp.Assertions, actx) {
		result.AddError(fmt.Sprintf("import %s: %s", imp.Name, msg))
	}

	result.Imports = append(result.Imports, rec)
	return nil
}

// transitions counts the classified rows left in every stage table. Tables
// whose stage was never created are left out.
func (h *Harness) transitions(ctx context.Context) (map[string]map[string]int64, error) {
	db := h.store.DB()
	env := &steps.Env{Schema: engine.DefaultSchema, Source: h.scenario.ExternalSource}

	out := make(map[string]map[string]int64, len(h.defs.Transformations))
	for _, t := range h.defs.Transformations {
		exists, err := store.TableExists(ctx, db, env.Schema, naming.StageTableName(env.Source, t.TableName))
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		counts, err := steps.CountTransitions(ctx, db, env, t.TableName)
		if err != nil {
			return nil, err
		}
		named := make(map[string]int64, len(ir.Transitions))
		for _, tr := range ir.Transitions {
			named[tr.String()] = counts[tr]
		}
		out[t.TableName] = named
	}
	return out, nil
}

// compareTransitions reports every table and transition whose count differs
// from the expectation. Transitions an expectation leaves out must be zero.
func compareTransitions(expected, actual map[string]map[string]int64) []string {
	var errs []string
	for _, table := range sortedKeys(expected) {
		got, ok := actual[table]
		if !ok {
			errs = append(errs, fmt.Sprintf("transitions of %s: stage table not found", table))
			continue
		}
		for _, tr := range ir.Transitions {
			want := expected[table][tr.String()]
			if got[tr.String()] != want {
				errs = append(errs, fmt.Sprintf("transitions of %s: %s = %d, want %d", table, tr, got[tr.String()], want))
			}
		}
	}
	return errs
}
