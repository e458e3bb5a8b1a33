package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beetle/internal/graph"
	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/runner"
	"github.com/roach88/beetle/internal/steps"
	"github.com/roach88/beetle/internal/store"
	"github.com/roach88/beetle/internal/testutil"
	"github.com/roach88/beetle/internal/uniqueness"
)

var (
	time1 = time.Date(2014, 7, 17, 0, 0, 0, 0, time.UTC)
	time2 = time.Date(2015, 2, 8, 0, 0, 0, 0, time.UTC)
	time3 = time.Date(2015, 11, 3, 0, 0, 0, 0, time.UTC)
)

const externalSource = "source_name"

var targetSchema = []string{
	`CREATE TABLE organisations (
		id INTEGER PRIMARY KEY,
		external_source TEXT,
		name VARCHAR(255),
		address VARCHAR(255),
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`,
	`CREATE TABLE departments (
		id INTEGER PRIMARY KEY,
		external_source TEXT,
		name VARCHAR(255),
		organisation_id INTEGER REFERENCES organisations(id),
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`,
	`CREATE TABLE clients (
		id INTEGER PRIMARY KEY,
		name VARCHAR(255),
		country_code VARCHAR(255),
		address VARCHAR(255),
		external_source TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`,
}

var sourceSchema = []string{
	`CREATE TABLE source."Organisation" ("pkOrgId" INTEGER, "Name" TEXT, "Adresse" TEXT, "Abteilung" TEXT)`,
	`CREATE TABLE source."Client" ("pkCliId" INTEGER, "Name" TEXT, "Land" TEXT, "Adresse" TEXT)`,
}

func exampleTransformations() []ir.Transformation {
	return []ir.Transformation{
		{
			TableName: "organisations",
			Columns:   []string{"name", "address"},
			Query: `INSERT INTO {{stage_table}} (external_id, name, address)
				SELECT DISTINCT "Name", "Name", "Adresse" FROM source."Organisation"`,
		},
		{
			TableName:  "departments",
			Columns:    []string{"name"},
			References: map[string]string{"organisation_id": "organisations"},
			Query: `INSERT INTO {{stage_table}} (external_id, external_organisation_id, name)
				SELECT '[' || "Name" || ',' || "pkOrgId" || ']', "Name", "Abteilung" FROM source."Organisation"`,
		},
		{
			TableName: "clients",
			Columns:   []string{"name", "country_code", "address"},
			Query: `INSERT INTO {{stage_table}} (external_id, name, country_code, address)
				SELECT CAST("pkCliId" AS TEXT), "Name", "Land", "Adresse" FROM source."Client"`,
		},
	}
}

var clientsUnique = uniqueness.Policy{"clients": {"name", "country_code"}}

// scenario is a target store with the example schema, an attached source
// database and the registered systems source_name (1) and different-source (2).
type scenario struct {
	t     *testing.T
	ctx   context.Context
	st    *store.Store
	db    *sql.DB
	clock *testutil.FrozenClock
	cfg   Config
}

func newScenario(t *testing.T) *scenario {
	t.Helper()
	ctx := context.Background()
	st := testutil.NewStore(t)
	require.NoError(t, st.Attach(ctx, "source", filepath.Join(t.TempDir(), "source.db")))

	testutil.MustExec(t, st.DB(), targetSchema...)
	testutil.MustExec(t, st.DB(), sourceSchema...)
	for _, name := range []string{externalSource, "different-source"} {
		_, err := store.RegisterExternalSystem(ctx, st.DB(), DefaultSchema, name)
		require.NoError(t, err)
	}

	clock := testutil.NewFrozenClock(time1)
	return &scenario{
		t:     t,
		ctx:   ctx,
		st:    st,
		db:    st.DB(),
		clock: clock,
		cfg: Config{
			Store:          st,
			ExternalSource: externalSource,
			Uniqueness:     clientsUnique,
			PrepareStage:   true,
			Clock:          clock,
		},
	}
}

func (s *scenario) exec(query string, args ...any) {
	s.t.Helper()
	_, err := s.db.Exec(query, args...)
	require.NoError(s.t, err, query)
}

// source replaces the contents of the attached source tables.
func (s *scenario) source(organisations, clients [][]any) {
	s.t.Helper()
	s.exec(`DELETE FROM source."Organisation"`)
	s.exec(`DELETE FROM source."Client"`)
	for _, row := range organisations {
		s.exec(`INSERT INTO source."Organisation" VALUES (?, ?, ?, ?)`, row...)
	}
	for _, row := range clients {
		s.exec(`INSERT INTO source."Client" VALUES (?, ?, ?, ?)`, row...)
	}
}

func (s *scenario) run(at time.Time) map[string]ir.StepResult {
	s.t.Helper()
	s.clock.Set(at)
	results, err := Run(s.ctx, s.cfg, exampleTransformations())
	require.NoError(s.t, err)
	return results
}

// rows renders every row of query as "a|b|c". Timestamps render as t1, t2
// or t3 and NULL as NULL.
func (s *scenario) rows(query string) []string {
	s.t.Helper()
	rows, err := s.db.Query(query)
	require.NoError(s.t, err, query)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(s.t, err)
	var out []string
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		require.NoError(s.t, rows.Scan(ptrs...))
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = render(v)
		}
		out = append(out, strings.Join(fields, "|"))
	}
	require.NoError(s.t, rows.Err())
	return out
}

func render(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		for label, t := range map[string]time.Time{"t1": time1, "t2": time2, "t3": time3} {
			if v.Equal(t) {
				return label
			}
		}
		return v.UTC().Format(time.RFC3339)
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

func (s *scenario) organisations() []string {
	return s.rows(`SELECT id, name, address, external_source, created_at, updated_at, deleted_at FROM organisations ORDER BY id`)
}

func (s *scenario) departments() []string {
	return s.rows(`SELECT id, name, organisation_id, external_source, created_at, updated_at, deleted_at FROM departments ORDER BY id`)
}

func (s *scenario) clients() []string {
	return s.rows(`SELECT id, name, country_code, address, external_source, created_at, updated_at, deleted_at FROM clients ORDER BY id`)
}

func (s *scenario) mappings(table, fk string) []string {
	return s.rows(fmt.Sprintf(`SELECT external_id, %s, external_system_id, deleted_at FROM %s ORDER BY external_id`, fk, table))
}

func (s *scenario) transitions(table string) map[ir.Transition]int64 {
	s.t.Helper()
	env := &steps.Env{Schema: DefaultSchema, Source: externalSource}
	counts, err := steps.CountTransitions(s.ctx, s.db, env, table)
	require.NoError(s.t, err)
	return counts
}

var (
	import1Organisations = [][]any{
		{1, "Apple", "Apple Street", "iPhone"},
		{2, "Apple", "Apple Street", "MacBook"},
		{3, "Google", "Google Street", "Gmail"},
		{4, "Audi", "Audi Street", "A4"},
	}
	import1Clients = [][]any{
		{1, "Mary", "DE", "Mary DE address"},
		{2, "Frank", "DE", "Frank DE address"},
	}
	import2Organisations = [][]any{
		{1, "Apple", "Apple Street", "iPhone"},
		{2, "Apple", "Apple Street", "MacBook"},
		{3, "Google", "NEW Google Street", "Google+"},
	}
	import2Clients = [][]any{
		{1, "Mary", "DE", "NEW Mary DE address"},
		{2, "Frank", "DE", "Frank DE address"},
		{3, "John", "BR", "John BR address"},
	}
	import3Organisations = [][]any{
		{1, "Apple", "Apple Street", "iPhone"},
		{2, "Apple", "Apple Street", "MacBook"},
		{3, "Google", "NEW Google Street", "Google+"},
		{4, "Audi", "NEW Audi Street", "A4"},
	}
)

// legacyClients are target rows with no mapping, as left by another loader.
func (s *scenario) legacyClients() {
	s.exec(`INSERT INTO clients (id, name, country_code, address, created_at, updated_at)
		VALUES (99, 'Mary', 'BR', 'Mary BR address', ?, ?), (100, 'Mary', 'DE', 'Mary DE address', ?, ?)`,
		time1, time1, time1, time1)
}

func (s *scenario) import1() {
	s.t.Helper()
	s.source(import1Organisations, import1Clients)
	s.legacyClients()
	s.run(time1)

	assert.Equal(s.t, []string{
		"1|Apple|Apple Street|source_name|t1|t1|NULL",
		"2|Audi|Audi Street|source_name|t1|t1|NULL",
		"3|Google|Google Street|source_name|t1|t1|NULL",
	}, s.organisations())
	assert.Equal(s.t, []string{
		"1|iPhone|1|source_name|t1|t1|NULL",
		"2|MacBook|1|source_name|t1|t1|NULL",
		"3|A4|2|source_name|t1|t1|NULL",
		"4|Gmail|3|source_name|t1|t1|NULL",
	}, s.departments())
	assert.Equal(s.t, []string{
		"99|Mary|BR|Mary BR address|NULL|t1|t1|NULL",
		"100|Mary|DE|Mary DE address|NULL|t1|t1|NULL",
		"101|Frank|DE|Frank DE address|source_name|t1|t1|NULL",
	}, s.clients())
	assert.Equal(s.t, []string{
		"1|100|1|NULL",
		"2|101|1|NULL",
	}, s.mappings("client_external_system_mappings", "client_id"))
	assert.Equal(s.t, []string{
		"Apple|1|1|NULL",
		"Audi|2|1|NULL",
		"Google|3|1|NULL",
	}, s.mappings("organisation_external_system_mappings", "organisation_id"))
	assert.Equal(s.t, []string{
		"[Apple,1]|1|1|NULL",
		"[Apple,2]|2|1|NULL",
		"[Audi,4]|3|1|NULL",
		"[Google,3]|4|1|NULL",
	}, s.mappings("department_external_system_mappings", "department_id"))

	assert.Equal(s.t, map[ir.Transition]int64{
		ir.TransitionCreate:        1,
		ir.TransitionCreateMapping: 1,
	}, s.transitions("clients"))
}

func (s *scenario) import2() {
	s.t.Helper()
	s.source(import2Organisations, import2Clients)
	s.exec(`INSERT INTO clients (id, name, country_code, address, created_at, updated_at)
		VALUES (150, 'John', 'BR', 'John BR address', ?, ?)`, time1, time1)
	s.exec(`INSERT INTO client_external_system_mappings (external_id, client_id, external_system_id, created_at, updated_at)
		VALUES ('does-not-exist-anymore', 150, 1, ?, ?)`, time1, time1)
	s.run(time2)

	assert.Equal(s.t, []string{
		"1|Apple|Apple Street|source_name|t1|t1|NULL",
		"2|Audi|Audi Street|source_name|t1|t2|t2",
		"3|Google|NEW Google Street|source_name|t1|t2|NULL",
	}, s.organisations())
	assert.Equal(s.t, []string{
		"1|iPhone|1|source_name|t1|t1|NULL",
		"2|MacBook|1|source_name|t1|t1|NULL",
		"3|A4|2|source_name|t1|t2|t2",
		"4|Google+|3|source_name|t1|t2|NULL",
	}, s.departments())
	assert.Equal(s.t, []string{
		"99|Mary|BR|Mary BR address|NULL|t1|t1|NULL",
		"100|Mary|DE|NEW Mary DE address|NULL|t1|t2|NULL",
		"101|Frank|DE|Frank DE address|source_name|t1|t1|NULL",
		"150|John|BR|John BR address|NULL|t1|t1|NULL",
	}, s.clients())
	assert.Equal(s.t, []string{
		"1|100|1|NULL",
		"2|101|1|NULL",
		"3|150|1|NULL",
		"does-not-exist-anymore|150|1|t2",
	}, s.mappings("client_external_system_mappings", "client_id"))
	assert.Equal(s.t, []string{
		"Apple|1|1|NULL",
		"Audi|2|1|t2",
		"Google|3|1|NULL",
	}, s.mappings("organisation_external_system_mappings", "organisation_id"))
	assert.Equal(s.t, []string{
		"[Apple,1]|1|1|NULL",
		"[Apple,2]|2|1|NULL",
		"[Audi,4]|3|1|t2",
		"[Google,3]|4|1|NULL",
	}, s.mappings("department_external_system_mappings", "department_id"))

	assert.Equal(s.t, map[ir.Transition]int64{
		ir.TransitionKeep:   1,
		ir.TransitionUpdate: 1,
		ir.TransitionDelete: 1,
	}, s.transitions("organisations"))
	assert.Equal(s.t, map[ir.Transition]int64{
		ir.TransitionUpdate:        1,
		ir.TransitionKeep:          1,
		ir.TransitionCreateMapping: 1,
	}, s.transitions("clients"))
}

func (s *scenario) import3() {
	s.t.Helper()
	s.source(import3Organisations, nil)
	s.run(time3)

	assert.Equal(s.t, []string{
		"1|Apple|Apple Street|source_name|t1|t1|NULL",
		"2|Audi|NEW Audi Street|source_name|t1|t3|NULL",
		"3|Google|NEW Google Street|source_name|t1|t2|NULL",
	}, s.organisations())
	assert.Equal(s.t, []string{
		"1|iPhone|1|source_name|t1|t1|NULL",
		"2|MacBook|1|source_name|t1|t1|NULL",
		"3|A4|2|source_name|t1|t3|NULL",
		"4|Google+|3|source_name|t1|t2|NULL",
	}, s.departments())
	assert.Equal(s.t, []string{
		"Apple|1|1|NULL",
		"Audi|2|1|NULL",
		"Google|3|1|NULL",
	}, s.mappings("organisation_external_system_mappings", "organisation_id"))
	assert.Equal(s.t, []string{
		"[Apple,1]|1|1|NULL",
		"[Apple,2]|2|1|NULL",
		"[Audi,4]|3|1|NULL",
		"[Google,3]|4|1|NULL",
	}, s.mappings("department_external_system_mappings", "department_id"))

	// An empty batch deletes every live client of the source; the legacy
	// row nobody claimed stays untouched.
	assert.Equal(s.t, []string{
		"99|Mary|BR|Mary BR address|NULL|t1|t1|NULL",
		"100|Mary|DE|NEW Mary DE address|NULL|t1|t3|t3",
		"101|Frank|DE|Frank DE address|source_name|t1|t3|t3",
		"150|John|BR|John BR address|NULL|t1|t3|t3",
	}, s.clients())
	assert.Equal(s.t, map[ir.Transition]int64{
		ir.TransitionKeep:      2,
		ir.TransitionReinstate: 1,
	}, s.transitions("organisations"))
}

func TestRun_AllTransitions(t *testing.T) {
	cases := []struct {
		name        string
		policy      Policy
		maxParallel int
	}{
		{"run policy unbounded", PolicyRun, 0},
		{"step policy two workers", PolicyStep, 2},
		{"no transaction serial", PolicyNone, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newScenario(t)
			s.cfg.Policy = tc.policy
			s.cfg.MaxParallel = tc.maxParallel

			s.import1()
			s.import2()
			s.import3()
		})
	}
}

func TestRun_ReturnsEveryStepResult(t *testing.T) {
	s := newScenario(t)
	s.source(import1Organisations, import1Clients)

	results := s.run(time1)

	require.Len(t, results, 18)
	for name, res := range results {
		assert.Equal(t, ir.OutcomeSucceeded, res.Outcome, name)
		assert.Equal(t, name, res.Name)
	}
	assert.Contains(t, results, "departments: Transform")
	assert.Contains(t, results, "clients: Load")
}

func TestRun_RepeatedBatchIsIdempotent(t *testing.T) {
	s := newScenario(t)
	s.source(import1Organisations, import1Clients)
	s.run(time1)
	before := [][]string{s.organisations(), s.departments(), s.clients()}

	s.run(time2)

	assert.Equal(t, before, [][]string{s.organisations(), s.departments(), s.clients()})
	assert.Equal(t, map[ir.Transition]int64{ir.TransitionKeep: 3}, s.transitions("organisations"))
	assert.Equal(t, map[ir.Transition]int64{ir.TransitionKeep: 4}, s.transitions("departments"))
	assert.Equal(t, map[ir.Transition]int64{ir.TransitionKeep: 2}, s.transitions("clients"))
}

func TestRun_IdentityIsStableAcrossDeleteAndReinstate(t *testing.T) {
	s := newScenario(t)
	s.cfg.Uniqueness = nil

	s.source(import1Organisations, nil)
	s.run(time1)
	s.source(import1Organisations[:3], nil)
	s.run(time2)
	s.source(import1Organisations, nil)
	s.run(time3)

	// Audi keeps id 2 and its department keeps id 3 throughout.
	assert.Equal(t, "2|Audi|Audi Street|source_name|t1|t3|NULL", s.organisations()[1])
	assert.Equal(t, "3|A4|2|source_name|t1|t3|NULL", s.departments()[2])
	assert.Equal(t, int64(3), testutil.Count(t, s.db, "SELECT COUNT(*) FROM organisation_external_system_mappings"))
}

func TestRun_SupersededExternalIDKeepsItsIdentity(t *testing.T) {
	s := newScenario(t)
	mary := func(id int) []any { return []any{id, "Mary", "DE", "Mary DE address"} }

	s.source(nil, [][]any{mary(1)})
	s.run(time1)
	// 7 takes over Mary through the natural key and supersedes 1.
	s.source(nil, [][]any{mary(7)})
	s.run(time2)
	require.Equal(t, []string{
		"1|1|1|t2",
		"7|1|1|NULL",
	}, s.mappings("client_external_system_mappings", "client_id"))

	s.source(nil, [][]any{mary(1), mary(7)})
	s.clock.Set(time3)
	_, err := Run(s.ctx, s.cfg, exampleTransformations())

	var de *steps.DataError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, steps.ErrCodeUnclassifiedRow, de.Code)
	assert.Equal(t, "clients", de.Table)
	assert.Equal(t, []string{"1"}, de.Keys)

	assert.Equal(t, []string{"1"}, s.rows(`SELECT id FROM clients`), "no second identity for 1")
	assert.Equal(t, []string{
		"1|1|1|t2",
		"7|1|1|NULL",
	}, s.mappings("client_external_system_mappings", "client_id"))
}

func TestRun_SoftDeleteKeepsRows(t *testing.T) {
	s := newScenario(t)
	s.cfg.Uniqueness = nil
	s.source(import1Organisations, import1Clients)
	s.run(time1)

	s.source(nil, nil)
	s.run(time2)

	assert.Equal(t, int64(3), testutil.Count(t, s.db, "SELECT COUNT(*) FROM organisations"))
	assert.Equal(t, int64(3), testutil.Count(t, s.db, "SELECT COUNT(*) FROM organisations WHERE deleted_at IS NOT NULL"))
	assert.Equal(t, int64(4), testutil.Count(t, s.db, "SELECT COUNT(*) FROM departments WHERE deleted_at IS NOT NULL"))
	assert.Equal(t, int64(0), testutil.Count(t, s.db,
		"SELECT COUNT(*) FROM department_external_system_mappings WHERE deleted_at IS NULL"))
}

func TestRun_OtherSystemMappingsUntouched(t *testing.T) {
	s := newScenario(t)
	s.cfg.Uniqueness = nil
	s.source(import1Organisations, nil)
	s.run(time1)
	s.exec(`INSERT INTO organisation_external_system_mappings (external_id, organisation_id, external_system_id, created_at, updated_at)
		VALUES ('org-1', 1, 2, ?, ?)`, time1, time1)

	s.source(nil, nil)
	s.run(time2)

	assert.Equal(t, []string{"org-1|1|2|NULL"}, s.rows(
		`SELECT external_id, organisation_id, external_system_id, deleted_at FROM organisation_external_system_mappings
		WHERE external_system_id = 2`))
}

func TestRun_UnknownExternalSource(t *testing.T) {
	s := newScenario(t)
	s.cfg.ExternalSource = "nobody"

	_, err := Run(s.ctx, s.cfg, exampleTransformations())

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeUnknownExternalSource, ce.Code)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, int64(0), testutil.Count(t, s.db, "SELECT COUNT(*) FROM import_runs"))
}

func TestRun_ConfigErrorsWriteNothing(t *testing.T) {
	orgs := exampleTransformations()[0]
	depts := exampleTransformations()[1]
	selfRef := ir.Transformation{
		TableName:  "organisations",
		Columns:    []string{"name"},
		References: map[string]string{"parent_id": "organisations"},
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		unique uniqueness.Policy
		ts     []ir.Transformation
		check  func(t *testing.T, err error)
	}{
		{
			name:   "missing store",
			mutate: func(c *Config) { c.Store = nil },
			ts:     []ir.Transformation{orgs},
			check: func(t *testing.T, err error) {
				var ce *ConfigError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, ErrCodeInvalidConfig, ce.Code)
			},
		},
		{
			name:   "unknown policy",
			mutate: func(c *Config) { c.Policy = "sometimes" },
			ts:     []ir.Transformation{orgs},
			check: func(t *testing.T, err error) {
				var ce *ConfigError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, ErrCodeInvalidConfig, ce.Code)
				assert.Contains(t, err.Error(), "sometimes")
			},
		},
		{
			name:   "negative parallelism",
			mutate: func(c *Config) { c.MaxParallel = -1 },
			ts:     []ir.Transformation{orgs},
			check: func(t *testing.T, err error) {
				var ce *ConfigError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, ErrCodeInvalidConfig, ce.Code)
			},
		},
		{
			name: "reference to a table without transformation",
			ts:   []ir.Transformation{depts},
			check: func(t *testing.T, err error) {
				var ge *graph.ConfigError
				require.ErrorAs(t, err, &ge)
				assert.Equal(t, graph.ErrCodeUnknownDependency, ge.Code)
				assert.Equal(t, []string{"organisations: Load"}, ge.Names)
			},
		},
		{
			name: "self reference",
			ts:   []ir.Transformation{selfRef},
			check: func(t *testing.T, err error) {
				assert.True(t, graph.IsCycleError(err))
			},
		},
		{
			name: "duplicate table",
			ts:   []ir.Transformation{orgs, orgs},
			check: func(t *testing.T, err error) {
				var ce *ConfigError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, ErrCodeInvalidTransformation, ce.Code)
			},
		},
		{
			name:   "natural key on a table that is not imported",
			unique: clientsUnique,
			ts:     []ir.Transformation{orgs},
			check: func(t *testing.T, err error) {
				var ce *ConfigError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, ErrCodeInvalidUniqueness, ce.Code)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newScenario(t)
			s.cfg.Uniqueness = tc.unique
			if tc.mutate != nil {
				tc.mutate(&s.cfg)
			}

			_, err := Run(s.ctx, s.cfg, tc.ts)

			require.Error(t, err)
			assert.True(t, IsConfigError(err), err.Error())
			tc.check(t, err)
			assert.Equal(t, int64(0), testutil.Count(t, s.db, "SELECT COUNT(*) FROM import_runs"))
			assert.Equal(t, int64(0), testutil.Count(t, s.db, "SELECT COUNT(*) FROM organisations"))
		})
	}
}

// duplicateDepartments stages departments keyed by organisation name, so
// Apple appears twice and TableDiff rejects the batch.
func duplicateDepartments() []ir.Transformation {
	ts := exampleTransformations()
	ts[1].Query = `INSERT INTO {{stage_table}} (external_id, external_organisation_id, name)
		SELECT "Name", "Name", "Abteilung" FROM source."Organisation"`
	return ts[:2]
}

func TestRun_RunPolicyRollsBackEverything(t *testing.T) {
	s := newScenario(t)
	s.cfg.Uniqueness = nil
	s.source(import1Organisations, nil)

	results, err := Run(s.ctx, s.cfg, duplicateDepartments())

	require.Error(t, err)
	assert.True(t, steps.IsDataError(err))
	step, ok := runner.FailedStep(err)
	require.True(t, ok)
	assert.Equal(t, "departments: TableDiff", step)
	assert.Nil(t, results, "a failed run reports no results")

	runs, err := s.st.ListRuns(s.ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	records, err := s.st.ReadStepRecords(s.ctx, runs[0].ID)
	require.NoError(t, err)
	outcomes := map[string]string{}
	for _, rec := range records {
		outcomes[rec.Step] = rec.Outcome
	}
	assert.Equal(t, "succeeded", outcomes["organisations: Load"], "history keeps finished steps")
	assert.Equal(t, "failed", outcomes["departments: TableDiff"])

	assert.Equal(t, int64(0), testutil.Count(t, s.db, "SELECT COUNT(*) FROM organisations"))
	exists, err := store.TableExists(s.ctx, s.db, DefaultSchema, "organisation_external_system_mappings")
	require.NoError(t, err)
	assert.False(t, exists, "mapping table created inside the run must roll back")
}

func TestRun_StepPolicyKeepsCompletedSteps(t *testing.T) {
	for _, policy := range []Policy{PolicyStep, PolicyNone} {
		t.Run(string(policy), func(t *testing.T) {
			s := newScenario(t)
			s.cfg.Uniqueness = nil
			s.cfg.Policy = policy
			s.source(import1Organisations, nil)

			_, err := Run(s.ctx, s.cfg, duplicateDepartments())

			var de *steps.DataError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, steps.ErrCodeDuplicateExternalID, de.Code)
			assert.Equal(t, []string{"Apple"}, de.Keys)
			assert.Equal(t, int64(3), testutil.Count(t, s.db, "SELECT COUNT(*) FROM organisations"))
			assert.Equal(t, int64(0), testutil.Count(t, s.db, "SELECT COUNT(*) FROM departments"))
		})
	}
}

func TestRun_RecordsHistory(t *testing.T) {
	s := newScenario(t)
	s.source(import1Organisations, import1Clients)
	s.run(time1)

	s.clock.Set(time2)
	s.cfg.Uniqueness = nil
	_, err := Run(s.ctx, s.cfg, duplicateDepartments())
	require.Error(t, err)

	runs, err := s.st.ListRuns(s.ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	failed, succeeded := runs[0], runs[1]
	assert.Equal(t, store.RunFailed, failed.Status)
	assert.Contains(t, failed.Error, "DUPLICATE_EXTERNAL_ID")
	assert.Equal(t, string(PolicyRun), failed.Policy)
	require.NotNil(t, failed.FinishedAt)
	assert.True(t, failed.RunAt.Equal(time2))

	assert.Equal(t, store.RunSucceeded, succeeded.Status)
	assert.Equal(t, externalSource, succeeded.ExternalSource)
	assert.Equal(t, ir.EngineVersion, succeeded.EngineVersion)
	wantHash, err := ir.TransformationsHash(exampleTransformations())
	require.NoError(t, err)
	assert.Equal(t, wantHash, succeeded.TransformationsHash)
	assert.Empty(t, succeeded.Error)

	records, err := s.st.ReadStepRecords(s.ctx, succeeded.ID)
	require.NoError(t, err)
	assert.Len(t, records, 18)
	for _, rec := range records {
		assert.Equal(t, string(ir.OutcomeSucceeded), rec.Outcome, rec.Step)
	}

	records, err = s.st.ReadStepRecords(s.ctx, failed.ID)
	require.NoError(t, err)
	var failedSteps []string
	for _, rec := range records {
		if rec.Outcome == string(ir.OutcomeFailed) {
			failedSteps = append(failedSteps, rec.Step)
			assert.Contains(t, rec.Error, "DUPLICATE_EXTERNAL_ID")
		}
	}
	assert.Equal(t, []string{"departments: TableDiff"}, failedSteps)
}

func TestRun_CancelledContext(t *testing.T) {
	s := newScenario(t)
	s.source(import1Organisations, import1Clients)
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := Run(ctx, s.cfg, exampleTransformations())

	require.Error(t, err)
	assert.Equal(t, int64(0), testutil.Count(t, s.db, "SELECT COUNT(*) FROM organisations"))
}

func TestRun_PrefilledStage(t *testing.T) {
	s := newScenario(t)
	s.cfg.Uniqueness = nil
	orgs := exampleTransformations()[0]
	s.source(import1Organisations, nil)
	s.run(time1)

	// Refill the stage by hand and run without CreateStage or Transform.
	stage := querysql.Quote(naming.StageTableName(externalSource, orgs.TableName))
	s.exec(`DELETE FROM ` + stage)
	s.exec(`INSERT INTO ` + stage + ` (external_id, name, address)
		VALUES ('Apple', 'Apple', 'Apple Street'), ('Google', 'Google', 'Google Street'), ('Audi', 'Audi', 'Other Street')`)
	s.cfg.PrepareStage = false
	s.clock.Set(time2)
	results, err := Run(s.ctx, s.cfg, []ir.Transformation{orgs})
	require.NoError(t, err)

	assert.Len(t, results, 4)
	assert.NotContains(t, results, "organisations: CreateStage")
	assert.Equal(t, "2|Audi|Other Street|source_name|t1|t2|NULL", s.organisations()[1])
}

func TestPlan(t *testing.T) {
	r, err := Plan(exampleTransformations(), clientsUnique, true)
	require.NoError(t, err)

	assert.Equal(t, 18, r.Len())
	order := r.Order()
	require.NotEmpty(t, order)
	assert.Equal(t, []string{"organisations: CreateStage", "departments: CreateStage", "clients: CreateStage"}, order[0])
	last := order[len(order)-1]
	assert.Equal(t, []string{"departments: Load"}, last)
	assert.Equal(t, []string{"departments: AssignIds", "organisations: Load"}, r.Dependencies("departments: Load"))
}

func TestPlan_WithoutStagePreparation(t *testing.T) {
	r, err := Plan(exampleTransformations(), nil, false)
	require.NoError(t, err)

	assert.Equal(t, 12, r.Len())
	assert.Empty(t, r.Dependencies("organisations: MapRelations"))
}

func TestValidate_RejectsBadTransformation(t *testing.T) {
	err := Validate([]ir.Transformation{{TableName: "t", Columns: []string{"a", "a"}}}, nil)

	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeInvalidTransformation, ce.Code)
}
