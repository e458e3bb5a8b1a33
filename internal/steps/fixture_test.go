package steps

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/store"
	"github.com/roach88/beetle/internal/uniqueness"
)

var runAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var fixtureSchema = []string{
	`CREATE TABLE organisations (
		id INTEGER PRIMARY KEY,
		name TEXT,
		address TEXT,
		external_source TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`,
	`CREATE TABLE departments (
		id INTEGER PRIMARY KEY,
		name VARCHAR(255),
		organisation_id INTEGER REFERENCES organisations(id),
		external_source TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`,
}

var (
	organisations = ir.Transformation{
		TableName: "organisations",
		Columns:   []string{"name", "address"},
	}
	departments = ir.Transformation{
		TableName:  "departments",
		Columns:    []string{"name"},
		References: map[string]string{"organisation_id": "organisations"},
	}
)

// fixture is a target database with the organisations/departments schema
// and two registered external systems, crm (the run's source) and erp.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *sql.DB
	env   *Env
	erpID int64
	logs  *bytes.Buffer
}

func newFixture(t *testing.T, unique uniqueness.Policy) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	crmID, err := store.RegisterExternalSystem(ctx, st.DB(), "main", "crm")
	require.NoError(t, err)
	erpID, err := store.RegisterExternalSystem(ctx, st.DB(), "main", "erp")
	require.NoError(t, err)
	for _, ddl := range fixtureSchema {
		_, err := st.DB().Exec(ddl)
		require.NoError(t, err)
	}
	for _, table := range []string{"organisations", "departments"} {
		require.NoError(t, store.EnsureMappingTable(ctx, st.DB(), "main", table))
	}

	logs := &bytes.Buffer{}
	env := &Env{
		Schema:       "main",
		Source:       "crm",
		SystemID:     crmID,
		RunAt:        runAt,
		Unique:       unique,
		PrepareStage: true,
		Logger:       slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	return &fixture{t: t, ctx: ctx, db: st.DB(), env: env, erpID: erpID, logs: logs}
}

func (f *fixture) exec(query string, args ...any) {
	f.t.Helper()
	_, err := f.db.Exec(query, args...)
	require.NoError(f.t, err, query)
}

func (f *fixture) mustRun(steps ...Step) {
	f.t.Helper()
	for _, s := range steps {
		require.NoError(f.t, s.Run(f.ctx, f.db), s.Name())
	}
}

func (f *fixture) stageTable(tr ir.Transformation) string {
	return querysql.Qualified("main", naming.StageTableName(f.env.Source, tr.TableName))
}

// stage recreates the stage table of tr and inserts rows into it.
func (f *fixture) stage(tr ir.Transformation, rows ...map[string]any) {
	f.t.Helper()
	f.mustRun(NewCreateStage(f.env, tr))
	for _, row := range rows {
		f.insert(f.stageTable(tr), row)
	}
}

func (f *fixture) insert(table string, row map[string]any) {
	f.t.Helper()
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	f.exec(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, querysql.Columns("", cols), querysql.Placeholders(len(cols))), args...)
}

// target inserts a target row.
func (f *fixture) target(table string, row map[string]any) {
	f.t.Helper()
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = runAt.Add(-24 * time.Hour)
		row["updated_at"] = runAt.Add(-24 * time.Hour)
	}
	f.insert(querysql.Quote(table), row)
}

// mapping inserts a mapping row for system. deletedAt may be nil.
func (f *fixture) mapping(table, externalID string, targetID, system int64, deletedAt any) {
	f.t.Helper()
	past := runAt.Add(-24 * time.Hour)
	f.insert(querysql.Quote(naming.MappingsTableName(table)), map[string]any{
		"external_id":                        externalID,
		naming.MappedForeignKeyColumn(table): targetID,
		"external_system_id":                 system,
		"created_at":                         past,
		"updated_at":                         past,
		"deleted_at":                         deletedAt,
	})
}

// pipeline returns the steps after staging, in dependency order.
func (f *fixture) pipeline(tr ir.Transformation) []Step {
	return []Step{
		NewMapRelations(f.env, tr),
		NewTableDiff(f.env, tr),
		NewAssignIds(f.env, tr),
		NewLoad(f.env, tr),
	}
}

// reconcile stages rows and runs the whole pipeline of tr.
func (f *fixture) reconcile(tr ir.Transformation, rows ...map[string]any) {
	f.t.Helper()
	f.stage(tr, rows...)
	f.mustRun(f.pipeline(tr)...)
}

// transitions maps staged external ids to their transition.
func (f *fixture) transitions(tr ir.Transformation) map[string]string {
	f.t.Helper()
	rows, err := f.db.Query(fmt.Sprintf("SELECT external_id, COALESCE(transition, '') FROM %s", f.stageTable(tr)))
	require.NoError(f.t, err)
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, transition string
		require.NoError(f.t, rows.Scan(&id, &transition))
		out[id] = transition
	}
	require.NoError(f.t, rows.Err())
	return out
}

// ids maps staged external ids to their assigned id.
func (f *fixture) ids(tr ir.Transformation) map[string]int64 {
	f.t.Helper()
	rows, err := f.db.Query(fmt.Sprintf("SELECT external_id, id FROM %s", f.stageTable(tr)))
	require.NoError(f.t, err)
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var ext string
		var id sql.NullInt64
		require.NoError(f.t, rows.Scan(&ext, &id))
		out[ext] = id.Int64
	}
	require.NoError(f.t, rows.Err())
	return out
}

// mappingRow is a mapping as seen by assertions.
type mappingRow struct {
	ExternalID string
	TargetID   int64
	System     int64
	Deleted    bool
}

func (f *fixture) mappings(table string) []mappingRow {
	f.t.Helper()
	rows, err := f.db.Query(fmt.Sprintf(
		"SELECT external_id, %s, external_system_id, deleted_at IS NOT NULL FROM %s ORDER BY id",
		querysql.Quote(naming.MappedForeignKeyColumn(table)), querysql.Quote(naming.MappingsTableName(table))))
	require.NoError(f.t, err)
	defer rows.Close()
	var out []mappingRow
	for rows.Next() {
		var m mappingRow
		require.NoError(f.t, rows.Scan(&m.ExternalID, &m.TargetID, &m.System, &m.Deleted))
		out = append(out, m)
	}
	require.NoError(f.t, rows.Err())
	return out
}

// targetRow is an organisations row as seen by assertions.
type targetRow struct {
	ID             int64
	Name           sql.NullString
	Address        sql.NullString
	ExternalSource sql.NullString
	CreatedAt      sql.NullTime
	UpdatedAt      sql.NullTime
	DeletedAt      sql.NullTime
}

func (f *fixture) organisations() []targetRow {
	f.t.Helper()
	rows, err := f.db.Query(`SELECT id, name, address, external_source, created_at, updated_at, deleted_at
		FROM organisations ORDER BY id`)
	require.NoError(f.t, err)
	defer rows.Close()
	var out []targetRow
	for rows.Next() {
		var r targetRow
		require.NoError(f.t, rows.Scan(&r.ID, &r.Name, &r.Address, &r.ExternalSource, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt))
		out = append(out, r)
	}
	require.NoError(f.t, rows.Err())
	return out
}

func (f *fixture) logged(substr string) bool {
	return strings.Contains(f.logs.String(), substr)
}

func str(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }
