package steps

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/store"
	"github.com/roach88/beetle/internal/uniqueness"
)

// Step is one unit of work in the reconciliation graph.
type Step interface {
	// Name is unique across a run, e.g. "organisations: Load".
	Name() string

	// Dependencies names the steps that must complete first.
	Dependencies() []string

	// Run executes the step against exec.
	Run(ctx context.Context, exec store.Executor) error
}

// Env carries the run-wide inputs shared by every step of a run. It is
// built once by the engine and never mutated while steps run.
type Env struct {
	// Schema holds target, mapping, stage and bookkeeping tables.
	Schema string

	// Source is the external source name written to target rows.
	Source string

	// SystemID is the external_systems id of Source.
	SystemID int64

	// RunAt stamps every created_at, updated_at and deleted_at of the run.
	RunAt time.Time

	// Unique holds the natural keys that enable CREATE_MAPPING.
	Unique uniqueness.Policy

	// PrepareStage builds CreateStage and Transform steps. When false the
	// caller fills the stage tables before the run.
	PrepareStage bool

	Logger *slog.Logger
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Build expands transformations into steps, in declaration order.
func Build(env *Env, transformations []ir.Transformation) []Step {
	var out []Step
	for _, t := range transformations {
		if env.PrepareStage {
			out = append(out, NewCreateStage(env, t))
			if t.Query != "" {
				out = append(out, NewTransform(env, t))
			}
		}
		out = append(out,
			NewMapRelations(env, t),
			NewTableDiff(env, t),
			NewAssignIds(env, t),
			NewLoad(env, t),
		)
	}
	return out
}

// base holds what every step of one table shares.
type base struct {
	env  *Env
	t    ir.Transformation
	kind string
	deps []string
	q    tableSQL
}

func newBase(env *Env, t ir.Transformation, kind string, deps ...string) base {
	return base{
		env:  env,
		t:    t,
		kind: kind,
		deps: deps,
		q:    newTableSQL(env.Schema, env.Source, t.TableName),
	}
}

func (b base) Name() string { return naming.StepName(b.t.TableName, b.kind) }

func (b base) Dependencies() []string {
	out := make([]string, len(b.deps))
	copy(out, b.deps)
	return out
}

func (b base) log() *slog.Logger {
	return b.env.logger().With("step", b.Name())
}

// stageName returns the unquoted stage table name.
func (b base) stageName() string {
	return naming.StageTableName(b.env.Source, b.t.TableName)
}

// loadDeps names the Load steps of every referenced table.
func (b base) loadDeps() []string {
	var deps []string
	for _, ref := range b.t.ReferencedTables() {
		deps = append(deps, naming.StepName(ref, naming.KindLoad))
	}
	return deps
}

// exec runs query with the subset of named args it references.
func (b base) exec(ctx context.Context, exec store.Executor, query string, args ...sql.NamedArg) (int64, error) {
	res, err := exec.ExecContext(ctx, query, usedArgs(query, args)...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// args returns the named parameters common to all statements of a run.
func (b base) args() []sql.NamedArg {
	return []sql.NamedArg{
		sql.Named("sys", b.env.SystemID),
		sql.Named("source", b.env.Source),
		sql.Named("run_at", b.env.RunAt.UTC()),
	}
}

// queryKeys returns up to limit values of the first column of query.
func (b base) queryKeys(ctx context.Context, exec store.Executor, query string, args ...sql.NamedArg) ([]string, error) {
	rows, err := exec.QueryContext(ctx, query, usedArgs(query, args)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key sql.NullString
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key.String)
	}
	return keys, rows.Err()
}

// payloadColumns returns the stage columns compared and loaded, in stage
// order: everything except bookkeeping, limited to columns the target has.
func (b base) payloadColumns(ctx context.Context, exec store.Executor) ([]string, error) {
	stageCols, err := store.ColumnNames(ctx, exec, b.env.Schema, b.stageName())
	if err != nil {
		return nil, err
	}
	if len(stageCols) == 0 {
		return nil, fmt.Errorf("stage table %s does not exist", b.stageName())
	}
	targetCols, err := store.ColumnNames(ctx, exec, b.env.Schema, b.t.TableName)
	if err != nil {
		return nil, err
	}
	inTarget := make(map[string]bool, len(targetCols))
	for _, c := range targetCols {
		inTarget[c] = true
	}

	var cols []string
	for _, c := range stageCols {
		if IsReservedColumn(c) {
			continue
		}
		if !inTarget[c] {
			b.log().Debug("stage column not in target, ignored", "column", c)
			continue
		}
		cols = append(cols, c)
	}
	return cols, nil
}

var reservedColumns = map[string]bool{
	"id":                true,
	"external_id":       true,
	"external_source":   true,
	"transition":        true,
	"mapped_foreign_id": true,
	"created_at":        true,
	"updated_at":        true,
	"deleted_at":        true,
}

// IsReservedColumn reports whether column is stage or target bookkeeping
// and therefore never part of a payload.
func IsReservedColumn(column string) bool {
	return reservedColumns[column] || naming.IsExternalForeignKeyColumn(column)
}

func usedArgs(query string, args []sql.NamedArg) []any {
	var out []any
	for _, a := range args {
		if strings.Contains(query, ":"+a.Name) {
			out = append(out, a)
		}
	}
	return out
}

// lit renders a transition as a SQL string literal.
func lit(t ir.Transition) string {
	return "'" + t.String() + "'"
}

// tableSQL holds the quoted identifiers of one table's reconciliation.
type tableSQL struct {
	stage    string
	target   string
	mappings string
	fk       string
}

func newTableSQL(schema, source, table string) tableSQL {
	return tableSQL{
		stage:    querysql.Qualified(schema, naming.StageTableName(source, table)),
		target:   querysql.Qualified(schema, table),
		mappings: querysql.Qualified(schema, naming.MappingsTableName(table)),
		fk:       querysql.Quote(naming.MappedForeignKeyColumn(table)),
	}
}
