package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/store"
)

// CreateStage drops and recreates the stage table of one transformation.
//
// Payload columns take their type from the target table. Every reference
// adds an INTEGER foreign-key column (unless the column is already declared)
// and a TEXT external_<fk> column carrying the referenced external id.
type CreateStage struct {
	base
}

// NewCreateStage returns the CreateStage step for t.
func NewCreateStage(env *Env, t ir.Transformation) *CreateStage {
	return &CreateStage{base: newBase(env, t, naming.KindCreateStage)}
}

// Run implements Step.
func (s *CreateStage) Run(ctx context.Context, exec store.Executor) error {
	table := s.t.TableName
	if len(s.t.Columns) == 0 && len(s.t.References) == 0 {
		return &StageError{Code: ErrCodeNoColumns, Table: table, Message: "transformation declares no columns and no references"}
	}

	targetCols, err := store.TableColumns(ctx, exec, s.env.Schema, table)
	if err != nil {
		return err
	}
	if len(targetCols) == 0 {
		return &StageError{Code: ErrCodeMissingTarget, Table: table, Message: fmt.Sprintf("target table does not exist in schema %s", s.env.Schema)}
	}
	types := make(map[string]string, len(targetCols))
	for _, c := range targetCols {
		types[c.Name] = c.Type
	}

	defs := []string{
		"id INTEGER",
		"external_id TEXT",
		"transition TEXT",
		"mapped_foreign_id INTEGER",
	}
	for _, col := range s.t.Columns {
		if IsReservedColumn(col) {
			return &StageError{Code: ErrCodeReservedColumn, Table: table, Column: col, Message: "column name is reserved for bookkeeping"}
		}
		typ, ok := types[col]
		if !ok {
			return &StageError{Code: ErrCodeUnknownColumn, Table: table, Column: col, Message: "column does not exist in target table"}
		}
		defs = append(defs, strings.TrimSpace(querysql.Quote(col)+" "+typ))
	}
	for _, fk := range s.t.ForeignKeys() {
		if !s.t.HasColumn(fk) {
			defs = append(defs, querysql.Quote(fk)+" INTEGER")
		}
		defs = append(defs, querysql.Quote(naming.ExternalForeignKeyColumn(fk))+" TEXT")
	}

	stage := s.q.stage
	if _, err := exec.ExecContext(ctx, "DROP TABLE IF EXISTS "+stage); err != nil {
		return fmt.Errorf("drop stage %s: %w", s.stageName(), err)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", stage, strings.Join(defs, ",\n\t"))
	if _, err := exec.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create stage %s: %w", s.stageName(), err)
	}

	if err := store.EnsureMappingTable(ctx, exec, s.env.Schema, table); err != nil {
		return err
	}
	s.log().Debug("stage created", "stage", s.stageName(), "columns", len(defs))
	return nil
}

// Transform fills the stage table by running the transformation's query.
type Transform struct {
	base
}

// NewTransform returns the Transform step for t.
func NewTransform(env *Env, t ir.Transformation) *Transform {
	return &Transform{base: newBase(env, t, naming.KindTransform,
		naming.StepName(t.TableName, naming.KindCreateStage))}
}

// Run implements Step.
func (s *Transform) Run(ctx context.Context, exec store.Executor) error {
	if s.t.Query == "" {
		return nil
	}
	query := querysql.RenderQuery(s.t.Query, s.q.stage)
	res, err := exec.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("transform %s: %w", s.t.TableName, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.log().Debug("stage filled", "rows", n)
	}
	return nil
}
