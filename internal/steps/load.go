package steps

import (
	"context"
	"fmt"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/store"
)

// loadOrder is the order in which Load applies transitions. Deletes run
// before new mappings so a superseded mapping never collides with the one
// that replaces it.
var loadOrder = []ir.Transition{
	ir.TransitionCreate,
	ir.TransitionUpdate,
	ir.TransitionReinstate,
	ir.TransitionDelete,
	ir.TransitionCreateMapping,
	ir.TransitionKeep,
}

// Load writes classified rows into the target and mapping tables. Every
// timestamp it writes is the run timestamp.
type Load struct {
	base
}

// NewLoad returns the Load step for t.
func NewLoad(env *Env, t ir.Transformation) *Load {
	s := &Load{base: newBase(env, t, naming.KindLoad,
		naming.StepName(t.TableName, naming.KindAssignIds))}
	s.deps = append(s.deps, s.loadDeps()...)
	return s
}

// Run implements Step.
func (s *Load) Run(ctx context.Context, exec store.Executor) error {
	payload, err := s.payloadColumns(ctx, exec)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Name(), err)
	}
	for _, tr := range loadOrder {
		stmts, err := s.statements(tr, payload)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			n, err := s.exec(ctx, exec, stmt, s.args()...)
			if err != nil {
				return fmt.Errorf("load %s %s: %w", s.t.TableName, tr, err)
			}
			s.log().Debug("loaded", "transition", tr.String(), "rows", n)
		}
	}
	return nil
}

// statements returns the writes that apply tr, in execution order.
func (s *Load) statements(tr ir.Transition, payload []string) ([]string, error) {
	q := s.q
	rowsOf := func(t ir.Transition) string {
		return fmt.Sprintf(`FROM %s AS s WHERE s.transition = %s`, q.stage, lit(t))
	}

	switch tr {
	case ir.TransitionCreate:
		cols := append([]string{"id"}, payload...)
		return []string{
			fmt.Sprintf(`INSERT INTO %s (%s, external_source, created_at, updated_at)
				SELECT %s, :source, :run_at, :run_at %s`,
				q.target, querysql.Columns("", cols), querysql.Columns("s", cols), rowsOf(tr)),
			s.insertMappings("s.id", rowsOf(tr)),
		}, nil

	case ir.TransitionUpdate, ir.TransitionReinstate:
		set := "updated_at = :run_at, deleted_at = NULL"
		if len(payload) > 0 {
			set = querysql.Assignments("s", payload) + ", " + set
		}
		stmts := []string{
			fmt.Sprintf(`UPDATE %s AS t SET %s FROM %s AS s WHERE s.id = t.id AND s.transition = %s`,
				q.target, set, q.stage, lit(tr)),
		}
		if tr == ir.TransitionReinstate {
			stmts = append(stmts, fmt.Sprintf(`UPDATE %s AS m SET deleted_at = NULL, updated_at = :run_at
				WHERE m.id IN (
					SELECT (SELECT r.id FROM %s AS r WHERE %s ORDER BY r.id DESC LIMIT 1)
					FROM %s AS s WHERE s.transition = %s AND NOT %s
				)`,
				q.mappings, q.mappings, q.reinstatable("r", "s.external_id"),
				q.stage, lit(tr), q.hasLive("s.external_id")))
		}
		return stmts, nil

	case ir.TransitionDelete:
		return []string{
			fmt.Sprintf(`UPDATE %s AS t SET updated_at = :run_at, deleted_at = :run_at
				WHERE t.deleted_at IS NULL AND t.id IN (SELECT s.id %s)`, q.target, rowsOf(tr)),
			fmt.Sprintf(`UPDATE %s AS m SET updated_at = :run_at, deleted_at = :run_at
				WHERE m.external_system_id = :sys AND m.deleted_at IS NULL
				AND m.external_id IN (SELECT s.external_id %s)`, q.mappings, rowsOf(tr)),
		}, nil

	case ir.TransitionCreateMapping:
		if _, ok := s.env.Unique.Fields(s.t.TableName); !ok {
			return nil, nil
		}
		return []string{
			fmt.Sprintf(`UPDATE %s AS m SET updated_at = :run_at, deleted_at = :run_at
				WHERE m.external_system_id = :sys AND m.deleted_at IS NULL
				AND EXISTS (SELECT 1 %s AND s.mapped_foreign_id = m.%s AND s.external_id <> m.external_id)`,
				q.mappings, rowsOf(tr), q.fk),
			fmt.Sprintf(`UPDATE %s AS t SET updated_at = :run_at, deleted_at = NULL
				WHERE t.deleted_at IS NOT NULL AND t.id IN (SELECT s.mapped_foreign_id %s)`, q.target, rowsOf(tr)),
			s.insertMappings("s.mapped_foreign_id", rowsOf(tr)),
		}, nil

	case ir.TransitionKeep:
		return nil, nil

	default:
		return nil, fmt.Errorf("load %s: unhandled transition %s", s.t.TableName, tr)
	}
}

func (s *Load) insertMappings(targetID, from string) string {
	return fmt.Sprintf(`INSERT INTO %s (external_id, %s, external_system_id, created_at, updated_at)
		SELECT s.external_id, %s, :sys, :run_at, :run_at %s`,
		s.q.mappings, s.q.fk, targetID, from)
}
