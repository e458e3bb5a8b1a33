package steps

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/store"
)

// keySample caps the offending keys reported in a DataError.
const keySample = 5

// TableDiff classifies every staged row into exactly one transition and
// synthesizes DELETE rows for mapped records absent from the batch.
//
// Each transition is one set-based statement guarded by transition IS NULL.
// The predicates only read external ids and payloads, never transitions
// (except to skip synthesized DELETE rows), so the statements run
// concurrently.
type TableDiff struct {
	base
}

// NewTableDiff returns the TableDiff step for t.
func NewTableDiff(env *Env, t ir.Transformation) *TableDiff {
	return &TableDiff{base: newBase(env, t, naming.KindTableDiff,
		naming.StepName(t.TableName, naming.KindMapRelations))}
}

// Run implements Step.
func (s *TableDiff) Run(ctx context.Context, exec store.Executor) error {
	if err := store.EnsureMappingTable(ctx, exec, s.env.Schema, s.t.TableName); err != nil {
		return err
	}
	payload, err := s.payloadColumns(ctx, exec)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Name(), err)
	}
	fields, _ := s.env.Unique.Fields(s.t.TableName)

	if err := s.checkStage(ctx, exec, fields); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tr := range ir.Transitions {
		query, err := s.classify(tr, payload, fields)
		if err != nil {
			return err
		}
		if query == "" {
			continue
		}
		g.Go(func() error {
			n, err := s.exec(gctx, exec, query, s.args()...)
			if err != nil {
				return fmt.Errorf("classify %s %s: %w", s.t.TableName, tr, err)
			}
			s.log().Debug("classified", "transition", tr.String(), "rows", n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return s.checkClassified(ctx, exec)
}

// classify returns the statement that assigns tr, or "" when tr cannot
// occur for this table.
func (s *TableDiff) classify(tr ir.Transition, payload, fields []string) (string, error) {
	q := s.q
	live := fmt.Sprintf(`SELECT 1 FROM %s AS m JOIN %s AS t ON t.id = m.%s WHERE %s`,
		q.mappings, q.target, q.fk, q.liveMapping("m", "s.external_id"))

	switch tr {
	case ir.TransitionCreate:
		where := q.unmapped("s")
		if len(fields) > 0 {
			where += fmt.Sprintf(` AND NOT EXISTS (SELECT 1 FROM %s AS t WHERE %s)`, q.target, q.claims("s", "t", fields))
		}
		return s.mark(tr, where), nil

	case ir.TransitionCreateMapping:
		if len(fields) == 0 {
			return "", nil
		}
		claims := q.claims("s", "t", fields)
		return fmt.Sprintf(`UPDATE %s AS s SET transition = %s,
			mapped_foreign_id = (SELECT t.id FROM %s AS t WHERE %s ORDER BY t.id LIMIT 1)
			WHERE s.transition IS NULL AND EXISTS (SELECT 1 FROM %s AS t WHERE %s)`,
			q.stage, lit(tr), q.target, claims, q.target, claims), nil

	case ir.TransitionUpdate:
		return s.mark(tr, fmt.Sprintf(`EXISTS (%s AND t.deleted_at IS NULL AND %s)`,
			live, querysql.NullSafeDistinct("t", "s", payload))), nil

	case ir.TransitionKeep:
		return s.mark(tr, fmt.Sprintf(`EXISTS (%s AND t.deleted_at IS NULL AND %s)`,
			live, querysql.NullSafeEqual("t", "s", payload))), nil

	case ir.TransitionReinstate:
		return s.mark(tr, fmt.Sprintf(`(EXISTS (%s AND t.deleted_at IS NOT NULL) OR (NOT %s AND %s))`,
			live, q.hasLive("s.external_id"), q.hasReinstatable("s.external_id"))), nil

	case ir.TransitionDelete:
		where := fmt.Sprintf(`m.external_system_id = :sys AND m.deleted_at IS NULL
			AND NOT EXISTS (SELECT 1 FROM %s AS x WHERE x.external_id = m.external_id)`, q.stage)
		if len(fields) > 0 {
			where += fmt.Sprintf(`
			AND NOT EXISTS (SELECT 1 FROM %s AS t JOIN %s AS s ON %s WHERE t.id = m.%s)`,
				q.target, q.stage, q.claims("s", "t", fields), q.fk)
		}
		return fmt.Sprintf(`INSERT INTO %s (external_id, transition)
			SELECT m.external_id, %s FROM %s AS m WHERE %s`,
			q.stage, lit(tr), q.mappings, where), nil

	default:
		return "", fmt.Errorf("classify %s: unhandled transition %s", s.t.TableName, tr)
	}
}

func (s *TableDiff) mark(tr ir.Transition, where string) string {
	return fmt.Sprintf(`UPDATE %s AS s SET transition = %s WHERE s.transition IS NULL AND %s`,
		s.q.stage, lit(tr), where)
}

// checkStage rejects batches that cannot be classified unambiguously.
func (s *TableDiff) checkStage(ctx context.Context, exec store.Executor, fields []string) error {
	table := s.t.TableName
	q := s.q

	var missing int64
	if err := exec.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE external_id IS NULL`, q.stage)).Scan(&missing); err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if missing > 0 {
		return &DataError{Code: ErrCodeMissingExternalID, Table: table,
			Message: fmt.Sprintf("%d staged rows without external_id", missing)}
	}

	dups, err := s.queryKeys(ctx, exec, fmt.Sprintf(
		`SELECT external_id FROM %s WHERE external_id IS NOT NULL GROUP BY external_id HAVING COUNT(*) > 1 ORDER BY external_id LIMIT %d`,
		q.stage, keySample))
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if len(dups) > 0 {
		return &DataError{Code: ErrCodeDuplicateExternalID, Table: table, Message: "external_id staged more than once", Keys: dups}
	}

	if len(fields) == 0 {
		return nil
	}
	ambiguous, err := s.queryKeys(ctx, exec, fmt.Sprintf(
		`SELECT s.external_id FROM %s AS s
		WHERE s.transition IS NULL AND (SELECT COUNT(*) FROM %s AS t WHERE %s) > 1
		ORDER BY s.external_id LIMIT %d`,
		q.stage, q.target, q.claims("s", "t", fields), keySample), s.args()...)
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if len(ambiguous) > 0 {
		return &DataError{Code: ErrCodeAmbiguousClaim, Table: table, Message: "natural key matches more than one target row", Keys: ambiguous}
	}
	return nil
}

// checkClassified verifies every row got exactly one transition and no
// target is claimed twice.
func (s *TableDiff) checkClassified(ctx context.Context, exec store.Executor) error {
	table := s.t.TableName

	left, err := s.queryKeys(ctx, exec, fmt.Sprintf(
		`SELECT external_id FROM %s WHERE transition IS NULL ORDER BY external_id LIMIT %d`, s.q.stage, keySample))
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if len(left) > 0 {
		return &DataError{Code: ErrCodeUnclassifiedRow, Table: table, Message: "staged rows matched no transition", Keys: left}
	}

	contested, err := s.queryKeys(ctx, exec, fmt.Sprintf(
		`SELECT mapped_foreign_id FROM %s WHERE transition = %s
		GROUP BY mapped_foreign_id HAVING COUNT(*) > 1 ORDER BY mapped_foreign_id LIMIT %d`,
		s.q.stage, lit(ir.TransitionCreateMapping), keySample))
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if len(contested) > 0 {
		return &DataError{Code: ErrCodeContestedTarget, Table: table, Message: "target rows claimed by more than one staged row", Keys: contested}
	}

	counts, err := CountTransitions(ctx, exec, s.env, table)
	if err != nil {
		return err
	}
	attrs := make([]any, 0, 2*len(counts))
	for _, tr := range ir.Transitions {
		attrs = append(attrs, tr.String(), counts[tr])
	}
	s.log().Debug("table diffed", attrs...)
	return nil
}

// CountTransitions returns how many staged rows of table carry each
// transition.
func CountTransitions(ctx context.Context, exec store.Executor, env *Env, table string) (map[ir.Transition]int64, error) {
	stage := querysql.Qualified(env.Schema, naming.StageTableName(env.Source, table))
	rows, err := exec.QueryContext(ctx, fmt.Sprintf(
		`SELECT transition, COUNT(*) FROM %s WHERE transition IS NOT NULL GROUP BY transition`, stage))
	if err != nil {
		return nil, fmt.Errorf("count transitions of %s: %w", table, err)
	}
	defer rows.Close()

	counts := make(map[ir.Transition]int64, len(ir.Transitions))
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan transition count: %w", err)
		}
		tr, err := ir.ParseTransition(name)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", table, err)
		}
		counts[tr] = n
	}
	return counts, rows.Err()
}
