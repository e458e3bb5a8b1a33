package steps

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/store"
)

// AssignIds gives every classified row the id of the target row it writes.
//
//   - CREATE rows get fresh ids from the table's sequence, numbered in
//     external_id order so a batch is assigned deterministically
//   - CREATE_MAPPING rows take the claimed target's id
//   - every other row recovers the id from its mapping
type AssignIds struct {
	base
}

// NewAssignIds returns the AssignIds step for t.
func NewAssignIds(env *Env, t ir.Transformation) *AssignIds {
	return &AssignIds{base: newBase(env, t, naming.KindAssignIds,
		naming.StepName(t.TableName, naming.KindTableDiff))}
}

// Run implements Step.
func (s *AssignIds) Run(ctx context.Context, exec store.Executor) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.assignNew(gctx, exec) })
	g.Go(func() error { return s.recoverMapped(gctx, exec) })
	g.Go(func() error { return s.assignClaimed(gctx, exec) })
	if err := g.Wait(); err != nil {
		return err
	}

	missing, err := s.queryKeys(ctx, exec, fmt.Sprintf(
		`SELECT external_id FROM %s WHERE id IS NULL ORDER BY external_id LIMIT %d`, s.q.stage, keySample))
	if err != nil {
		return fmt.Errorf("check ids of %s: %w", s.t.TableName, err)
	}
	if len(missing) > 0 {
		return &DataError{Code: ErrCodeUnassignedID, Table: s.t.TableName, Message: "classified rows received no id", Keys: missing}
	}
	return nil
}

func (s *AssignIds) assignNew(ctx context.Context, exec store.Executor) error {
	var n int64
	count := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE transition = %s`, s.q.stage, lit(ir.TransitionCreate))
	if err := exec.QueryRowContext(ctx, count).Scan(&n); err != nil {
		return fmt.Errorf("count new rows of %s: %w", s.t.TableName, err)
	}
	if n == 0 {
		return nil
	}

	first, err := store.ReserveIDs(ctx, exec, s.env.Schema, s.t.TableName, n)
	if err != nil {
		return err
	}

	update := fmt.Sprintf(`WITH numbered AS (
			SELECT rowid AS rid, ROW_NUMBER() OVER (ORDER BY external_id) AS position
			FROM %[1]s WHERE transition = %[2]s
		)
		UPDATE %[1]s AS s SET id = :first_id + numbered.position - 1
		FROM numbered WHERE s.rowid = numbered.rid`,
		s.q.stage, lit(ir.TransitionCreate))
	if _, err := s.exec(ctx, exec, update, sql.Named("first_id", first)); err != nil {
		return fmt.Errorf("assign new ids of %s: %w", s.t.TableName, err)
	}
	s.log().Debug("ids reserved", "first", first, "count", n)
	return nil
}

func (s *AssignIds) recoverMapped(ctx context.Context, exec store.Executor) error {
	q := s.q
	update := fmt.Sprintf(`UPDATE %s AS s SET id = COALESCE(
			(SELECT m.%s FROM %s AS m WHERE %s),
			(SELECT r.%s FROM %s AS r WHERE %s ORDER BY r.id DESC LIMIT 1)
		)
		WHERE s.transition IN (%s, %s, %s, %s)`,
		q.stage,
		q.fk, q.mappings, q.liveMapping("m", "s.external_id"),
		q.fk, q.mappings, q.reinstatable("r", "s.external_id"),
		lit(ir.TransitionKeep), lit(ir.TransitionUpdate), lit(ir.TransitionDelete), lit(ir.TransitionReinstate))
	if _, err := s.exec(ctx, exec, update, s.args()...); err != nil {
		return fmt.Errorf("recover ids of %s: %w", s.t.TableName, err)
	}
	return nil
}

func (s *AssignIds) assignClaimed(ctx context.Context, exec store.Executor) error {
	update := fmt.Sprintf(`UPDATE %s SET id = mapped_foreign_id WHERE transition = %s`,
		s.q.stage, lit(ir.TransitionCreateMapping))
	if _, err := exec.ExecContext(ctx, update); err != nil {
		return fmt.Errorf("assign claimed ids of %s: %w", s.t.TableName, err)
	}
	return nil
}
