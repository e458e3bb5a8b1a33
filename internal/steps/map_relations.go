package steps

import (
	"context"
	"fmt"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/store"
)

// MapRelations resolves external references of staged rows to internal ids.
//
// For every reference fk -> ref the stage's fk column is set from the live
// mapping of ref whose external_id equals external_<fk>. References that do
// not resolve become NULL and are reported as a warning.
type MapRelations struct {
	base
}

// NewMapRelations returns the MapRelations step for t.
func NewMapRelations(env *Env, t ir.Transformation) *MapRelations {
	var deps []string
	if env.PrepareStage {
		kind := naming.KindCreateStage
		if t.Query != "" {
			kind = naming.KindTransform
		}
		deps = append(deps, naming.StepName(t.TableName, kind))
	}
	s := &MapRelations{base: newBase(env, t, naming.KindMapRelations, deps...)}
	s.deps = append(s.deps, s.loadDeps()...)
	return s
}

// Run implements Step.
func (s *MapRelations) Run(ctx context.Context, exec store.Executor) error {
	for _, fk := range s.t.ForeignKeys() {
		ref := s.t.References[fk]
		external := querysql.Column("s", naming.ExternalForeignKeyColumn(fk))
		refMappings := querysql.Qualified(s.env.Schema, naming.MappingsTableName(ref))
		refID := querysql.Quote(naming.MappedForeignKeyColumn(ref))

		update := fmt.Sprintf(`UPDATE %s AS s SET %s = (
			SELECT m.%s FROM %s AS m
			WHERE m.external_system_id = :sys AND m.deleted_at IS NULL AND m.external_id = %s
		)`, s.q.stage, querysql.Quote(fk), refID, refMappings, external)
		if _, err := s.exec(ctx, exec, update, s.args()...); err != nil {
			return fmt.Errorf("map %s.%s to %s: %w", s.t.TableName, fk, ref, err)
		}

		var unresolved int64
		count := fmt.Sprintf(`SELECT COUNT(*) FROM %s AS s WHERE %s IS NOT NULL AND %s IS NULL`,
			s.q.stage, external, querysql.Column("s", fk))
		if err := exec.QueryRowContext(ctx, count).Scan(&unresolved); err != nil {
			return fmt.Errorf("count unresolved %s.%s: %w", s.t.TableName, fk, err)
		}
		if unresolved > 0 {
			s.log().Warn("unresolved references", "column", fk, "references", ref, "rows", unresolved)
		}
	}
	return nil
}
