package steps

import (
	"fmt"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/querysql"
)

// Mapping predicates shared by TableDiff, AssignIds and Load. They all
// reference the named parameter :sys. Aliases introduced here (lm, dm, om,
// rt, nm, am, cm, x) are local to their subqueries.

// liveMapping matches the live mapping of externalID under :sys.
func (q tableSQL) liveMapping(alias, externalID string) string {
	return fmt.Sprintf(`%[1]s.external_system_id = :sys AND %[1]s.deleted_at IS NULL AND %[1]s.external_id = %[2]s`,
		alias, externalID)
}

func (q tableSQL) hasLive(externalID string) string {
	return fmt.Sprintf(`EXISTS (SELECT 1 FROM %s AS lm WHERE %s)`, q.mappings, q.liveMapping("lm", externalID))
}

// reinstatable matches a soft-deleted mapping of externalID that can be
// revived: its target row still exists, has no live mapping under :sys, and
// no later mapping of that target exists.
func (q tableSQL) reinstatable(alias, externalID string) string {
	return fmt.Sprintf(`%[1]s.external_system_id = :sys AND %[1]s.deleted_at IS NOT NULL AND %[1]s.external_id = %[2]s
		AND EXISTS (SELECT 1 FROM %[3]s AS rt WHERE rt.id = %[1]s.%[4]s)
		AND NOT EXISTS (SELECT 1 FROM %[5]s AS om WHERE om.external_system_id = :sys AND om.deleted_at IS NULL AND om.%[4]s = %[1]s.%[4]s)
		AND NOT EXISTS (SELECT 1 FROM %[5]s AS nm WHERE nm.external_system_id = :sys AND nm.%[4]s = %[1]s.%[4]s AND nm.id > %[1]s.id)`,
		alias, externalID, q.target, q.fk, q.mappings)
}

func (q tableSQL) hasReinstatable(externalID string) string {
	return fmt.Sprintf(`EXISTS (SELECT 1 FROM %s AS dm WHERE %s)`, q.mappings, q.reinstatable("dm", externalID))
}

// unmapped matches a staged row whose external id was never mapped under
// :sys. A superseded mapping still counts: that external id owns a target
// already.
func (q tableSQL) unmapped(stage string) string {
	return fmt.Sprintf(`NOT EXISTS (SELECT 1 FROM %s AS am WHERE am.external_system_id = :sys AND am.external_id = %s.external_id)`,
		q.mappings, stage)
}

// claims matches a target row that an unmapped staged row takes over
// through the natural key. Targets still mapped to an external id present
// in this batch are never claimed.
func (q tableSQL) claims(stage, target string, fields []string) string {
	return fmt.Sprintf(`%s AND %s
		AND NOT EXISTS (SELECT 1 FROM %s AS cm WHERE cm.external_system_id = :sys AND cm.%s = %s.id
			AND cm.external_id IN (SELECT x.external_id FROM %s AS x WHERE x.transition IS NOT %s))`,
		querysql.NaturalKeyJoin(target, stage, fields), q.unmapped(stage),
		q.mappings, q.fk, target, q.stage, lit(ir.TransitionDelete))
}
