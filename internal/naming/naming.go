// Package naming derives the deterministic internal names used by the
// engine: stage tables, mapping tables, foreign-key columns and step names.
//
// All functions are pure. Names that become SQL identifiers are capped at
// MaxIdentifierLength bytes so the same name can be used on stores with the
// PostgreSQL identifier limit.
package naming

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/jinzhu/inflection"
)

// MaxIdentifierLength is the cap applied to generated table names.
const MaxIdentifierLength = 63

// Step kinds, in pipeline order.
const (
	KindCreateStage  = "CreateStage"
	KindTransform    = "Transform"
	KindMapRelations = "MapRelations"
	KindTableDiff    = "TableDiff"
	KindAssignIds    = "AssignIds"
	KindLoad         = "Load"
)

var externalForeignKeyPattern = regexp.MustCompile(`^external_.+_id$`)

// StageTableName returns the stage table for a table fed by source. The
// digest keeps names unique after truncation.
func StageTableName(source, table string) string {
	sum := md5.Sum([]byte(table))
	return truncate(source + "-" + table + "-" + hex.EncodeToString(sum[:]))
}

// MappingsTableName returns the external-system mapping table of table.
func MappingsTableName(table string) string {
	return truncate(withSingularPrefix(table, "external_system_mappings"))
}

// MappedForeignKeyColumn returns the column that points from a mapping row
// (or a referencing table) to table's id.
func MappedForeignKeyColumn(table string) string {
	return withSingularPrefix(table, "id")
}

// ExternalForeignKeyColumn returns the stage column carrying the external id
// of the record referenced through the foreign key fk.
func ExternalForeignKeyColumn(fk string) string {
	return "external_" + fk
}

// IsExternalForeignKeyColumn reports whether column is an external_*_id
// bookkeeping column of a stage table.
func IsExternalForeignKeyColumn(column string) bool {
	return externalForeignKeyPattern.MatchString(column)
}

// StepName returns the canonical name of a step, e.g. "organisations: Load".
func StepName(table, kind string) string {
	return table + ": " + kind
}

// SplitStepName is the inverse of StepName.
func SplitStepName(name string) (table, kind string, ok bool) {
	idx := strings.LastIndex(name, ": ")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+2:], true
}

func withSingularPrefix(table, suffix string) string {
	return inflection.Singular(table) + "_" + suffix
}

func truncate(name string) string {
	if len(name) > MaxIdentifierLength {
		return name[:MaxIdentifierLength]
	}
	return name
}
