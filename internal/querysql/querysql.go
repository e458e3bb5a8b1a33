// Package querysql builds the SQL fragments shared by the reconciliation
// steps: quoted identifiers, column lists, NULL-safe row comparisons and
// natural-key joins.
//
// Identifiers are always double-quoted. Values are never interpolated;
// callers pass them as statement parameters.
package querysql

import (
	"fmt"
	"strings"
)

// Quote returns ident as a double-quoted SQL identifier.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Qualified returns "schema"."table". An empty schema yields just "table".
func Qualified(schema, table string) string {
	if schema == "" {
		return Quote(table)
	}
	return Quote(schema) + "." + Quote(table)
}

// Column returns alias."column", or just "column" for an empty alias.
func Column(alias, column string) string {
	if alias == "" {
		return Quote(column)
	}
	return alias + "." + Quote(column)
}

// Columns returns a comma-separated list of (optionally aliased) columns.
func Columns(alias string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = Column(alias, c)
	}
	return strings.Join(parts, ", ")
}

// Assignments returns `"c" = alias."c"` pairs for an UPDATE ... SET list.
func Assignments(alias string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s = %s", Quote(c), Column(alias, c))
	}
	return strings.Join(parts, ", ")
}

// NullSafeEqual returns a predicate that is true when every column of left
// equals the same column of right, treating two NULLs as equal. With no
// columns the rows are trivially equal.
func NullSafeEqual(left, right string, columns []string) string {
	if len(columns) == 0 {
		return "1 = 1"
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s IS %s", Column(left, c), Column(right, c))
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// NullSafeDistinct is the negation of NullSafeEqual.
func NullSafeDistinct(left, right string, columns []string) string {
	if len(columns) == 0 {
		return "1 = 0"
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s IS NOT %s", Column(left, c), Column(right, c))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// NaturalKeyJoin returns a predicate matching target and stage rows on the
// natural-key fields. NULL fields never match.
func NaturalKeyJoin(target, stage string, fields []string) string {
	if len(fields) == 0 {
		return "1 = 0"
	}
	parts := make([]string, 0, len(fields)*2)
	for _, f := range fields {
		parts = append(parts,
			fmt.Sprintf("%s = %s", Column(target, f), Column(stage, f)),
			fmt.Sprintf("%s IS NOT NULL", Column(target, f)),
		)
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// StageTablePlaceholder is replaced by RenderQuery with the stage table.
const StageTablePlaceholder = "{{stage_table}}"

// RenderQuery substitutes the stage table placeholder in an extraction
// statement.
func RenderQuery(query, stageTable string) string {
	return strings.ReplaceAll(query, StageTablePlaceholder, stageTable)
}

// Placeholders returns n comma-separated "?" parameters.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
