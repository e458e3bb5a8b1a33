// Package uniqueness declares the natural keys used to attach external
// records to target rows that have no mapping yet (for example legacy rows
// merged from another system).
package uniqueness

import (
	"fmt"
	"sort"

	"github.com/roach88/beetle/internal/ir"
)

// Policy maps a table name to its ordered natural-key fields. A nil Policy
// declares no natural keys. Policies are read-only after construction.
type Policy map[string][]string

// Fields returns the natural-key fields of table, if any were declared.
func (p Policy) Fields(table string) ([]string, bool) {
	fields, ok := p[table]
	if !ok || len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

// Tables returns the tables that carry a natural key, sorted.
func (p Policy) Tables() []string {
	tables := make([]string, 0, len(p))
	for t, fields := range p {
		if len(fields) > 0 {
			tables = append(tables, t)
		}
	}
	sort.Strings(tables)
	return tables
}

// Validate checks every declared field against the transformation of its
// table. A natural key on a table that is not imported, or on a column the
// import does not stage, can never match and is treated as a configuration
// mistake.
func (p Policy) Validate(ts []ir.Transformation) error {
	byTable := make(map[string]ir.Transformation, len(ts))
	for _, t := range ts {
		byTable[t.TableName] = t
	}

	for _, table := range p.Tables() {
		t, ok := byTable[table]
		if !ok {
			return fmt.Errorf("unique fields declared for %q, which has no transformation", table)
		}
		seen := make(map[string]bool)
		for _, field := range p[table] {
			if seen[field] {
				return fmt.Errorf("unique fields of %q: duplicate field %q", table, field)
			}
			seen[field] = true
			if !t.HasColumn(field) {
				if _, isRef := t.References[field]; !isRef {
					return fmt.Errorf("unique fields of %q: %q is not a declared column", table, field)
				}
			}
		}
	}
	return nil
}
