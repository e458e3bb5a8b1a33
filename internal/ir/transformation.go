package ir

import (
	"fmt"
	"sort"
)

// Transformation describes how one target table is fed from an external
// source. It is immutable once constructed.
type Transformation struct {
	// TableName is the target table.
	TableName string `json:"table_name"`

	// Columns are the declared payload columns, in declaration order.
	Columns []string `json:"columns"`

	// References maps a local foreign-key column to the referenced table.
	References map[string]string `json:"references,omitempty"`

	// Query is the optional extraction statement that fills the stage table.
	// The placeholder {{stage_table}} is replaced with the quoted stage name.
	Query string `json:"query,omitempty"`
}

// ForeignKeys returns the reference columns sorted by name.
func (t Transformation) ForeignKeys() []string {
	keys := make([]string, 0, len(t.References))
	for k := range t.References {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReferencedTables returns the distinct referenced tables, sorted.
func (t Transformation) ReferencedTables() []string {
	seen := make(map[string]bool, len(t.References))
	var tables []string
	for _, table := range t.References {
		if !seen[table] {
			seen[table] = true
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	return tables
}

// HasColumn reports whether name is a declared payload column.
func (t Transformation) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Validate checks the descriptor for structural problems that do not need
// the database: empty names and duplicate columns.
func (t Transformation) Validate() error {
	if t.TableName == "" {
		return fmt.Errorf("transformation: table name is required")
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c == "" {
			return fmt.Errorf("transformation %s: empty column name", t.TableName)
		}
		if seen[c] {
			return fmt.Errorf("transformation %s: duplicate column %q", t.TableName, c)
		}
		seen[c] = true
	}
	for fk, table := range t.References {
		if fk == "" || table == "" {
			return fmt.Errorf("transformation %s: reference needs both a column and a table", t.TableName)
		}
	}
	return nil
}
