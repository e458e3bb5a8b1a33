package store

import (
	"context"
	"fmt"

	"github.com/roach88/beetle/internal/querysql"
)

// Column describes one column of an existing table.
type Column struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
}

// TableColumns returns the columns of schema.table in declaration order.
// A missing table yields no columns and no error; use TableExists to tell
// the two apart.
func TableColumns(ctx context.Context, exec Executor, schema, table string) ([]Column, error) {
	rows, err := exec.QueryContext(ctx,
		`SELECT name, type, "notnull", pk FROM pragma_table_info(?, ?) ORDER BY cid`,
		table, schema)
	if err != nil {
		return nil, fmt.Errorf("introspect %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var notNull, pk int
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &pk); err != nil {
			return nil, fmt.Errorf("scan column of %s.%s: %w", schema, table, err)
		}
		c.NotNull = notNull != 0
		c.PrimaryKey = pk != 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s.%s: %w", schema, table, err)
	}
	return cols, nil
}

// ColumnNames returns just the names from TableColumns.
func ColumnNames(ctx context.Context, exec Executor, schema, table string) ([]string, error) {
	cols, err := TableColumns(ctx, exec, schema, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

// TableExists reports whether schema contains a table named table.
func TableExists(ctx context.Context, exec Executor, schema, table string) (bool, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s.sqlite_master WHERE type = 'table' AND name = ?`,
		querysql.Quote(schema))
	var n int
	if err := exec.QueryRowContext(ctx, query, table).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, table, err)
	}
	return n > 0, nil
}
