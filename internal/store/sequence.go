package store

import (
	"context"
	"fmt"

	"github.com/roach88/beetle/internal/querysql"
)

// ReserveIDs reserves n consecutive ids for table and returns the first.
//
// The counter lives in id_sequences under the table name. It is seeded from
// the table's current MAX(id) and never falls below it, so ids handed out
// here never collide with rows inserted by other writers. Ids are never
// reused, even if the enclosing transaction commits a smaller batch.
func ReserveIDs(ctx context.Context, exec Executor, schema, table string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve ids for %s: count must be positive, got %d", table, n)
	}

	seq := querysql.Qualified(schema, SequencesTable)
	maxID := fmt.Sprintf(`(SELECT COALESCE(MAX(id), 0) FROM %s)`, querysql.Qualified(schema, table))

	seed := fmt.Sprintf(`INSERT INTO %s (name, value) VALUES (?, 0) ON CONFLICT (name) DO NOTHING`, seq)
	if _, err := exec.ExecContext(ctx, seed, table); err != nil {
		return 0, fmt.Errorf("seed sequence %s: %w", table, err)
	}

	bump := fmt.Sprintf(`UPDATE %s SET value = MAX(value, %s) + ? WHERE name = ? RETURNING value`, seq, maxID)
	var last int64
	if err := exec.QueryRowContext(ctx, bump, n, table).Scan(&last); err != nil {
		return 0, fmt.Errorf("reserve %d ids for %s: %w", n, table, err)
	}
	return last - n + 1, nil
}
