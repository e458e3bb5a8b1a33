package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/beetle/internal/store"
)

// NewStore opens a file-backed store in a temporary directory. The store is
// closed when the test ends.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// MustExec runs each statement on db, failing the test on the first error.
func MustExec(t testing.TB, db *sql.DB, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

// Count returns the single integer produced by query.
func Count(t testing.TB, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.QueryRow(query, args...).Scan(&n), query)
	return n
}

// Strings returns the rows of a single-column query rendered as strings.
// NULL renders as "<nil>".
func Strings(t testing.TB, db *sql.DB, query string, args ...any) []string {
	t.Helper()
	rows, err := db.Query(query, args...)
	require.NoError(t, err, query)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		require.NoError(t, rows.Scan(&v))
		if !v.Valid {
			out = append(out, "<nil>")
			continue
		}
		out = append(out, v.String)
	}
	require.NoError(t, rows.Err())
	return out
}
