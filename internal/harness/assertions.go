package harness

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/beetle/internal/querysql"
	"github.com/roach88/beetle/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, actual %s", e.Type, e.Expected, e.Actual)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the store.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch {
		case actx == nil || actx.Store == nil:
			err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
		case assertion.Type == AssertRow:
			err = assertRow(actx.Ctx, actx.Store, assertion)
		case assertion.Type == AssertRowCount:
			err = assertRowCount(actx.Ctx, actx.Store, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertRow checks that exactly one row of the table matches Where and
// that it carries the Expect values (subset semantics).
func assertRow(ctx context.Context, st *store.Store, assertion Assertion) error {
	query, args, err := selectQuery("SELECT *", assertion)
	if err != nil {
		return err
	}

	rows, err := st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Check for multiple matching rows (would indicate ambiguous assertion)
	if rows.Next() {
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(assertion.Expect) {
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("column %q to exist", key),
				Actual:   fmt.Sprintf("columns %v", columns),
			}
		}
		if !stateValuesEqual(assertion.Expect[key], actualValue) {
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("%s.%s = %s where %s", assertion.Table, key, formatValue(assertion.Expect[key]), formatWhereClause(assertion.Where)),
				Actual:   formatValue(actualValue),
			}
		}
	}
	return nil
}

// assertRowCount checks how many rows of the table match Where.
func assertRowCount(ctx context.Context, st *store.Store, assertion Assertion) error {
	query, args, err := selectQuery("SELECT COUNT(*)", assertion)
	if err != nil {
		return err
	}

	var n int64
	if err := st.DB().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	if n != *assertion.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", *assertion.Count, assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", n),
		}
	}
	return nil
}

// selectQuery builds the parameterized query of an assertion.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func selectQuery(selectClause string, assertion Assertion) (string, []any, error) {
	table, err := tableIdentifier(assertion.Table)
	if err != nil {
		return "", nil, err
	}
	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf("%s FROM %s", selectClause, table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	return query, whereArgs, nil
}

// tableIdentifier quotes "table" or "schema.table".
func tableIdentifier(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid table name %q: want table or schema.table", name)
	}
	for _, p := range parts {
		if !validIdentifier.MatchString(p) {
			return "", fmt.Errorf("invalid table name %q: must match pattern %s", name, validIdentifier.String())
		}
	}
	if len(parts) == 2 {
		return querysql.Qualified(parts[0], parts[1]), nil
	}
	return querysql.Quote(parts[0]), nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		if where[key] == nil {
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", querysql.Quote(key)))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", querysql.Quote(key)))
		args = append(args, where[key])
	}

	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(where[k])))
	}
	return strings.Join(parts, " AND ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return strconv.Quote(string(val))
	case string:
		return strconv.Quote(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// stateValuesEqual compares an expected YAML value with a value read from
// SQLite, which returns integers as int64, text as string or []byte and
// DATETIME columns as time.Time.
func stateValuesEqual(expected, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if at, ok := actual.(time.Time); ok {
		et, ok := asTime(expected)
		return ok && et.Equal(at)
	}

	switch exp := expected.(type) {
	case string:
		act, ok := actual.(string)
		return ok && exp == act
	case int:
		act, ok := asInt(actual)
		return ok && int64(exp) == act
	case int64:
		act, ok := asInt(actual)
		return ok && exp == act
	case bool:
		// SQLite stores booleans as integers
		act, ok := asInt(actual)
		return ok && exp == (act != 0)
	case float64:
		switch act := actual.(type) {
		case float64:
			return exp == act
		case int64:
			return exp == float64(act)
		}
		return false
	case time.Time:
		at, ok := asTime(actual)
		return ok && exp.Equal(at)
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// asTime accepts a time.Time or a string in RFC 3339, "2006-01-02 15:04:05"
// or date-only form.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		at, err := Import{At: t}.Time()
		return at, err == nil
	}
	return time.Time{}, false
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
