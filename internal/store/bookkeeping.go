package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/beetle/internal/naming"
	"github.com/roach88/beetle/internal/querysql"
)

// Bookkeeping table names in the target schema.
const (
	ExternalSystemsTable = "external_systems"
	SequencesTable       = "id_sequences"
)

// ErrUnknownExternalSystem is returned when an external source name has no
// row in external_systems.
var ErrUnknownExternalSystem = errors.New("unknown external system")

// EnsureBookkeeping creates external_systems and id_sequences in schema if
// they do not exist.
func EnsureBookkeeping(ctx context.Context, exec Executor, schema string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id   INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`, querysql.Qualified(schema, ExternalSystemsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`, querysql.Qualified(schema, SequencesTable)),
	}
	for _, stmt := range stmts {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure bookkeeping tables: %w", err)
		}
	}
	return nil
}

// RegisterExternalSystem inserts name into external_systems and returns its
// id. Registering an existing name returns the existing id.
func RegisterExternalSystem(ctx context.Context, exec Executor, schema, name string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("register external system: name is required")
	}
	if err := EnsureBookkeeping(ctx, exec, schema); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (name) VALUES (?) ON CONFLICT (name) DO NOTHING`,
		querysql.Qualified(schema, ExternalSystemsTable))
	if _, err := exec.ExecContext(ctx, query, name); err != nil {
		return 0, fmt.Errorf("register external system %q: %w", name, err)
	}
	return ExternalSystemID(ctx, exec, schema, name)
}

// ExternalSystemID resolves an external source name to its id.
// Returns an error wrapping ErrUnknownExternalSystem when none exists.
func ExternalSystemID(ctx context.Context, exec Executor, schema, name string) (int64, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE name = ?`, querysql.Qualified(schema, ExternalSystemsTable))
	var id int64
	err := exec.QueryRowContext(ctx, query, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownExternalSystem, name)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup external system %q: %w", name, err)
	}
	return id, nil
}

// ExternalSystem is a row of external_systems.
type ExternalSystem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ListExternalSystems returns every registered external system ordered by id.
func ListExternalSystems(ctx context.Context, exec Executor, schema string) ([]ExternalSystem, error) {
	query := fmt.Sprintf(`SELECT id, name FROM %s ORDER BY id`, querysql.Qualified(schema, ExternalSystemsTable))
	rows, err := exec.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list external systems: %w", err)
	}
	defer rows.Close()

	var systems []ExternalSystem
	for rows.Next() {
		var sys ExternalSystem
		if err := rows.Scan(&sys.ID, &sys.Name); err != nil {
			return nil, fmt.Errorf("scan external system: %w", err)
		}
		systems = append(systems, sys)
	}
	return systems, rows.Err()
}

// EnsureMappingTable creates the external-system mapping table of table.
//
// Two partial unique indexes hold the mapping invariants: at most one live
// mapping per (external_system_id, external_id) and per
// (external_system_id, <singular>_id).
func EnsureMappingTable(ctx context.Context, exec Executor, schema, table string) error {
	mappings := naming.MappingsTableName(table)
	fk := querysql.Quote(naming.MappedForeignKeyColumn(table))

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                 INTEGER PRIMARY KEY,
			external_id        TEXT NOT NULL,
			%s                 INTEGER NOT NULL,
			external_system_id INTEGER NOT NULL,
			created_at         DATETIME NOT NULL,
			updated_at         DATETIME NOT NULL,
			deleted_at         DATETIME
		)`, querysql.Qualified(schema, mappings), fk),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (external_system_id, external_id) WHERE deleted_at IS NULL`,
			querysql.Qualified(schema, mappings+"_live_external_id"), querysql.Quote(mappings)),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (external_system_id, %s) WHERE deleted_at IS NULL`,
			querysql.Qualified(schema, mappings+"_live_target"), querysql.Quote(mappings), fk),
	}
	for _, stmt := range stmts {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure mapping table %s: %w", mappings, err)
		}
	}
	return nil
}
