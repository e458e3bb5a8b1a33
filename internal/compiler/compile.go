package compiler

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/uniqueness"
)

//go:embed schema.cue
var schemaSource string

// Definitions is everything a CUE package declares for an import.
type Definitions struct {
	// Transformations in declaration order.
	Transformations []ir.Transformation

	// Unique holds the natural keys declared under unique.
	Unique uniqueness.Policy
}

// Compile unifies v with the transformation schema and extracts its
// definitions. Uses the CUE SDK's Go API directly (not CLI subprocess).
//
// The value is the package root, e.g.:
//
//	tables: organisations: {
//		columns: ["name", "address"]
//		query: "INSERT INTO {{stage_table}} ..."
//	}
//	unique: clients: ["name", "country_code"]
func Compile(v cue.Value) (*Definitions, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := v.Context().CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile transformation schema: %w", err)
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	tables := v.LookupPath(cue.ParsePath("tables"))
	if !tables.Exists() {
		return nil, &CompileError{Field: "tables", Message: "at least one table is required", Pos: v.Pos()}
	}
	iter, err := tables.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	defs := &Definitions{}
	for iter.Next() {
		t, err := CompileTransformation(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		defs.Transformations = append(defs.Transformations, *t)
	}
	if len(defs.Transformations) == 0 {
		return nil, &CompileError{Field: "tables", Message: "at least one table is required", Pos: tables.Pos()}
	}

	defs.Unique, err = parseUnique(v)
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// CompileTransformation parses the definition of one table.
func CompileTransformation(table string, v cue.Value) (*ir.Transformation, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	t := &ir.Transformation{TableName: table}

	var err error
	t.Columns, err = parseStrings(v.LookupPath(cue.ParsePath("columns")))
	if err != nil {
		return nil, err
	}

	refs := v.LookupPath(cue.ParsePath("references"))
	if refs.Exists() {
		iter, err := refs.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			ref, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			if t.References == nil {
				t.References = make(map[string]string)
			}
			t.References[iter.Label()] = ref
		}
	}

	// Optional fields the file leaves out are not concrete.
	query := v.LookupPath(cue.ParsePath("query"))
	if query.Exists() && query.IsConcrete() {
		t.Query, err = query.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
	}
	return t, nil
}

// parseUnique extracts the optional natural keys.
func parseUnique(v cue.Value) (uniqueness.Policy, error) {
	unique := v.LookupPath(cue.ParsePath("unique"))
	if !unique.Exists() {
		return nil, nil
	}
	iter, err := unique.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var policy uniqueness.Policy
	for iter.Next() {
		fields, err := parseStrings(iter.Value())
		if err != nil {
			return nil, err
		}
		if policy == nil {
			policy = uniqueness.Policy{}
		}
		policy[iter.Label()] = fields
	}
	return policy, nil
}

func parseStrings(v cue.Value) ([]string, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
