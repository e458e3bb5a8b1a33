package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/beetle/internal/store"
)

// Policy selects the transaction scope of a run.
type Policy string

const (
	// PolicyRun wraps the whole run in one transaction.
	PolicyRun Policy = "run"
	// PolicyStep wraps each step in its own transaction.
	PolicyStep Policy = "step"
	// PolicyNone lets every statement auto-commit.
	PolicyNone Policy = "none"
)

// DefaultPolicy is used when Config.Policy is empty.
const DefaultPolicy = PolicyRun

// ParsePolicy validates a policy name. The empty string yields DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return DefaultPolicy, nil
	case PolicyRun, PolicyStep, PolicyNone:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (expected run, step or none)", s)
	}
}

// scope hands steps the executor their policy prescribes.
type scope interface {
	// do runs fn with the executor of one step.
	do(ctx context.Context, fn func(store.Executor) error) error
	// finish commits on success and rolls back on failure.
	finish(runErr error) error
}

func newScope(ctx context.Context, st *store.Store, p Policy) (scope, error) {
	switch p {
	case PolicyNone:
		return autocommitScope{db: st.DB()}, nil
	case PolicyStep:
		return stepScope{st: st}, nil
	case PolicyRun:
		tx, err := st.BeginTx(ctx)
		if err != nil {
			return nil, err
		}
		return runScope{tx: tx}, nil
	default:
		return nil, fmt.Errorf("unknown failure policy %q", p)
	}
}

type autocommitScope struct{ db *sql.DB }

func (s autocommitScope) do(_ context.Context, fn func(store.Executor) error) error {
	return fn(s.db)
}

func (autocommitScope) finish(error) error { return nil }

type stepScope struct{ st *store.Store }

func (s stepScope) do(ctx context.Context, fn func(store.Executor) error) error {
	tx, err := s.st.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

func (stepScope) finish(error) error { return nil }

type runScope struct{ tx *sql.Tx }

func (s runScope) do(_ context.Context, fn func(store.Executor) error) error {
	return fn(s.tx)
}

func (s runScope) finish(runErr error) error {
	if runErr != nil {
		if err := s.tx.Rollback(); err != nil {
			return fmt.Errorf("rollback run: %w", err)
		}
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}
