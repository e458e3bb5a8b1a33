// Package runner executes a validated step graph concurrently.
//
// The scheduler keeps three disjoint sets: not started, running and
// completed. Each iteration launches every resolvable step that is not yet
// running on its own goroutine, then blocks until one of them reports on the
// results channel. On the first failure it stops launching, lets the running
// steps finish, and returns that failure. Steps are never cancelled mid-flight.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/beetle/internal/graph"
	"github.com/roach88/beetle/internal/ir"
)

// Task is a step the runner can execute.
type Task interface {
	graph.Node
	Run(ctx context.Context) error
}

// Options tunes a Runner. The zero value is usable.
type Options struct {
	// MaxParallel caps concurrently running tasks. 0 means unbounded.
	MaxParallel int

	// OnStart is called on the scheduler goroutine before a task launches.
	OnStart func(name string)

	// OnFinish is called on the scheduler goroutine for every task that
	// finished, including tasks that drained after a failure.
	OnFinish func(result ir.StepResult)

	// Now stamps StartedAt/FinishedAt. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// StepError wraps the failure of a named step.
type StepError struct {
	Step string
	Err  error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

// Unwrap returns the step's error.
func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the name of the failed step if err wraps a StepError.
func FailedStep(err error) (string, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return "", false
}

// Runner executes tasks in dependency order.
type Runner struct {
	resolver *graph.Resolver
	tasks    map[string]Task
	opts     Options
}

// New validates the task graph. Graph errors are *graph.ConfigError.
func New(tasks []Task, opts Options) (*Runner, error) {
	nodes := make([]graph.Node, len(tasks))
	byName := make(map[string]Task, len(tasks))
	for i, t := range tasks {
		nodes[i] = t
		byName[t.Name()] = t
	}
	resolver, err := graph.NewResolver(nodes)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{resolver: resolver, tasks: byName, opts: opts}, nil
}

// Resolver returns the validated graph.
func (r *Runner) Resolver() *graph.Resolver { return r.resolver }

// Run executes every task once and returns the result of each. On failure
// it returns no results, only the first failure wrapped in a *StepError;
// OnFinish still sees every drained task. Cancelling ctx stops new launches;
// running tasks observe ctx themselves.
func (r *Runner) Run(ctx context.Context) (map[string]ir.StepResult, error) {
	total := r.resolver.Len()
	completed := make(map[string]bool, total)
	running := make(map[string]bool)
	results := make(map[string]ir.StepResult, total)
	// Buffered so finished tasks never block on a scheduler that stopped
	// reading.
	done := make(chan ir.StepResult, total)

	var firstErr error
	for len(completed) < total {
		if firstErr == nil {
			if err := ctx.Err(); err != nil {
				firstErr = err
			}
		}
		if firstErr == nil {
			for _, n := range r.resolver.Resolvable(completed) {
				name := n.Name()
				if running[name] {
					continue
				}
				if r.opts.MaxParallel > 0 && len(running) >= r.opts.MaxParallel {
					break
				}
				running[name] = true
				if r.opts.OnStart != nil {
					r.opts.OnStart(name)
				}
				r.opts.Logger.Info("step started", "step", name)
				go r.execute(ctx, r.tasks[name], done)
			}
		}

		if len(running) == 0 {
			if firstErr != nil {
				break
			}
			if r.resolver.Stalled(completed, running) {
				return nil, &graph.ConfigError{
					Code:    graph.ErrCodeStalled,
					Message: fmt.Sprintf("no runnable steps, %d of %d completed", len(completed), total),
				}
			}
		}

		res := <-done
		delete(running, res.Name)
		if r.opts.OnFinish != nil {
			r.opts.OnFinish(res)
		}

		if res.Err != nil {
			r.opts.Logger.Error("step failed", "step", res.Name, "duration", res.Duration(), "error", res.Err)
			if firstErr == nil {
				firstErr = &StepError{Step: res.Name, Err: res.Err}
			}
			continue
		}
		r.opts.Logger.Info("step finished", "step", res.Name, "duration", res.Duration())
		if firstErr == nil {
			completed[res.Name] = true
			results[res.Name] = res
		}
	}

	var se *StepError
	if firstErr != nil && !errors.As(firstErr, &se) {
		// Cancelled before a step failed.
		return nil, fmt.Errorf("run interrupted: %w", firstErr)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// execute runs one task and reports its result. A panicking task reports
// an error instead of taking the process down.
func (r *Runner) execute(ctx context.Context, t Task, done chan<- ir.StepResult) {
	res := ir.StepResult{Name: t.Name(), StartedAt: r.opts.Now()}
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
		}
		res.FinishedAt = r.opts.Now()
		res.Outcome = ir.OutcomeSucceeded
		if res.Err != nil {
			res.Outcome = ir.OutcomeFailed
		}
		done <- res
	}()
	res.Err = t.Run(ctx)
}
