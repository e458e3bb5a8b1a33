package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/beetle/internal/graph"
	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/runner"
	"github.com/roach88/beetle/internal/steps"
	"github.com/roach88/beetle/internal/store"
	"github.com/roach88/beetle/internal/uniqueness"
)

// DefaultSchema is the target schema used when Config.TargetSchema is empty.
const DefaultSchema = "main"

// Config is everything one run needs. It is passed explicitly; the engine
// keeps no package-level state.
type Config struct {
	// Store is the target store. Required.
	Store *store.Store

	// ExternalSource names the feeding system. It must be registered in
	// external_systems. Required.
	ExternalSource string

	// TargetSchema holds target, mapping, stage and bookkeeping tables.
	TargetSchema string

	// Uniqueness enables CREATE_MAPPING for the tables it lists.
	Uniqueness uniqueness.Policy

	// Policy selects the transaction scope. Defaults to PolicyRun.
	Policy Policy

	// PrepareStage builds CreateStage and Transform steps. When false the
	// stage tables must be filled before Run.
	PrepareStage bool

	// MaxParallel caps concurrently running steps. 0 means unbounded.
	MaxParallel int

	// Clock defaults to SystemClock.
	Clock Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.Store == nil {
		return c, &ConfigError{Code: ErrCodeInvalidConfig, Message: "store is required"}
	}
	if c.ExternalSource == "" {
		return c, &ConfigError{Code: ErrCodeInvalidConfig, Message: "external source is required"}
	}
	if c.TargetSchema == "" {
		c.TargetSchema = DefaultSchema
	}
	policy, err := ParsePolicy(string(c.Policy))
	if err != nil {
		return c, &ConfigError{Code: ErrCodeInvalidConfig, Message: "invalid policy", Err: err}
	}
	c.Policy = policy
	if c.MaxParallel < 0 {
		return c, &ConfigError{Code: ErrCodeInvalidConfig, Message: fmt.Sprintf("max parallel must not be negative, got %d", c.MaxParallel)}
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

// Run reconciles transformations into the target store and returns the
// result of every step.
//
// Configuration problems return a *ConfigError or *graph.ConfigError before
// anything is written. Step failures return a *runner.StepError naming the
// step and no results; the run history keeps the outcome of every step that
// finished. Under PolicyRun nothing the steps wrote survives a failure.
func Run(ctx context.Context, cfg Config, transformations []ir.Transformation) (map[string]ir.StepResult, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := Validate(transformations, cfg.Uniqueness); err != nil {
		return nil, err
	}

	db := cfg.Store.DB()
	if err := store.EnsureBookkeeping(ctx, db, cfg.TargetSchema); err != nil {
		return nil, err
	}
	systemID, err := store.ExternalSystemID(ctx, db, cfg.TargetSchema, cfg.ExternalSource)
	if errors.Is(err, store.ErrUnknownExternalSystem) {
		return nil, &ConfigError{Code: ErrCodeUnknownExternalSource, Message: fmt.Sprintf("external source %q is not registered", cfg.ExternalSource), Err: err}
	}
	if err != nil {
		return nil, err
	}

	runAt := cfg.Clock.Now().UTC()
	env := &steps.Env{
		Schema:       cfg.TargetSchema,
		Source:       cfg.ExternalSource,
		SystemID:     systemID,
		RunAt:        runAt,
		Unique:       cfg.Uniqueness,
		PrepareStage: cfg.PrepareStage,
		Logger:       cfg.Logger,
	}

	hash, err := ir.TransformationsHash(transformations)
	if err != nil {
		return nil, fmt.Errorf("hash transformations: %w", err)
	}

	built := steps.Build(env, transformations)
	nodes := make([]graph.Node, len(built))
	for i, s := range built {
		nodes[i] = s
	}
	if _, err := graph.NewResolver(nodes); err != nil {
		return nil, err
	}

	runID, err := cfg.Store.StartRun(ctx, store.ImportRun{
		ExternalSource:      cfg.ExternalSource,
		TransformationsHash: hash,
		EngineVersion:       ir.EngineVersion,
		Policy:              string(cfg.Policy),
		RunAt:               runAt,
		StartedAt:           cfg.Clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	log := cfg.Logger.With("run_id", runID)
	log.Info("import started",
		"source", cfg.ExternalSource,
		"tables", len(transformations),
		"steps", len(built),
		"policy", string(cfg.Policy))

	// History outlives a cancelled run.
	historyCtx := context.WithoutCancel(ctx)

	sc, err := newScope(ctx, cfg.Store, cfg.Policy)
	if err != nil {
		return nil, errors.Join(err, cfg.Store.FinishRun(historyCtx, runID, cfg.Clock.Now(), err))
	}

	tasks := make([]runner.Task, len(built))
	for i, s := range built {
		tasks[i] = &stepTask{Step: s, scope: sc}
	}
	var records []ir.StepResult
	r, err := runner.New(tasks, runner.Options{
		MaxParallel: cfg.MaxParallel,
		Now:         cfg.Clock.Now,
		Logger:      cfg.Logger,
		OnFinish: func(res ir.StepResult) {
			records = append(records, res)
		},
	})
	if err != nil {
		return nil, errors.Join(err, sc.finish(err), cfg.Store.FinishRun(historyCtx, runID, cfg.Clock.Now(), err))
	}

	results, runErr := r.Run(ctx)
	if err := sc.finish(runErr); err != nil {
		runErr = errors.Join(runErr, err)
	}

	// History is written on the store's connection, which the run
	// transaction held until finish.
	if err := cfg.Store.WriteStepResults(historyCtx, runID, records); err != nil {
		log.Error("failed to record step results", "error", err)
	}
	if err := cfg.Store.FinishRun(historyCtx, runID, cfg.Clock.Now(), runErr); err != nil {
		log.Error("failed to record run outcome", "error", err)
	}

	if runErr != nil {
		attrs := []any{"error", runErr}
		if step, ok := runner.FailedStep(runErr); ok {
			attrs = append(attrs, "step", step)
		}
		log.Error("import failed", attrs...)
		return nil, runErr
	}
	log.Info("import finished", "steps", len(results))
	return results, nil
}

// Validate checks transformations and the uniqueness policy without touching
// the store.
func Validate(transformations []ir.Transformation, unique uniqueness.Policy) error {
	seen := make(map[string]bool, len(transformations))
	for _, t := range transformations {
		if err := t.Validate(); err != nil {
			return &ConfigError{Code: ErrCodeInvalidTransformation, Message: "invalid transformation", Err: err}
		}
		if seen[t.TableName] {
			return &ConfigError{Code: ErrCodeInvalidTransformation, Message: fmt.Sprintf("table %q has more than one transformation", t.TableName)}
		}
		seen[t.TableName] = true
	}
	if err := unique.Validate(transformations); err != nil {
		return &ConfigError{Code: ErrCodeInvalidUniqueness, Message: "invalid uniqueness policy", Err: err}
	}
	return nil
}

// Plan builds the step graph of transformations without a store and returns
// it for inspection.
func Plan(transformations []ir.Transformation, unique uniqueness.Policy, prepareStage bool) (*graph.Resolver, error) {
	if err := Validate(transformations, unique); err != nil {
		return nil, err
	}
	env := &steps.Env{Schema: DefaultSchema, Unique: unique, PrepareStage: prepareStage}
	built := steps.Build(env, transformations)
	nodes := make([]graph.Node, len(built))
	for i, s := range built {
		nodes[i] = s
	}
	return graph.NewResolver(nodes)
}

// stepTask adapts a step to the runner, running it inside the run's scope.
type stepTask struct {
	steps.Step
	scope scope
}

func (t *stepTask) Run(ctx context.Context) error {
	return t.scope.do(ctx, func(exec store.Executor) error {
		return t.Step.Run(ctx, exec)
	})
}
