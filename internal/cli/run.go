package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/beetle/internal/compiler"
	"github.com/roach88/beetle/internal/config"
	"github.com/roach88/beetle/internal/engine"
	"github.com/roach88/beetle/internal/ir"
	"github.com/roach88/beetle/internal/runner"
	"github.com/roach88/beetle/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath     string
	Database       string
	Source         string
	Policy         string
	MaxParallel    int
	NoPrepareStage bool
	Attach         map[string]string

	// Clock allows overriding the run time (for testing).
	// If nil, defaults to engine.SystemClock.
	Clock engine.Clock
}

// StepSummary is the reported outcome of one step.
type StepSummary struct {
	Name       string `json:"name"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// RunResult is the reported outcome of an import.
type RunResult struct {
	Status string        `json:"status"`
	Steps  []StepSummary `json:"steps"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [transformations-dir]",
		Short: "Import a batch from an external system",
		Long: `Run one import of an external system into the target database.

Settings are read from --config and may be overridden by flags. Without a
config file --db and --source are required and the transformations
directory is given as argument.

Example:
  beetle run --config ./beetle.yaml
  beetle run --db ./target.db --source crm --attach source=./crm.db ./transformations
  beetle run --config ./beetle.yaml --policy step --parallel 4`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig(cmd, args)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid run configuration", err)
			}
			return runImport(opts, cfg, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML run configuration")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite target database")
	cmd.Flags().StringVar(&opts.Source, "source", "", "name of the external system")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "failure policy (run|step|none)")
	cmd.Flags().IntVar(&opts.MaxParallel, "parallel", 0, "maximum concurrent steps (0 = unbounded)")
	cmd.Flags().BoolVar(&opts.NoPrepareStage, "no-prepare-stage", false, "stage tables are filled externally")
	cmd.Flags().StringToStringVar(&opts.Attach, "attach", nil, "attach a database as schema (name=path)")

	return cmd
}

// resolveConfig merges the config file with the flags set on cmd.
func (o *RunOptions) resolveConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := &config.Config{}
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if len(args) == 1 {
		cfg.Transformations = args[0]
	}
	if flags.Changed("db") {
		cfg.Database = o.Database
	}
	if flags.Changed("source") {
		cfg.ExternalSource = o.Source
	}
	if flags.Changed("policy") {
		cfg.Policy = o.Policy
	}
	if flags.Changed("parallel") {
		cfg.MaxParallel = o.MaxParallel
	}
	if flags.Changed("no-prepare-stage") {
		prepare := !o.NoPrepareStage
		cfg.PrepareStage = &prepare
	}
	if len(o.Attach) > 0 {
		if cfg.Attach == nil {
			cfg.Attach = make(map[string]string, len(o.Attach))
		}
		for name, path := range o.Attach {
			cfg.Attach[name] = path
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runImport(opts *RunOptions, cfg *config.Config, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	logger := formatter.Logger()

	logger.Info("loading transformations", "dir", cfg.Transformations)
	defs, err := compiler.LoadDir(cfg.Transformations)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load transformations", err)
	}
	logger.Info("transformations loaded", "tables", len(defs.Transformations))

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, cancelling import", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	for _, name := range cfg.AttachNames() {
		if err := st.Attach(ctx, name, cfg.Attach[name]); err != nil {
			return WrapExitError(ExitCommandError, "failed to attach database", err)
		}
		logger.Debug("database attached", "schema", name, "path", cfg.Attach[name])
	}

	results, runErr := engine.Run(ctx, engine.Config{
		Store:          st,
		ExternalSource: cfg.ExternalSource,
		TargetSchema:   cfg.TargetSchema,
		Uniqueness:     cfg.Uniqueness(defs.Unique),
		Policy:         engine.Policy(cfg.Policy),
		PrepareStage:   cfg.StagePrepared(),
		MaxParallel:    cfg.MaxParallel,
		Clock:          opts.Clock,
		Logger:         logger,
	}, defs.Transformations)

	if runErr != nil && engine.IsConfigError(runErr) {
		_ = formatter.ErrorFrom(runErr)
		return WrapExitError(ExitCommandError, "import rejected", runErr)
	}

	runID := latestRunID(ctx, st)
	result := RunResult{Status: store.RunSucceeded, Steps: summarizeSteps(results)}
	if runErr != nil {
		result.Status = store.RunFailed
		result.Steps = recordedSteps(ctx, st, runID, logger)
	}

	if formatter.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result, RunID: runID}
		if runErr != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: ErrorCode(runErr), Message: runErr.Error()}
		}
		if err := writeJSON(formatter.Writer, resp); err != nil {
			return err
		}
	} else {
		writeRunText(formatter, runID, result, runErr)
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "import failed", runErr)
	}
	return nil
}

// summarizeSteps orders step results by start time, then name.
func summarizeSteps(results map[string]ir.StepResult) []StepSummary {
	ordered := make([]ir.StepResult, 0, len(results))
	for _, r := range results {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].StartedAt.Equal(ordered[j].StartedAt) {
			return ordered[i].StartedAt.Before(ordered[j].StartedAt)
		}
		return ordered[i].Name < ordered[j].Name
	})

	out := make([]StepSummary, len(ordered))
	for i, r := range ordered {
		out[i] = StepSummary{
			Name:       r.Name,
			Outcome:    string(r.Outcome),
			DurationMS: r.Duration().Milliseconds(),
		}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

// recordedSteps reads the steps a failed run finished from its history.
func recordedSteps(ctx context.Context, st *store.Store, runID string, logger *slog.Logger) []StepSummary {
	if runID == "" {
		return nil
	}
	records, err := st.ReadStepRecords(context.WithoutCancel(ctx), runID)
	if err != nil {
		logger.Error("failed to read step results", "run_id", runID, "error", err)
		return nil
	}
	out := make([]StepSummary, len(records))
	for i, rec := range records {
		out[i] = StepSummary{
			Name:       rec.Step,
			Outcome:    rec.Outcome,
			DurationMS: rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
			Error:      rec.Error,
		}
	}
	return out
}

func latestRunID(ctx context.Context, st *store.Store) string {
	runs, err := st.ListRuns(context.WithoutCancel(ctx), 1)
	if err != nil || len(runs) == 0 {
		return ""
	}
	return runs[0].ID
}

func writeRunText(formatter *OutputFormatter, runID string, result RunResult, runErr error) {
	w := formatter.Writer
	if runErr != nil {
		fmt.Fprintf(w, "✗ Import failed (run %s)\n", runID)
		if step, ok := runner.FailedStep(runErr); ok {
			fmt.Fprintf(w, "  failed step: %s\n", step)
		}
		fmt.Fprintf(w, "  %v\n", runErr)
	} else {
		fmt.Fprintf(w, "✓ Import succeeded (run %s, %d steps)\n", runID, len(result.Steps))
	}
	if len(result.Steps) == 0 {
		return
	}

	fmt.Fprintln(w)
	rows := make([][]string, len(result.Steps))
	for i, s := range result.Steps {
		rows[i] = []string{s.Name, s.Outcome, (time.Duration(s.DurationMS) * time.Millisecond).String()}
	}
	_ = formatter.Table([]string{"STEP", "OUTCOME", "DURATION"}, rows)
}
