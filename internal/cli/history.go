package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/beetle/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// RunDetail is one import run with its step records.
type RunDetail struct {
	Run   store.ImportRun    `json:"run"`
	Steps []store.StepRecord `json:"steps"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past import runs",
		Long: `List the import runs recorded in the target database, newest first.

Given a run id, show that run and the outcome of each of its steps.

Example:
  beetle history --db ./target.db
  beetle history --db ./target.db --limit 5
  beetle history --db ./target.db 0190f1f4-...`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runShowRun(opts, args[0], cmd)
			}
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite target database (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 = all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if runs == nil {
		runs = []store.ImportRun{}
	}

	if formatter.Format == "json" {
		return formatter.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(formatter.Writer, "No import runs recorded.")
		return nil
	}

	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{r.ID, r.ExternalSource, r.Status, r.RunAt.UTC().Format(time.RFC3339), r.Policy}
	}
	return formatter.Table([]string{"RUN", "SOURCE", "STATUS", "RUN AT", "POLICY"}, rows)
}

func runShowRun(opts *HistoryOptions, runID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	run, err := st.ReadRun(cmd.Context(), runID)
	if err != nil {
		_ = formatter.Error("E_RUN_NOT_FOUND", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	records, err := st.ReadStepRecords(cmd.Context(), runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read step records", err)
	}
	if records == nil {
		records = []store.StepRecord{}
	}

	if formatter.Format == "json" {
		return formatter.Success(RunDetail{Run: run, Steps: records})
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Run %s\n", run.ID)
	fmt.Fprintf(w, "  source:  %s\n", run.ExternalSource)
	fmt.Fprintf(w, "  status:  %s\n", run.Status)
	fmt.Fprintf(w, "  policy:  %s\n", run.Policy)
	fmt.Fprintf(w, "  run at:  %s\n", run.RunAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  hash:    %s\n", run.TransformationsHash)
	if run.Error != "" {
		fmt.Fprintf(w, "  error:   %s\n", run.Error)
	}
	if len(records) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	rows := make([][]string, len(records))
	for i, rec := range records {
		rows[i] = []string{rec.Step, rec.Outcome, rec.FinishedAt.Sub(rec.StartedAt).String(), rec.Error}
	}
	return formatter.Table([]string{"STEP", "OUTCOME", "DURATION", "ERROR"}, rows)
}
