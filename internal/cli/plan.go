package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/beetle/internal/compiler"
	"github.com/roach88/beetle/internal/engine"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	NoPrepareStage bool
}

// PlanStep is one step of a plan layer.
type PlanStep struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// PlanResult is the step graph of a transformations directory.
type PlanResult struct {
	Tables int          `json:"tables"`
	Steps  int          `json:"steps"`
	Layers [][]PlanStep `json:"layers"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <transformations-dir>",
		Short: "Show the steps of an import in dependency order",
		Long: `Build the step graph of an import without running it.

Steps are grouped into layers. Every step depends only on steps of earlier
layers, so the steps of one layer may run concurrently.

Example:
  beetle plan ./transformations
  beetle plan ./transformations --no-prepare-stage --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.NoPrepareStage, "no-prepare-stage", false, "omit CreateStage and Transform steps (stage tables are filled externally)")

	return cmd
}

func runPlan(opts *PlanOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	defs, err := compiler.LoadDir(dir)
	if err != nil {
		code, message := loadErrorDetails(err)
		_ = formatter.Error(code, message, nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
	}

	plan, err := BuildPlan(defs, !opts.NoPrepareStage)
	if err != nil {
		verr := planValidationError(err)
		_ = formatter.Error(verr.Code, verr.Message, nil)
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", verr.Code, verr.Message))
	}

	if formatter.Format == "json" {
		return formatter.Success(plan)
	}
	writePlanText(formatter, plan)
	return nil
}

// BuildPlan returns the layered step graph of defs.
func BuildPlan(defs *compiler.Definitions, prepareStage bool) (*PlanResult, error) {
	resolver, err := engine.Plan(defs.Transformations, defs.Unique, prepareStage)
	if err != nil {
		return nil, err
	}

	plan := &PlanResult{
		Tables: len(defs.Transformations),
		Steps:  resolver.Len(),
		Layers: [][]PlanStep{},
	}
	for _, names := range resolver.Order() {
		layer := make([]PlanStep, len(names))
		for i, name := range names {
			layer[i] = PlanStep{Name: name, DependsOn: resolver.Dependencies(name)}
		}
		plan.Layers = append(plan.Layers, layer)
	}
	return plan, nil
}

func writePlanText(formatter *OutputFormatter, plan *PlanResult) {
	w := formatter.Writer
	fmt.Fprintf(w, "Plan: %d tables, %d steps, %d layers\n", plan.Tables, plan.Steps, len(plan.Layers))
	for i, layer := range plan.Layers {
		fmt.Fprintf(w, "\nLayer %d\n", i+1)
		for _, step := range layer {
			if len(step.DependsOn) == 0 {
				fmt.Fprintf(w, "  %s\n", step.Name)
				continue
			}
			fmt.Fprintf(w, "  %s <- %s\n", step.Name, strings.Join(step.DependsOn, ", "))
		}
	}
}
