package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/beetle/internal/engine"
	"github.com/roach88/beetle/internal/store"
)

// RegisterOptions holds flags for the register command.
type RegisterOptions struct {
	*RootOptions
	Database     string
	TargetSchema string
	List         bool
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register [external-system...]",
		Short: "Register external systems in the target database",
		Long: `Register the external systems that feed the target database.

An import only runs for a registered external source. Registering a name
twice keeps its id. With --list the registered systems are printed.

Example:
  beetle register --db ./target.db crm billing
  beetle register --db ./target.db --list`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !opts.List {
				return NewExitError(ExitCommandError, "at least one external system name is required (or --list)")
			}
			return runRegister(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite target database (required)")
	cmd.Flags().StringVar(&opts.TargetSchema, "schema", engine.DefaultSchema, "schema holding the bookkeeping tables")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list registered external systems")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runRegister(opts *RegisterOptions, names []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if err := store.EnsureBookkeeping(ctx, st.DB(), opts.TargetSchema); err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare bookkeeping tables", err)
	}
	for _, name := range names {
		id, err := store.RegisterExternalSystem(ctx, st.DB(), opts.TargetSchema, name)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to register external system", err)
		}
		formatter.VerboseLog("Registered %s as %d", name, id)
	}

	systems, err := store.ListExternalSystems(ctx, st.DB(), opts.TargetSchema)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list external systems", err)
	}
	if systems == nil {
		systems = []store.ExternalSystem{}
	}

	if formatter.Format == "json" {
		return formatter.Success(systems)
	}
	if len(names) > 0 {
		fmt.Fprintf(formatter.Writer, "✓ Registered %d external system(s)\n", len(names))
	}
	if len(systems) == 0 {
		fmt.Fprintln(formatter.Writer, "No external systems registered.")
		return nil
	}
	rows := make([][]string, len(systems))
	for i, s := range systems {
		rows[i] = []string{strconv.FormatInt(s.ID, 10), s.Name}
	}
	return formatter.Table([]string{"ID", "NAME"}, rows)
}
