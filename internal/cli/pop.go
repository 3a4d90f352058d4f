package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/record"
	"github.com/roach88/statesync/internal/statetable"
)

// PopOptions holds flags for the pop command.
type PopOptions struct {
	*RootOptions
	Count  int
	Prefix string
}

// PopResult holds the updates drained from one table.
type PopResult struct {
	Table   string                     `json:"table"`
	Updates []record.KeyOpFieldsValues `json:"updates"`
}

func (r PopResult) String() string {
	if len(r.Updates) == 0 {
		return r.Table + " (nothing pending)"
	}
	lines := make([]string, len(r.Updates))
	for i, u := range r.Updates {
		lines[i] = r.Table + " " + u.String()
	}
	return strings.Join(lines, "\n")
}

// NewPopCommand creates the pop command.
func NewPopCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PopOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pop <table>",
		Short: "Drain pending updates without waiting",
		Long: `Drain up to --count pending updates from a table, oldest first.

Each key is returned once with its coalesced op and fields. Nothing
pending is not an error.

Example:
  statesync pop PORT_TABLE --count 10
  statesync pop PORT_TABLE --prefix Ethernet --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPop(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "maximum updates to drain (default pop_batch_size)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only drain keys starting with this prefix")

	return cmd
}

func runPop(cmd *cobra.Command, opts *PopOptions, table string) error {
	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := statetable.NewTable(table)
	if err != nil {
		return e.out.Fail(ExitCommandError, CodeArgs, "invalid table", err)
	}

	ctx := commandContext(cmd)
	c, err := statetable.NewConsumer(ctx, e.backend, t, e.engineOptions()...)
	if err != nil {
		return e.out.Fail(ExitFailure, CodeOperation, "failed to start consumer", err)
	}
	defer c.Close()

	us, err := c.PopsPrefix(ctx, opts.Count, opts.Prefix)
	if err != nil {
		// Already-popped updates are gone from the table; still print them.
		if len(us) > 0 {
			e.out.Success(PopResult{Table: t.Name, Updates: us})
		}
		return e.out.Fail(ExitFailure, CodeOperation, "pop failed", err)
	}
	e.out.VerboseLog("popped %d updates from %s", len(us), t.Name)
	return e.out.Success(PopResult{Table: t.Name, Updates: us})
}
