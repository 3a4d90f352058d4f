package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/statetable"
)

// TableStats is the pending count of one table.
type TableStats struct {
	Table   string `json:"table"`
	Pending int    `json:"pending"`
}

// StatsResult lists pending counts per table.
type StatsResult struct {
	Tables []TableStats `json:"tables"`
}

func (r StatsResult) String() string {
	lines := make([]string, len(r.Tables))
	for i, s := range r.Tables {
		lines[i] = fmt.Sprintf("%s %d", s.Table, s.Pending)
	}
	return strings.Join(lines, "\n")
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "stats <table>...",
		Short: "Show pending key counts",
		Long: `Show how many keys are pending in each table. Nothing is drained.

Example:
  statesync stats PORT_TABLE ROUTE_TABLE`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			tables, err := parseTables(args)
			if err != nil {
				return e.out.Fail(ExitCommandError, CodeArgs, "invalid table", err)
			}

			ctx := commandContext(cmd)
			res := StatsResult{Tables: make([]TableStats, 0, len(tables))}
			for _, t := range tables {
				n, err := statetable.Pending(ctx, e.backend, t, prefix)
				if err != nil {
					return e.out.Fail(ExitFailure, CodeOperation, "stats failed", err)
				}
				res.Tables = append(res.Tables, TableStats{Table: t.Name, Pending: n})
			}
			return e.out.Success(res)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "only count keys starting with this prefix")

	return cmd
}
