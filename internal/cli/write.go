package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/record"
	"github.com/roach88/statesync/internal/statetable"
)

// WriteResult reports one committed Set or Del.
type WriteResult struct {
	Table  string    `json:"table"`
	Key    string    `json:"key"`
	Op     record.Op `json:"op"`
	Fields int       `json:"fields"`
}

func (r WriteResult) String() string {
	if r.Op == record.OpDel {
		return fmt.Sprintf("%s %s %s", r.Table, r.Op, r.Key)
	}
	return fmt.Sprintf("%s %s %s (%d fields)", r.Table, r.Op, r.Key, r.Fields)
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <table> <key> [field=value ...]",
		Short: "Merge fields into a key's pending update",
		Long: `Merge fields into a key's pending update.

If the key is not pending it joins the tail of the table's order. If a
delete is pending it is replaced by a SET carrying only these fields.

Example:
  statesync set PORT_TABLE Ethernet0 mtu=9100 admin_status=up
  statesync --db /tmp/state.db set PORT_TABLE Ethernet0`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, rootOpts, record.OpSet, args[0], args[1], args[2:])
		},
	}
}

// NewDelCommand creates the del command.
func NewDelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "del <table> <key>",
		Short: "Replace a key's pending update with a delete",
		Long: `Replace a key's pending update with a delete, discarding any fields
queued by earlier set calls.

Example:
  statesync del PORT_TABLE Ethernet0`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, rootOpts, record.OpDel, args[0], args[1], nil)
		},
	}
}

func runWrite(cmd *cobra.Command, opts *RootOptions, op record.Op, table, key string, pairs []string) error {
	fields, err := parseFields(pairs)
	if err != nil {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return out.Fail(ExitCommandError, CodeArgs, "invalid field", err)
	}

	e, err := openEnv(cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := statetable.NewTable(table)
	if err != nil {
		return e.out.Fail(ExitCommandError, CodeArgs, "invalid table", err)
	}

	p := statetable.NewProducer(e.backend, t, e.engineOptions()...)
	ctx := commandContext(cmd)
	if op == record.OpDel {
		err = p.Del(ctx, key)
	} else {
		err = p.Set(ctx, key, fields)
	}
	if err != nil {
		return e.out.Fail(ExitFailure, CodeOperation, strings.ToLower(string(op))+" failed", err)
	}

	return e.out.Success(WriteResult{Table: t.Name, Key: key, Op: op, Fields: len(fields)})
}

// parseFields splits field=value arguments. Values may be empty or contain
// '='; field names may not be empty.
func parseFields(pairs []string) ([]record.FieldValue, error) {
	fields := make([]record.FieldValue, 0, len(pairs))
	for _, p := range pairs {
		field, value, ok := strings.Cut(p, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("%q: want field=value", p)
		}
		fields = append(fields, record.FV(field, value))
	}
	return fields, nil
}
