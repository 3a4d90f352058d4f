package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/record"
	"github.com/roach88/statesync/internal/selector"
	"github.com/roach88/statesync/internal/statetable"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Timeout time.Duration
	Prefix  string
	Limit   int
}

// WatchEvent is one update printed by watch.
type WatchEvent struct {
	Table string `json:"table"`
	record.KeyOpFieldsValues
}

func (e WatchEvent) String() string {
	return e.Table + " " + e.KeyOpFieldsValues.String()
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <table>...",
		Short: "Consume updates from one or more tables as they arrive",
		Long: `Wait on every named table at once and print each update as it is
drained, one per line.

watch stops on interrupt, after --limit updates, or when --timeout passes
with no table becoming ready.

Example:
  statesync watch PORT_TABLE ROUTE_TABLE
  statesync watch PORT_TABLE --timeout 5s --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, args)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "stop after this long with nothing ready (0 waits forever)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only consume keys starting with this prefix")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after this many updates (0 means no limit)")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, names []string) error {
	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	tables, err := parseTables(names)
	if err != nil {
		return e.out.Fail(ExitCommandError, CodeArgs, "invalid table", err)
	}

	ctx, cancel := signalContext(commandContext(cmd), e.logger)
	defer cancel()

	sel := selector.New()
	for _, t := range tables {
		c, err := statetable.NewConsumer(ctx, e.backend, t, e.engineOptions(statetable.WithPrefix(opts.Prefix))...)
		if err != nil {
			return e.out.Fail(ExitFailure, CodeOperation, "failed to start consumer", err)
		}
		defer c.Close()
		sel.Add(c)
	}

	e.logger.Debug("watching", "tables", names, "timeout", opts.Timeout)
	seen := 0
	for {
		ready, res, err := sel.Select(ctx, opts.Timeout)
		switch res {
		case selector.ResultTimeout:
			e.out.VerboseLog("no updates within %s", opts.Timeout)
			return nil
		case selector.ResultError:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return e.out.Fail(ExitFailure, CodeOperation, "watch failed", err)
		}

		c := ready.(*statetable.Consumer)
		max := 0
		if opts.Limit > 0 {
			max = opts.Limit - seen
		}
		us, err := c.Pops(ctx, max)
		for _, u := range us {
			e.out.Success(WatchEvent{Table: c.Table().Name, KeyOpFieldsValues: u})
		}
		seen += len(us)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return e.out.Fail(ExitFailure, CodeOperation, "pop failed", err)
		}
		if opts.Limit > 0 && seen >= opts.Limit {
			return nil
		}
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
