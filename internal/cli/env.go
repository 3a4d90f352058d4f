package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/backend/memory"
	"github.com/roach88/statesync/internal/backend/postgres"
	"github.com/roach88/statesync/internal/backend/sqlite"
	"github.com/roach88/statesync/internal/config"
	"github.com/roach88/statesync/internal/statetable"
)

// env is what every table command needs: configuration, a logger, an open
// backend and an output formatter.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	backend backend.Backend
	out     *OutputFormatter
}

// openEnv loads configuration, applies flag overrides and opens the
// backend. Failures are reported through the formatter.
func openEnv(cmd *cobra.Command, opts *RootOptions) (*env, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}

	logger, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, out.Fail(ExitCommandError, CodeConfig, "invalid log settings", err)
	}

	open := opts.OpenBackend
	if open == nil {
		open = func(ctx context.Context, cfg config.Config) (backend.Backend, error) {
			return openBackend(ctx, cfg, logger)
		}
	}
	logger.Debug("opening backend", "kind", cfg.Backend.Kind)
	b, err := open(commandContext(cmd), cfg)
	if err != nil {
		return nil, out.Fail(ExitCommandError, CodeBackend, "failed to open backend", err)
	}

	return &env{cfg: cfg, logger: logger, backend: b, out: out}, nil
}

func (e *env) Close() {
	if err := e.backend.Close(); err != nil {
		e.logger.Error("error closing backend", "error", err)
	}
}

// engineOptions are the statetable options derived from configuration.
func (e *env) engineOptions(extra ...statetable.Option) []statetable.Option {
	return append([]statetable.Option{
		statetable.WithLogger(e.logger),
		statetable.WithBatchSize(e.cfg.PopBatchSize),
	}, extra...)
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return config.Config{}, err
		}
	}

	if opts.Backend != "" {
		cfg.Backend.Kind = opts.Backend
	}
	if opts.Database != "" {
		cfg.Backend.SQLite.Path = opts.Database
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug.
func newLogger(l config.Log, verbose bool, w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler), nil
}

// openBackend opens the backend named by cfg.Backend.Kind.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case config.KindMemory:
		return memory.New(), nil
	case config.KindSQLite:
		b, err := sqlite.Open(cfg.Backend.SQLite.Path,
			sqlite.WithPollInterval(cfg.Backend.SQLite.PollInterval),
			sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.KindPostgres:
		b, err := postgres.Open(ctx, cfg.Backend.Postgres.DSN(), postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseTables(names []string) ([]statetable.Table, error) {
	tables := make([]statetable.Table, 0, len(names))
	for _, name := range names {
		t, err := statetable.NewTable(name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}
