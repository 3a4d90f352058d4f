package statetable

import (
	"log/slog"
	"time"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
)

// DefaultPopBatchSize is the number of updates Pops drains when no batch
// size is configured.
const DefaultPopBatchSize = 128

// Table identifies one independent key namespace.
type Table struct {
	Name string
}

// NewTable validates name and returns the table it identifies.
func NewTable(name string) (Table, error) {
	if err := backend.ValidateTable(name); err != nil {
		return Table{}, err
	}
	return Table{Name: name}, nil
}

// String returns the table name.
func (t Table) String() string {
	return t.Name
}

// Observer receives engine events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveSet(table string)
	ObserveDel(table string)
	ObservePop(table string, op record.Op)
	ObserveEmptyPop(table string)
	ObserveTxn(table, kind string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveSet(string)                               {}
func (nopObserver) ObserveDel(string)                               {}
func (nopObserver) ObservePop(string, record.Op)                    {}
func (nopObserver) ObserveEmptyPop(string)                          {}
func (nopObserver) ObserveTxn(string, string, time.Duration, error) {}

// Transaction kinds passed to Observer.ObserveTxn.
const (
	TxnSet = "set"
	TxnDel = "del"
	TxnPop = "pop"
)

type options struct {
	logger    *slog.Logger
	observer  Observer
	batchSize int
	prefix    string
}

// Option configures a Producer or Consumer.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver attaches an Observer, e.g. a metrics collector.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithBatchSize sets the default count for Pops. Values <= 0 are ignored.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPrefix restricts a Consumer to keys starting with prefix: Pop and
// Pops only drain matching keys, and readiness tracks matching keys only.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func applyOptions(opts []Option) options {
	o := options{
		logger:    slog.Default(),
		observer:  nopObserver{},
		batchSize: DefaultPopBatchSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
