package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/statesync/internal/backend"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - pending_keys, entries, fields, table_signals
const currentSchemaVersion = 1

// DefaultPollInterval is how often subscribers re-check publish counters
// when no file event arrives.
const DefaultPollInterval = 250 * time.Millisecond

// Backend stores state tables in a SQLite database file that several
// processes on the same host may open concurrently.
type Backend struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	pollInterval time.Duration
	watcher      *fsnotify.Watcher
	watchBase    string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures Open.
type Option func(*Backend)

// WithPollInterval sets how often subscriptions re-check for commits made by
// other processes. Values <= 0 keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - IMMEDIATE transactions, so the write lock is taken at BEGIN and
//     read-modify-write sequences from different processes serialize
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Backend, error) {
	b := &Backend{
		path:         path,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		subs:         make(map[*subscription]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection per process; other processes contend through SQLite's
	// file locks and busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	b.db = db

	if !isMemory(path) {
		if err := b.startWatcher(); err != nil {
			// Polling alone still delivers wakeups, only later.
			b.logger.Warn("file watch unavailable, falling back to polling", "path", path, "error", err)
		}
	}

	b.wg.Add(1)
	go b.watch()

	return b, nil
}

func dsn(path string) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "5000")
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + params.Encode()
	}
	return "file:" + path + "?" + params.Encode()
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory")
}

// Close stops wakeup delivery, closes subscriptions and the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for s := range b.subs {
		s.Stop()
		delete(b.subs, s)
	}
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	if b.watcher != nil {
		b.watcher.Close()
	}
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Backend methods when available.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Path returns the database path passed to Open.
func (b *Backend) Path() string {
	return b.path
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (b *Backend) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := b.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// Atomic implements backend.Backend.
func (b *Backend) Atomic(ctx context.Context, table string, fn func(backend.Txn) error) error {
	if err := backend.ValidateTable(table); err != nil {
		return err
	}
	if b.isClosed() {
		return backend.Transport("begin", backend.ErrClosed)
	}

	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return backend.Transport("begin", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	tx := &txn{ctx: ctx, tx: sqlTx, table: table}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return backend.Transport("commit", err)
	}

	if tx.published {
		b.notifyLocal(table, tx.seq)
	}
	return nil
}

// startWatcher watches the database directory so commits from other
// processes (writes to the db and -wal files) trigger an immediate check.
func (b *Backend) startWatcher() error {
	abs, err := filepath.Abs(b.path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}
	b.watcher = w
	b.watchBase = filepath.Base(abs)
	return nil
}
