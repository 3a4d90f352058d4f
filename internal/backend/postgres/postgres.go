// Package postgres implements a backend on a shared PostgreSQL database.
//
// Every transaction first takes a transaction-scoped advisory lock derived
// from the table name, so read-modify-write sequences on one table are
// serialized across all connected processes. Wakeups use NOTIFY, which
// PostgreSQL delivers only when the notifying transaction commits.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
)

// ChannelPrefix is prepended to table names to form NOTIFY channels.
const ChannelPrefix = "statesync_"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS statesync_pending_keys (
	seq BIGSERIAL PRIMARY KEY,
	tbl TEXT NOT NULL,
	key BYTEA NOT NULL,
	UNIQUE (tbl, key)
);
CREATE INDEX IF NOT EXISTS idx_statesync_pending_keys_tbl_seq ON statesync_pending_keys (tbl, seq);
CREATE TABLE IF NOT EXISTS statesync_entries (
	tbl TEXT NOT NULL,
	key BYTEA NOT NULL,
	op  TEXT NOT NULL,
	PRIMARY KEY (tbl, key)
);
CREATE TABLE IF NOT EXISTS statesync_fields (
	tbl   TEXT NOT NULL,
	key   BYTEA NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	ord   BIGINT NOT NULL,
	PRIMARY KEY (tbl, key, field)
)`

// Backend stores state tables in PostgreSQL.
type Backend struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger

	minReconnect time.Duration
	maxReconnect time.Duration

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Option configures Open.
type Option func(*Backend)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithReconnect sets the listener reconnect backoff bounds.
func WithReconnect(min, max time.Duration) Option {
	return func(b *Backend) {
		if min > 0 && max >= min {
			b.minReconnect = min
			b.maxReconnect = max
		}
	}
}

// Open connects to the database named by dsn and creates the schema if
// needed.
func Open(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	b := &Backend{
		dsn:          dsn,
		logger:       slog.Default(),
		minReconnect: 10 * time.Millisecond,
		maxReconnect: time.Minute,
		subs:         make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	b.db = db
	return b, nil
}

// createSchema runs the DDL under an advisory lock so processes starting
// together do not race on CREATE TABLE.
func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('statesync_schema'))`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	return tx.Commit()
}

// DB returns the underlying sql.DB.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Close closes every subscription and the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	return b.db.Close()
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Channel returns the NOTIFY channel used for table.
func Channel(table string) string {
	return ChannelPrefix + table
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
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return backend.Transport("lock table", err)
	}

	if err := fn(&txn{ctx: ctx, tx: sqlTx, table: table}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return backend.Transport("commit", err)
	}
	return nil
}

type txn struct {
	ctx   context.Context
	tx    *sql.Tx
	table string
}

// Keys are stored as BYTEA so any byte string, including NUL and invalid
// UTF-8, round-trips and prefixes compare byte-wise.
func keyBytes(s string) []byte {
	return append([]byte{}, s...)
}

func (t *txn) Append(key string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO statesync_pending_keys (tbl, key)
		VALUES ($1, $2)
		ON CONFLICT (tbl, key) DO NOTHING
	`, t.table, keyBytes(key))
	if err != nil {
		return false, backend.Transport("append", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backend.Transport("append: rows affected", err)
	}
	return n > 0, nil
}

func (t *txn) PopHead(prefix string) (string, bool, error) {
	var key []byte
	err := t.tx.QueryRowContext(t.ctx, `
		DELETE FROM statesync_pending_keys
		WHERE seq = (
			SELECT seq FROM statesync_pending_keys
			WHERE tbl = $1 AND substring(key FROM 1 FOR octet_length($2::bytea)) = $2::bytea
			ORDER BY seq ASC
			LIMIT 1
		)
		RETURNING key
	`, t.table, keyBytes(prefix)).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backend.Transport("pop head", err)
	}
	return string(key), true, nil
}

func (t *txn) Len(prefix string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM statesync_pending_keys
		WHERE tbl = $1 AND substring(key FROM 1 FOR octet_length($2::bytea)) = $2::bytea
	`, t.table, keyBytes(prefix)).Scan(&n)
	if err != nil {
		return 0, backend.Transport("len", err)
	}
	return n, nil
}

func (t *txn) Entry(key string) (record.Op, bool, error) {
	var op string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT op FROM statesync_entries WHERE tbl = $1 AND key = $2
	`, t.table, keyBytes(key)).Scan(&op)
	if errors.Is(err, sql.ErrNoRows) {
		return record.OpNone, false, nil
	}
	if err != nil {
		return record.OpNone, false, backend.Transport("entry", err)
	}
	return record.Op(op), true, nil
}

func (t *txn) SetOp(key string, op record.Op) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO statesync_entries (tbl, key, op)
		VALUES ($1, $2, $3)
		ON CONFLICT (tbl, key) DO UPDATE SET op = EXCLUDED.op
	`, t.table, keyBytes(key), string(op))
	return backend.Transport("set op", err)
}

func (t *txn) UpsertFields(key string, fields []record.FieldValue) error {
	for _, fv := range fields {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO statesync_fields (tbl, key, field, value, ord)
			VALUES ($1, $2, $3, $4, (
				SELECT COALESCE(MAX(ord), 0) + 1 FROM statesync_fields WHERE tbl = $1 AND key = $2
			))
			ON CONFLICT (tbl, key, field) DO UPDATE SET value = EXCLUDED.value
		`, t.table, keyBytes(key), fv.Field, fv.Value)
		if err != nil {
			return backend.Transport("upsert fields", err)
		}
	}
	return nil
}

func (t *txn) Fields(key string) ([]record.FieldValue, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT field, value FROM statesync_fields
		WHERE tbl = $1 AND key = $2
		ORDER BY ord ASC
	`, t.table, keyBytes(key))
	if err != nil {
		return nil, backend.Transport("fields", err)
	}
	defer rows.Close()

	out := make([]record.FieldValue, 0)
	for rows.Next() {
		var fv record.FieldValue
		if err := rows.Scan(&fv.Field, &fv.Value); err != nil {
			return nil, backend.Transport("fields: scan", err)
		}
		out = append(out, fv)
	}
	if err := rows.Err(); err != nil {
		return nil, backend.Transport("fields: iterate", err)
	}
	return out, nil
}

func (t *txn) ClearFields(key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM statesync_fields WHERE tbl = $1 AND key = $2`, t.table, keyBytes(key))
	return backend.Transport("clear fields", err)
}

func (t *txn) DeleteEntry(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM statesync_fields WHERE tbl = $1 AND key = $2`, t.table, keyBytes(key)); err != nil {
		return backend.Transport("delete entry: fields", err)
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM statesync_entries WHERE tbl = $1 AND key = $2`, t.table, keyBytes(key))
	return backend.Transport("delete entry", err)
}

// Publish queues a NOTIFY; PostgreSQL drops it if the transaction rolls back.
func (t *txn) Publish() error {
	_, err := t.tx.ExecContext(t.ctx, `SELECT pg_notify($1, '')`, Channel(t.table))
	return backend.Transport("publish", err)
}

// subscription owns one pq.Listener connection.
type subscription struct {
	*backend.Signal
	b        *Backend
	table    string
	listener *pq.Listener
	wg       sync.WaitGroup
	once     sync.Once
}

// Subscribe implements backend.Backend.
func (b *Backend) Subscribe(ctx context.Context, table string) (backend.Subscription, error) {
	if err := backend.ValidateTable(table); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, backend.Transport("subscribe", backend.ErrClosed)
	}

	logger := b.logger.With("table", table)
	listener := pq.NewListener(b.dsn, b.minReconnect, b.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("postgres listener connection attempt failed", "error", err)
		case pq.ListenerEventDisconnected:
			logger.Warn("postgres listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("postgres listener reconnected")
		}
	})

	if err := listener.Listen(Channel(table)); err != nil {
		listener.Close()
		return nil, backend.Transport("listen", err)
	}
	if err := ctx.Err(); err != nil {
		listener.Close()
		return nil, backend.Transport("subscribe", err)
	}

	s := &subscription{Signal: backend.NewSignal(), b: b, table: table, listener: listener}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		listener.Close()
		return nil, backend.Transport("subscribe", backend.ErrClosed)
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	s.wg.Add(1)
	go s.forward()

	logger.Debug("postgres subscription opened", "channel", Channel(table))
	return s, nil
}

// forward turns notifications into wakeups. pq sends nil after a
// reconnect; notifications may have been missed then, so it wakes too.
func (s *subscription) forward() {
	defer s.wg.Done()
	for range s.listener.Notify {
		s.Notify()
	}
}

func (s *subscription) shutdown() {
	s.once.Do(func() {
		s.Stop()
		s.listener.Close()
		s.wg.Wait()
	})
}

func (s *subscription) Close() error {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	s.shutdown()
	return nil
}
