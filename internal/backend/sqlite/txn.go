package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
)

// txn runs the list and hash primitives inside one IMMEDIATE transaction.
type txn struct {
	ctx   context.Context
	tx    *sql.Tx
	table string

	published bool
	seq       int64
}

func (t *txn) Append(key string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO pending_keys (tbl, key)
		VALUES (?, ?)
		ON CONFLICT(tbl, key) DO NOTHING
	`, t.table, key)
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
	var (
		seq int64
		key string
	)
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT seq, key FROM pending_keys
		WHERE tbl = ? AND substr(CAST(key AS BLOB), 1, length(CAST(? AS BLOB))) = CAST(? AS BLOB)
		ORDER BY seq ASC
		LIMIT 1
	`, t.table, prefix, prefix).Scan(&seq, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backend.Transport("pop head", err)
	}

	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM pending_keys WHERE seq = ?`, seq); err != nil {
		return "", false, backend.Transport("pop head: delete", err)
	}
	return key, true, nil
}

func (t *txn) Len(prefix string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM pending_keys
		WHERE tbl = ? AND substr(CAST(key AS BLOB), 1, length(CAST(? AS BLOB))) = CAST(? AS BLOB)
	`, t.table, prefix, prefix).Scan(&n)
	if err != nil {
		return 0, backend.Transport("len", err)
	}
	return n, nil
}

func (t *txn) Entry(key string) (record.Op, bool, error) {
	var op string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT op FROM entries WHERE tbl = ? AND key = ?
	`, t.table, key).Scan(&op)
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
		INSERT INTO entries (tbl, key, op)
		VALUES (?, ?, ?)
		ON CONFLICT(tbl, key) DO UPDATE SET op = excluded.op
	`, t.table, key, string(op))
	return backend.Transport("set op", err)
}

func (t *txn) UpsertFields(key string, fields []record.FieldValue) error {
	stmt, err := t.tx.PrepareContext(t.ctx, `
		INSERT INTO fields (tbl, key, field, value, ord)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(ord), 0) + 1 FROM fields WHERE tbl = ? AND key = ?))
		ON CONFLICT(tbl, key, field) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return backend.Transport("upsert fields: prepare", err)
	}
	defer stmt.Close()

	for _, fv := range fields {
		if _, err := stmt.ExecContext(t.ctx, t.table, key, fv.Field, fv.Value, t.table, key); err != nil {
			return backend.Transport("upsert fields", err)
		}
	}
	return nil
}

func (t *txn) Fields(key string) ([]record.FieldValue, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT field, value FROM fields
		WHERE tbl = ? AND key = ?
		ORDER BY ord ASC
	`, t.table, key)
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
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM fields WHERE tbl = ? AND key = ?`, t.table, key)
	return backend.Transport("clear fields", err)
}

func (t *txn) DeleteEntry(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM fields WHERE tbl = ? AND key = ?`, t.table, key); err != nil {
		return backend.Transport("delete entry: fields", err)
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE tbl = ? AND key = ?`, t.table, key)
	return backend.Transport("delete entry", err)
}

// Publish bumps the table's publish counter. Other processes notice the new
// value; subscribers in this process are signalled directly after commit.
func (t *txn) Publish() error {
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO table_signals (tbl, seq)
		VALUES (?, 1)
		ON CONFLICT(tbl) DO UPDATE SET seq = seq + 1
		RETURNING seq
	`, t.table).Scan(&t.seq)
	if err != nil {
		return backend.Transport("publish", err)
	}
	t.published = true
	return nil
}
