package statetable

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
)

// Producer publishes coalesced field updates and deletions into a table.
//
// A Producer holds no state between calls and is safe for concurrent use.
// Any number of producers, in any number of processes, may write to the
// same table.
type Producer struct {
	b      backend.Backend
	table  Table
	logger *slog.Logger
	obs    Observer
}

// NewProducer creates a producer for table t.
func NewProducer(b backend.Backend, t Table, opts ...Option) *Producer {
	o := applyOptions(opts)
	return &Producer{
		b:      b,
		table:  t,
		logger: o.logger.With("table", t.Name, "role", "producer"),
		obs:    o.observer,
	}
}

// Table returns the table this producer writes to.
func (p *Producer) Table() Table {
	return p.table
}

// Set merges fields into key's pending update.
//
// If key is clean it becomes pending at the tail of the order. If key is
// pending with a DEL, the DEL is replaced by a SET starting from no fields.
// Otherwise fields are merged into the pending SET, last writer wins per
// field. An empty fields slice still marks key pending and wakes consumers.
func (p *Producer) Set(ctx context.Context, key string, fields []record.FieldValue) error {
	if key == "" {
		return ErrEmptyKey
	}

	start := time.Now()
	var fresh bool
	err := p.b.Atomic(ctx, p.table.Name, func(tx backend.Txn) error {
		op, exists, err := tx.Entry(key)
		if err != nil {
			return err
		}

		switch {
		case !exists:
			if fresh, err = p.enqueue(tx, key); err != nil {
				return err
			}
			if err := tx.SetOp(key, record.OpSet); err != nil {
				return err
			}
		case op == record.OpDel:
			if err := tx.ClearFields(key); err != nil {
				return err
			}
			if err := tx.SetOp(key, record.OpSet); err != nil {
				return err
			}
		case op != record.OpSet:
			return newInvariantError(ErrCodeUnknownOp, p.table.Name, key, fmt.Sprintf("pending op %q", op))
		}

		if len(fields) > 0 {
			if err := tx.UpsertFields(key, fields); err != nil {
				return err
			}
		}
		return tx.Publish()
	})
	p.obs.ObserveTxn(p.table.Name, TxnSet, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", p.table.Name, key, err)
	}

	p.obs.ObserveSet(p.table.Name)
	p.logger.Debug("set", "key", key, "fields", len(fields), "enqueued", fresh)
	return nil
}

// Del replaces key's pending update with a DEL, discarding any fields
// queued by earlier Set calls.
func (p *Producer) Del(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	start := time.Now()
	var fresh bool
	err := p.b.Atomic(ctx, p.table.Name, func(tx backend.Txn) error {
		op, exists, err := tx.Entry(key)
		if err != nil {
			return err
		}

		if !exists {
			if fresh, err = p.enqueue(tx, key); err != nil {
				return err
			}
		} else if !op.Valid() {
			return newInvariantError(ErrCodeUnknownOp, p.table.Name, key, fmt.Sprintf("pending op %q", op))
		}

		if err := tx.SetOp(key, record.OpDel); err != nil {
			return err
		}
		if err := tx.ClearFields(key); err != nil {
			return err
		}
		return tx.Publish()
	})
	p.obs.ObserveTxn(p.table.Name, TxnDel, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("del %s/%s: %w", p.table.Name, key, err)
	}

	p.obs.ObserveDel(p.table.Name)
	p.logger.Debug("del", "key", key, "enqueued", fresh)
	return nil
}

// enqueue appends a key that has no entry. The key must not already be in
// the order: a pending key without an entry breaks the order/state pairing.
func (p *Producer) enqueue(tx backend.Txn, key string) (bool, error) {
	added, err := tx.Append(key)
	if err != nil {
		return false, err
	}
	if !added {
		return false, newInvariantError(ErrCodeMissingEntry, p.table.Name, key, "key is pending but has no entry")
	}
	return true, nil
}
