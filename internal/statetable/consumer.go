package statetable

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
)

// Drainer removes pending updates from a table without blocking.
type Drainer interface {
	Pop(ctx context.Context) (record.KeyOpFieldsValues, error)
	Pops(ctx context.Context, max int) ([]record.KeyOpFieldsValues, error)
}

// Consumer drains coalesced updates from a table in the order keys became
// pending.
//
// Consumer never blocks waiting for data. Ready returns a channel that
// receives a value whenever the table may hold pending keys; a reactor
// waits on it and then calls Pop or Pops. Wakeups can be spurious, in
// which case Pop returns the empty update.
//
// Several consumers may drain the same table; each pending key is
// delivered to exactly one of them.
type Consumer struct {
	b      backend.Backend
	table  Table
	id     string
	prefix string
	batch  int
	logger *slog.Logger
	obs    Observer

	sub   backend.Subscription
	ready *backend.Signal

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConsumer subscribes to table t and returns a consumer for it.
//
// If the table already holds pending keys the consumer starts ready.
// The returned consumer must be closed.
func NewConsumer(ctx context.Context, b backend.Backend, t Table, opts ...Option) (*Consumer, error) {
	o := applyOptions(opts)

	sub, err := b.Subscribe(ctx, t.Name)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", t.Name, err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	c := &Consumer{
		b:      b,
		table:  t,
		id:     id,
		prefix: o.prefix,
		batch:  o.batchSize,
		logger: o.logger.With("table", t.Name, "role", "consumer", "consumer", id),
		obs:    o.observer,
		sub:    sub,
		ready:  backend.NewSignal(),
		stop:   make(chan struct{}),
	}

	n, err := c.Pending(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if n > 0 {
		c.ready.Notify()
	}

	c.wg.Add(1)
	go c.forward()

	c.logger.Debug("consumer started", "pending", n)
	return c, nil
}

// forward relays backend wakeups to the consumer's own ready signal, which
// Pop and Pops also re-arm.
func (c *Consumer) forward() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-c.sub.C():
			c.ready.Notify()
		}
	}
}

// ID returns the consumer's unique identifier.
func (c *Consumer) ID() string {
	return c.id
}

// Table returns the table this consumer drains.
func (c *Consumer) Table() Table {
	return c.table
}

// Ready returns the channel a reactor waits on. It receives a value when
// the table may hold pending keys.
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready.C()
}

// Pending returns the number of pending keys the consumer would drain.
func (c *Consumer) Pending(ctx context.Context) (int, error) {
	return Pending(ctx, c.b, c.table, c.prefix)
}

// Pending counts the keys of t starting with prefix that are waiting to be
// popped. It needs no subscription.
func Pending(ctx context.Context, b backend.Backend, t Table, prefix string) (int, error) {
	var n int
	err := b.Atomic(ctx, t.Name, func(tx backend.Txn) error {
		var err error
		n, err = tx.Len(prefix)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("pending %s: %w", t.Name, err)
	}
	return n, nil
}

// Pop removes the oldest pending key and returns its update. If nothing is
// pending it returns the empty update and no error.
func (c *Consumer) Pop(ctx context.Context) (record.KeyOpFieldsValues, error) {
	return c.PopPrefix(ctx, c.prefix)
}

// PopPrefix is Pop restricted to keys starting with prefix. Keys that do not
// match keep their place in the order.
func (c *Consumer) PopPrefix(ctx context.Context, prefix string) (record.KeyOpFieldsValues, error) {
	c.ready.Drain()
	u, remaining, err := c.popOne(ctx, prefix)
	c.rearm(remaining, err)
	return u, err
}

// Pops removes up to max pending keys, oldest first. max <= 0 uses the
// configured batch size. Each key is popped atomically on its own; the batch
// as a whole is not one transaction.
//
// On error the updates already popped are returned along with the error.
func (c *Consumer) Pops(ctx context.Context, max int) ([]record.KeyOpFieldsValues, error) {
	return c.PopsPrefix(ctx, max, c.prefix)
}

// PopsPrefix is Pops restricted to keys starting with prefix.
func (c *Consumer) PopsPrefix(ctx context.Context, max int, prefix string) ([]record.KeyOpFieldsValues, error) {
	if max <= 0 {
		max = c.batch
	}

	c.ready.Drain()
	out := make([]record.KeyOpFieldsValues, 0)
	var (
		remaining int
		err       error
	)
	for len(out) < max {
		var u record.KeyOpFieldsValues
		u, remaining, err = c.popOne(ctx, prefix)
		if err != nil || u.IsEmpty() {
			break
		}
		out = append(out, u)
	}
	c.rearm(remaining, err)
	return out, err
}

// rearm keeps the consumer ready while keys remain, and after a failed
// drain, since the wakeup that prompted it was already consumed.
func (c *Consumer) rearm(remaining int, err error) {
	if err != nil || remaining > 0 {
		c.ready.Notify()
	}
}

// popOne dequeues, reads and clears one key in a single transaction.
// remaining is the number of matching keys still pending afterwards.
func (c *Consumer) popOne(ctx context.Context, prefix string) (u record.KeyOpFieldsValues, remaining int, err error) {
	start := time.Now()
	err = c.b.Atomic(ctx, c.table.Name, func(tx backend.Txn) error {
		key, ok, err := tx.PopHead(prefix)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		op, exists, err := tx.Entry(key)
		if err != nil {
			return err
		}
		if !exists {
			return newInvariantError(ErrCodeMissingEntry, c.table.Name, key, "pending key has no entry")
		}
		if !op.Valid() {
			return newInvariantError(ErrCodeUnknownOp, c.table.Name, key, fmt.Sprintf("pending op %q", op))
		}

		fields, err := tx.Fields(key)
		if err != nil {
			return err
		}
		if op == record.OpDel && len(fields) > 0 {
			return newInvariantError(ErrCodeDelWithFields, c.table.Name, key,
				fmt.Sprintf("DEL entry carries %d fields", len(fields)))
		}

		if err := tx.DeleteEntry(key); err != nil {
			return err
		}
		if remaining, err = tx.Len(prefix); err != nil {
			return err
		}

		u = record.KeyOpFieldsValues{Key: key, Op: op, Fields: fields}
		return nil
	})
	c.obs.ObserveTxn(c.table.Name, TxnPop, time.Since(start), err)
	if err != nil {
		return record.KeyOpFieldsValues{}, 0, fmt.Errorf("pop %s: %w", c.table.Name, err)
	}

	if u.IsEmpty() {
		c.obs.ObserveEmptyPop(c.table.Name)
		return u, 0, nil
	}
	c.obs.ObservePop(c.table.Name, u.Op)
	c.logger.Debug("pop", "key", u.Key, "op", u.Op, "fields", len(u.Fields), "remaining", remaining)
	return u, remaining, nil
}

// Close stops the consumer and releases its subscription.
// Safe to call more than once.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.ready.Stop()
		err = c.sub.Close()
		c.logger.Debug("consumer closed")
	})
	return err
}
