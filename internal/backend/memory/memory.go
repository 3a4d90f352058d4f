// Package memory implements an in-process backend.
//
// Each table is guarded by its own mutex, which is the exclusive section
// every transaction runs under. Failed transactions are rolled back through
// an undo log so no partial effect survives.
package memory

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
)

// Backend is an in-process backend. The zero value is not usable; call New.
type Backend struct {
	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

type entry struct {
	op     record.Op
	fields *record.FieldMap
}

func (e *entry) clone() *entry {
	return &entry{op: e.op, fields: e.fields.Clone()}
}

type table struct {
	mu      sync.Mutex
	order   *list.List
	index   map[string]*list.Element
	entries map[string]*entry

	subsMu sync.Mutex
	subs   map[uuid.UUID]*subscription
}

func newTable() *table {
	return &table{
		order:   list.New(),
		index:   make(map[string]*list.Element),
		entries: make(map[string]*entry),
		subs:    make(map[uuid.UUID]*subscription),
	}
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{tables: make(map[string]*table)}
}

func (b *Backend) table(name string) (*table, error) {
	if err := backend.ValidateTable(name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, backend.ErrClosed
	}
	t, ok := b.tables[name]
	if !ok {
		t = newTable()
		b.tables[name] = t
	}
	return t, nil
}

// Atomic implements backend.Backend.
func (b *Backend) Atomic(ctx context.Context, name string, fn func(backend.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return backend.Transport("begin", err)
	}
	t, err := b.table(name)
	if err == backend.ErrClosed {
		return backend.Transport("begin", err)
	}
	if err != nil {
		return err
	}

	tx := &txn{t: t, touched: make(map[string]bool)}
	err = func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		// A panicking fn leaves no partial writes behind.
		defer func() {
			if r := recover(); r != nil {
				tx.rollback()
				panic(r)
			}
		}()
		if err := fn(tx); err != nil {
			tx.rollback()
			return err
		}
		return nil
	}()

	if err != nil {
		return err
	}
	if tx.publish {
		t.notify()
	}
	return nil
}

// Subscribe implements backend.Backend.
func (b *Backend) Subscribe(ctx context.Context, name string) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Transport("subscribe", err)
	}
	t, err := b.table(name)
	if err == backend.ErrClosed {
		return nil, backend.Transport("subscribe", err)
	}
	if err != nil {
		return nil, err
	}

	s := &subscription{id: uuid.New(), t: t, Signal: backend.NewSignal()}
	t.subsMu.Lock()
	t.subs[s.id] = s
	t.subsMu.Unlock()
	return s, nil
}

// Close implements backend.Backend. Open subscriptions stop receiving wakeups.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.tables {
		t.subsMu.Lock()
		for id, s := range t.subs {
			s.Stop()
			delete(t.subs, id)
		}
		t.subsMu.Unlock()
	}
	return nil
}

func (t *table) notify() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, s := range t.subs {
		s.Notify()
	}
}

type subscription struct {
	*backend.Signal
	id uuid.UUID
	t  *table
}

func (s *subscription) Close() error {
	s.t.subsMu.Lock()
	delete(s.t.subs, s.id)
	s.t.subsMu.Unlock()
	s.Stop()
	return nil
}

// txn operates directly on the table while its mutex is held and records
// how to reverse each mutation.
type txn struct {
	t       *table
	undo    []func()
	touched map[string]bool
	publish bool
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.publish = false
}

// saveEntry snapshots key's entry the first time the transaction mutates it.
func (tx *txn) saveEntry(key string) {
	if tx.touched[key] {
		return
	}
	tx.touched[key] = true

	t := tx.t
	prev, ok := t.entries[key]
	if ok {
		prev = prev.clone()
	}
	tx.undo = append(tx.undo, func() {
		if !ok {
			delete(t.entries, key)
			return
		}
		t.entries[key] = prev
	})
}

func (tx *txn) Append(key string) (bool, error) {
	t := tx.t
	if _, ok := t.index[key]; ok {
		return false, nil
	}
	t.index[key] = t.order.PushBack(key)
	tx.undo = append(tx.undo, func() {
		t.order.Remove(t.index[key])
		delete(t.index, key)
	})
	return true, nil
}

func (tx *txn) PopHead(prefix string) (string, bool, error) {
	t := tx.t
	for e := t.order.Front(); e != nil; e = e.Next() {
		key := e.Value.(string)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		next := e.Next()
		t.order.Remove(e)
		delete(t.index, key)
		tx.undo = append(tx.undo, func() {
			if next != nil {
				t.index[key] = t.order.InsertBefore(key, next)
			} else {
				t.index[key] = t.order.PushBack(key)
			}
		})
		return key, true, nil
	}
	return "", false, nil
}

func (tx *txn) Len(prefix string) (int, error) {
	if prefix == "" {
		return tx.t.order.Len(), nil
	}
	n := 0
	for e := tx.t.order.Front(); e != nil; e = e.Next() {
		if strings.HasPrefix(e.Value.(string), prefix) {
			n++
		}
	}
	return n, nil
}

func (tx *txn) Entry(key string) (record.Op, bool, error) {
	e, ok := tx.t.entries[key]
	if !ok {
		return record.OpNone, false, nil
	}
	return e.op, true, nil
}

func (tx *txn) SetOp(key string, op record.Op) error {
	tx.saveEntry(key)
	e, ok := tx.t.entries[key]
	if !ok {
		tx.t.entries[key] = &entry{op: op, fields: &record.FieldMap{}}
		return nil
	}
	e.op = op
	return nil
}

func (tx *txn) UpsertFields(key string, fields []record.FieldValue) error {
	tx.saveEntry(key)
	e, ok := tx.t.entries[key]
	if !ok {
		// A field write without an op leaves a record the engine rejects on pop.
		e = &entry{fields: &record.FieldMap{}}
		tx.t.entries[key] = e
	}
	e.fields.Merge(fields)
	return nil
}

func (tx *txn) Fields(key string) ([]record.FieldValue, error) {
	e, ok := tx.t.entries[key]
	if !ok {
		return []record.FieldValue{}, nil
	}
	return e.fields.Pairs(), nil
}

func (tx *txn) ClearFields(key string) error {
	e, ok := tx.t.entries[key]
	if !ok {
		return nil
	}
	tx.saveEntry(key)
	e.fields.Reset()
	return nil
}

func (tx *txn) DeleteEntry(key string) error {
	if _, ok := tx.t.entries[key]; !ok {
		return nil
	}
	tx.saveEntry(key)
	delete(tx.t.entries, key)
	return nil
}

func (tx *txn) Publish() error {
	tx.publish = true
	return nil
}
