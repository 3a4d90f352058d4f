package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/roach88/statesync/internal/record"
)

var (
	// ErrTransport wraps every failure to reach or commit to the shared store.
	ErrTransport = errors.New("transport failure")

	// ErrInvalidTable is returned for table names that cannot be stored.
	ErrInvalidTable = errors.New("invalid table name")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("backend closed")
)

// MaxTableNameLen bounds table names so a prefixed postgres NOTIFY channel
// name stays under the 63-byte identifier limit.
const MaxTableNameLen = 48

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidateTable checks that name can be used as a table namespace in every backend.
func ValidateTable(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTable)
	}
	if len(name) > MaxTableNameLen {
		return fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidTable, name, MaxTableNameLen)
	}
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9_.:-]", ErrInvalidTable, name)
	}
	return nil
}

// Transport wraps err as a transport failure for op.
// Returns nil if err is nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// Backend is the shared store producers and consumers coordinate through.
//
// A table is an independent namespace holding one ordered list of pending
// keys and one record per pending key.
type Backend interface {
	// Atomic runs fn as a single transaction scoped to table. The
	// transaction commits if fn returns nil and rolls back otherwise; no
	// intermediate state is visible to other callers. Signals requested with
	// Txn.Publish are delivered only after a successful commit.
	Atomic(ctx context.Context, table string, fn func(Txn) error) error

	// Subscribe returns a subscription that is signalled after every
	// committed transaction on table that called Publish.
	Subscribe(ctx context.Context, table string) (Subscription, error)

	// Close releases the backend. Open subscriptions are closed.
	Close() error
}

// Txn exposes the list, hash and notification primitives inside one
// transaction. A Txn must not be used after Atomic returns.
type Txn interface {
	// Append adds key at the tail of the pending order unless it is already
	// present. Reports whether the key was added.
	Append(key string) (bool, error)

	// PopHead removes and returns the oldest pending key starting with
	// prefix. ok is false when no key matches.
	PopHead(prefix string) (key string, ok bool, err error)

	// Len returns the number of pending keys starting with prefix.
	Len(prefix string) (int, error)

	// Entry returns the op tag recorded for key.
	Entry(key string) (op record.Op, exists bool, err error)

	// SetOp records op for key, creating the entry if needed. Fields are
	// left untouched.
	SetOp(key string, op record.Op) error

	// UpsertFields merges fields into key's field map, last writer wins.
	UpsertFields(key string, fields []record.FieldValue) error

	// Fields returns key's fields in insertion order.
	Fields(key string) ([]record.FieldValue, error)

	// ClearFields drops every field of key, keeping the entry.
	ClearFields(key string) error

	// DeleteEntry removes key's entry and fields.
	DeleteEntry(key string) error

	// Publish requests a wakeup on the table once the transaction commits.
	Publish() error
}

// Subscription delivers wakeups for one table.
//
// Signals coalesce: C has a buffer of one and several commits may produce a
// single wakeup. A wakeup only means "look again"; it may be spurious.
type Subscription interface {
	C() <-chan struct{}
	Close() error
}
