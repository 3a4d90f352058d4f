// Package backendtest holds the behaviour every backend.Backend
// implementation must share. Backend packages call Run from their tests.
package backendtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
)

// Factory returns a fresh, empty backend. The test closes it.
type Factory func(t *testing.T) backend.Backend

// WakeupTimeout bounds how long a subscription may take to deliver a wakeup.
const WakeupTimeout = 3 * time.Second

var errAbort = errors.New("abort")

// Run exercises the backend contract against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend)
	}{
		{"AppendDeduplicates", testAppendDeduplicates},
		{"PopHeadFIFO", testPopHeadFIFO},
		{"PopHeadPrefixSkipsNonMatching", testPopHeadPrefix},
		{"PrefixComparesBytes", testPrefixBytes},
		{"EntryLifecycle", testEntryLifecycle},
		{"FieldsKeepInsertionOrder", testFieldsOrder},
		{"RollbackDiscardsEverything", testRollback},
		{"TablesAreIndependent", testTablesIndependent},
		{"InvalidTableRejected", testInvalidTable},
		{"PublishWakesSubscriber", testPublishWakes},
		{"RollbackDoesNotWake", testRollbackDoesNotWake},
		{"SubscriptionClose", testSubscriptionClose},
		{"ClosedBackendFailsWithTransport", testClosed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { b.Close() })
			tc.fn(t, b)
		})
	}
}

func atomic(t *testing.T, b backend.Backend, table string, fn func(tx backend.Txn) error) {
	t.Helper()
	require.NoError(t, b.Atomic(context.Background(), table, fn))
}

func testAppendDeduplicates(t *testing.T, b backend.Backend) {
	atomic(t, b, "T", func(tx backend.Txn) error {
		added, err := tx.Append("a")
		require.NoError(t, err)
		assert.True(t, added)

		added, err = tx.Append("a")
		require.NoError(t, err)
		assert.False(t, added, "second append of the same key must be a no-op")

		n, err := tx.Len("")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})

	// Still deduplicated across transactions.
	atomic(t, b, "T", func(tx backend.Txn) error {
		added, err := tx.Append("a")
		require.NoError(t, err)
		assert.False(t, added)
		return nil
	})
}

func testPopHeadFIFO(t *testing.T, b backend.Backend) {
	atomic(t, b, "T", func(tx backend.Txn) error {
		for _, k := range []string{"k1", "k2", "k3"} {
			_, err := tx.Append(k)
			require.NoError(t, err)
		}
		return nil
	})

	var got []string
	for i := 0; i < 4; i++ {
		atomic(t, b, "T", func(tx backend.Txn) error {
			key, ok, err := tx.PopHead("")
			require.NoError(t, err)
			if ok {
				got = append(got, key)
			}
			return nil
		})
	}
	assert.Equal(t, []string{"k1", "k2", "k3"}, got)

	// A popped key re-enters at the tail.
	atomic(t, b, "T", func(tx backend.Txn) error {
		_, err := tx.Append("k2")
		require.NoError(t, err)
		_, err = tx.Append("k1")
		require.NoError(t, err)
		key, ok, err := tx.PopHead("")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "k2", key)
		return nil
	})
}

func testPopHeadPrefix(t *testing.T, b backend.Backend) {
	atomic(t, b, "T", func(tx backend.Txn) error {
		for _, k := range []string{"b:1", "a:1", "b:2", "a:2"} {
			_, err := tx.Append(k)
			require.NoError(t, err)
		}

		n, err := tx.Len("a:")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		key, ok, err := tx.PopHead("a:")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a:1", key)

		_, ok, err = tx.PopHead("c:")
		require.NoError(t, err)
		assert.False(t, ok)

		// Non-matching keys kept their place.
		key, ok, err = tx.PopHead("")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b:1", key)

		n, err = tx.Len("")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
}

// Keys are opaque byte strings: a prefix may end inside a multi-byte
// character or contain a NUL.
func testPrefixBytes(t *testing.T, b backend.Backend) {
	atomic(t, b, "T", func(tx backend.Txn) error {
		for _, k := range []string{"x", "\u00e91", "a\x00b", "ab"} {
			_, err := tx.Append(k)
			require.NoError(t, err)
			require.NoError(t, tx.SetOp(k, record.OpDel))
		}

		n, err := tx.Len("\xc3")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = tx.Len("a\x00")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		key, ok, err := tx.PopHead("\xc3")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "\u00e91", key)

		key, ok, err = tx.PopHead("a\x00")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a\x00b", key)

		op, exists, err := tx.Entry("a\x00b")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, record.OpDel, op)

		key, ok, err = tx.PopHead("a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "ab", key)

		n, err = tx.Len("")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
}

func testEntryLifecycle(t *testing.T, b backend.Backend) {
	atomic(t, b, "T", func(tx backend.Txn) error {
		_, exists, err := tx.Entry("k")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, tx.SetOp("k", record.OpSet))
		require.NoError(t, tx.UpsertFields("k", []record.FieldValue{record.FV("a", "1")}))

		op, exists, err := tx.Entry("k")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, record.OpSet, op)

		require.NoError(t, tx.SetOp("k", record.OpDel))
		op, _, err = tx.Entry("k")
		require.NoError(t, err)
		assert.Equal(t, record.OpDel, op)

		fields, err := tx.Fields("k")
		require.NoError(t, err)
		assert.Len(t, fields, 1, "SetOp leaves fields untouched")

		require.NoError(t, tx.ClearFields("k"))
		fields, err = tx.Fields("k")
		require.NoError(t, err)
		assert.Empty(t, fields)

		_, exists, err = tx.Entry("k")
		require.NoError(t, err)
		assert.True(t, exists, "ClearFields keeps the entry")
		return nil
	})

	atomic(t, b, "T", func(tx backend.Txn) error {
		require.NoError(t, tx.UpsertFields("k", []record.FieldValue{record.FV("b", "2")}))
		require.NoError(t, tx.DeleteEntry("k"))

		_, exists, err := tx.Entry("k")
		require.NoError(t, err)
		assert.False(t, exists)

		fields, err := tx.Fields("k")
		require.NoError(t, err)
		assert.Empty(t, fields)

		// Deleting a missing entry is a no-op.
		require.NoError(t, tx.DeleteEntry("missing"))
		require.NoError(t, tx.ClearFields("missing"))
		return nil
	})
}

func testFieldsOrder(t *testing.T, b backend.Backend) {
	atomic(t, b, "T", func(tx backend.Txn) error {
		require.NoError(t, tx.SetOp("k", record.OpSet))
		require.NoError(t, tx.UpsertFields("k", []record.FieldValue{
			record.FV("zeta", "1"), record.FV("alpha", "2"),
		}))
		return nil
	})
	atomic(t, b, "T", func(tx backend.Txn) error {
		require.NoError(t, tx.UpsertFields("k", []record.FieldValue{
			record.FV("mid", "3"), record.FV("zeta", "10"), record.FV("empty", ""),
		}))
		fields, err := tx.Fields("k")
		require.NoError(t, err)
		assert.Equal(t, []record.FieldValue{
			record.FV("zeta", "10"),
			record.FV("alpha", "2"),
			record.FV("mid", "3"),
			record.FV("empty", ""),
		}, fields)
		return nil
	})
}

func testRollback(t *testing.T, b backend.Backend) {
	atomic(t, b, "T", func(tx backend.Txn) error {
		_, err := tx.Append("keep")
		require.NoError(t, err)
		require.NoError(t, tx.SetOp("keep", record.OpSet))
		require.NoError(t, tx.UpsertFields("keep", []record.FieldValue{record.FV("a", "1")}))
		_, err = tx.Append("second")
		require.NoError(t, err)
		require.NoError(t, tx.SetOp("second", record.OpDel))
		return nil
	})

	err := b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
		key, ok, err := tx.PopHead("")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.DeleteEntry(key))
		require.NoError(t, tx.UpsertFields("second", []record.FieldValue{record.FV("x", "y")}))
		require.NoError(t, tx.SetOp("second", record.OpSet))
		_, err = tx.Append("new")
		require.NoError(t, err)
		require.NoError(t, tx.SetOp("new", record.OpSet))
		require.NoError(t, tx.Publish())
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	atomic(t, b, "T", func(tx backend.Txn) error {
		n, err := tx.Len("")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		op, exists, err := tx.Entry("keep")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, record.OpSet, op)

		fields, err := tx.Fields("keep")
		require.NoError(t, err)
		assert.Equal(t, []record.FieldValue{record.FV("a", "1")}, fields)

		op, _, err = tx.Entry("second")
		require.NoError(t, err)
		assert.Equal(t, record.OpDel, op)
		fields, err = tx.Fields("second")
		require.NoError(t, err)
		assert.Empty(t, fields)

		_, exists, err = tx.Entry("new")
		require.NoError(t, err)
		assert.False(t, exists)

		key, ok, err := tx.PopHead("")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "keep", key, "rolled-back pop must restore the head")
		return nil
	})
}

func testTablesIndependent(t *testing.T, b backend.Backend) {
	atomic(t, b, "A", func(tx backend.Txn) error {
		_, err := tx.Append("k")
		require.NoError(t, err)
		return tx.SetOp("k", record.OpSet)
	})

	atomic(t, b, "B", func(tx backend.Txn) error {
		n, err := tx.Len("")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, exists, err := tx.Entry("k")
		require.NoError(t, err)
		assert.False(t, exists)

		added, err := tx.Append("k")
		require.NoError(t, err)
		assert.True(t, added)
		return nil
	})
}

func testInvalidTable(t *testing.T, b backend.Backend) {
	err := b.Atomic(context.Background(), "bad table", func(backend.Txn) error { return nil })
	assert.ErrorIs(t, err, backend.ErrInvalidTable)

	_, err = b.Subscribe(context.Background(), "")
	assert.ErrorIs(t, err, backend.ErrInvalidTable)
}

func waitWakeup(t *testing.T, sub backend.Subscription) {
	t.Helper()
	select {
	case <-sub.C():
	case <-time.After(WakeupTimeout):
		t.Fatal("timed out waiting for wakeup")
	}
}

func testPublishWakes(t *testing.T, b backend.Backend) {
	sub, err := b.Subscribe(context.Background(), "T")
	require.NoError(t, err)
	defer sub.Close()

	other, err := b.Subscribe(context.Background(), "OTHER")
	require.NoError(t, err)
	defer other.Close()

	atomic(t, b, "T", func(tx backend.Txn) error { return tx.Publish() })
	waitWakeup(t, sub)

	select {
	case <-other.C():
		t.Fatal("subscription of another table must not wake")
	case <-time.After(50 * time.Millisecond):
	}
}

func testRollbackDoesNotWake(t *testing.T, b backend.Backend) {
	sub, err := b.Subscribe(context.Background(), "T")
	require.NoError(t, err)
	defer sub.Close()

	err = b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
		require.NoError(t, tx.Publish())
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	select {
	case <-sub.C():
		t.Fatal("rolled-back publish must not wake subscribers")
	case <-time.After(100 * time.Millisecond):
	}
}

func testSubscriptionClose(t *testing.T, b backend.Backend) {
	sub, err := b.Subscribe(context.Background(), "T")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	atomic(t, b, "T", func(tx backend.Txn) error { return tx.Publish() })

	select {
	case <-sub.C():
		t.Fatal("closed subscription must not wake")
	case <-time.After(50 * time.Millisecond):
	}
}

func testClosed(t *testing.T, b backend.Backend) {
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "Close is idempotent")

	err := b.Atomic(context.Background(), "T", func(backend.Txn) error { return nil })
	assert.ErrorIs(t, err, backend.ErrTransport)
	assert.ErrorIs(t, err, backend.ErrClosed)

	_, err = b.Subscribe(context.Background(), "T")
	assert.ErrorIs(t, err, backend.ErrTransport)
}
