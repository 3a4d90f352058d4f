package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/backend/backendtest"
	"github.com/roach88/statesync/internal/record"
)

func TestMemoryBackend_Contract(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return New()
	})
}

func TestMemoryBackend_ConcurrentAppendsStayUnique(t *testing.T) {
	b := New()
	defer b.Close()

	keys := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := keys[i%len(keys)]
				err := b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
					_, err := tx.Append(key)
					return err
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	err := b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
		n, err := tx.Len("")
		require.NoError(t, err)
		assert.Equal(t, len(keys), n)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryBackend_CancelledContext(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Atomic(ctx, "T", func(tx backend.Txn) error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, backend.ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBackend_PanicInTxnUnlocksAndRollsBack(t *testing.T) {
	b := New()
	defer b.Close()

	assert.PanicsWithValue(t, "boom", func() {
		b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
			_, err := tx.Append("k")
			require.NoError(t, err)
			panic("boom")
		})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
			n, err := tx.Len("")
			assert.NoError(t, err)
			assert.Equal(t, 0, n)
			return nil
		})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("table stayed locked after a panicking transaction")
	}
}

func TestMemoryBackend_UndoRestoresFieldsAfterClear(t *testing.T) {
	b := New()
	defer b.Close()

	seed := []record.FieldValue{record.FV("a", "1"), record.FV("b", "2")}
	require.NoError(t, b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
		if err := tx.SetOp("k", record.OpSet); err != nil {
			return err
		}
		return tx.UpsertFields("k", seed)
	}))

	err := b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
		require.NoError(t, tx.ClearFields("k"))
		require.NoError(t, tx.UpsertFields("k", []record.FieldValue{record.FV("c", "3")}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	require.NoError(t, b.Atomic(context.Background(), "T", func(tx backend.Txn) error {
		fields, err := tx.Fields("k")
		require.NoError(t, err)
		assert.Equal(t, seed, fields)
		return nil
	}))
}

func TestMemoryBackend_SubscriptionsDoNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New()
	for i := 0; i < 8; i++ {
		sub, err := b.Subscribe(context.Background(), "T")
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, sub.Close())
		}
	}
	require.NoError(t, b.Close())
}
