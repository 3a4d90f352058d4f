package statetable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/backend"
	"github.com/roach88/statesync/internal/record"
	"github.com/roach88/statesync/internal/selector"
	"github.com/roach88/statesync/internal/testutil"
)

const wakeupTimeout = 3 * time.Second

func newTable(t *testing.T, base string) Table {
	t.Helper()
	tbl, err := NewTable(testutil.TableName(base))
	require.NoError(t, err)
	return tbl
}

func newPair(t *testing.T, b backend.Backend, opts ...Option) (*Producer, *Consumer) {
	t.Helper()
	tbl := newTable(t, "TEST")
	c, err := NewConsumer(context.Background(), b, tbl, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return NewProducer(b, tbl, opts...), c
}

func mustPop(t *testing.T, c *Consumer) record.KeyOpFieldsValues {
	t.Helper()
	u, err := c.Pop(context.Background())
	require.NoError(t, err)
	return u
}

func assertEmptyPop(t *testing.T, c *Consumer) {
	t.Helper()
	assert.True(t, mustPop(t, c).IsEmpty(), "expected nothing pending")
}

// waitReady fails the test unless c becomes ready within wakeupTimeout.
func waitReady(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wakeupTimeout)
	defer cancel()
	got, res, err := selector.Select(ctx, wakeupTimeout, c)
	require.NoError(t, err)
	require.Equal(t, selector.ResultObject, res)
	require.Same(t, c, got)
}

// waitIdle drains spurious wakeups until a short select times out. Every
// wakeup seen on the way must yield an empty pop.
func waitIdle(t *testing.T, c *Consumer) {
	t.Helper()
	for i := 0; i < 5; i++ {
		_, res, err := selector.Select(context.Background(), 50*time.Millisecond, c)
		require.NoError(t, err)
		if res == selector.ResultTimeout {
			return
		}
		assertEmptyPop(t, c)
	}
	t.Fatal("consumer kept waking with nothing pending")
}
