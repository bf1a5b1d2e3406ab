package kv

import (
	"context"
	"testing"
	"time"

	"github.com/bootjp/isokv/store"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}

func TestRunInTransaction_Commits(t *testing.T) {
	c, st := newTestCoordinator(t, ManagerConfig{})
	ctx := context.Background()

	tx, err := c.RunInTransaction(ctx, Options{ID: "once"}, fastRetry, func(ctx context.Context, tx *Transaction) error {
		return c.Set(ctx, tx, []byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	require.Equal(t, "once", tx.ID())
	require.True(t, tx.IsCommitted())

	v, err := st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestRunInTransaction_RetriesConflicts(t *testing.T) {
	c, st := newTestCoordinator(t, ManagerConfig{})
	ctx := context.Background()

	blocker, err := c.Begin(Options{})
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, blocker, []byte("k"), []byte("blocker")))

	var seen []*Transaction
	tx, err := c.RunInTransaction(ctx, Options{ID: "first"}, fastRetry, func(ctx context.Context, tx *Transaction) error {
		seen = append(seen, tx)
		if len(seen) == 2 {
			if err := c.Abort(ctx, blocker, ""); err != nil {
				return err
			}
		}
		return c.Set(ctx, tx, []byte("k"), []byte("mine"))
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Same(t, seen[1], tx)
	require.True(t, seen[0].IsAborted())
	require.True(t, tx.IsCommitted())
	require.Equal(t, "first", seen[0].ID())
	require.NotEqual(t, "first", tx.ID())

	v, err := st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("mine"), v)
}

func TestRunInTransaction_DoesNotRetryOtherErrors(t *testing.T) {
	c, st := newTestCoordinator(t, ManagerConfig{})
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	tx, err := c.RunInTransaction(ctx, Options{}, fastRetry, func(ctx context.Context, tx *Transaction) error {
		calls++
		if err := c.Set(ctx, tx, []byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
	require.True(t, tx.IsAborted())
	require.Equal(t, "boom", tx.AbortReason())

	_, err = st.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestRunInTransaction_GivesUp(t *testing.T) {
	c, _ := newTestCoordinator(t, ManagerConfig{})
	ctx := context.Background()

	blocker, err := c.Begin(Options{})
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, blocker, []byte("k"), []byte("blocker")))

	calls := 0
	_, err = c.RunInTransaction(ctx, Options{}, fastRetry, func(ctx context.Context, tx *Transaction) error {
		calls++
		return c.Set(ctx, tx, []byte("k"), []byte("mine"))
	})
	requireTxnError(t, err, OpWriteConflict)
	require.Equal(t, 3, calls)
	require.True(t, blocker.IsActive())

	st := c.Stats()
	require.Equal(t, uint64(3), st.ConflictAborts)
}
