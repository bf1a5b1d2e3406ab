package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestManager(t *testing.T, cfg ManagerConfig) (*TransactionManager, *mockClock) {
	t.Helper()
	clk := newMockClock()
	if cfg.Clock == nil {
		cfg.Clock = clk
	}
	return NewTransactionManager(cfg), clk
}

func TestManager_Disabled(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{Disabled: true})
	_, err := m.Begin(Options{})
	require.ErrorIs(t, err, ErrTransactionsDisabled)
	require.Equal(t, uint64(0), m.Counter())
}

func TestManager_BeginDefaults(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{DefaultIsolation: Serializable, DefaultTimeout: time.Minute})

	tx, err := m.Begin(Options{})
	require.NoError(t, err)
	require.True(t, tx.IsActive())
	require.Equal(t, Serializable, tx.IsolationLevel())
	require.Equal(t, time.Minute, tx.Timeout())
	require.NotEmpty(t, tx.ID())

	explicit, err := m.Begin(Options{IsolationLevel: ReadUncommitted, Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, ReadUncommitted, explicit.IsolationLevel())
	require.Equal(t, time.Second, explicit.Timeout())

	got, err := m.Get(tx.ID())
	require.NoError(t, err)
	require.Same(t, tx, got)
	require.Equal(t, uint64(2), m.Counter())
	require.Equal(t, 2, m.ActiveCount())
}

func TestManager_BeginRejects(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})

	_, err := m.Begin(Options{IsolationLevel: IsolationLevel(9)})
	requireTxnError(t, err, OpBegin)

	_, err = m.Begin(Options{ID: "dup"})
	require.NoError(t, err)
	_, err = m.Begin(Options{ID: "dup"})
	requireTxnError(t, err, OpBegin)
	require.Equal(t, uint64(1), m.Counter())
}

func TestManager_UnknownIDs(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	_, err := m.Get("nope")
	require.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = m.CommitByID(ctx, "nope")
	require.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = m.AbortByID("nope", "")
	require.ErrorIs(t, err, ErrTransactionNotFound)

	stray := NewTransaction(Options{})
	require.NoError(t, stray.Begin())
	_, err = m.Commit(ctx, stray)
	require.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = m.Begin(Options{ID: stray.ID()})
	require.NoError(t, err)
	_, err = m.Commit(ctx, stray)
	require.ErrorIs(t, err, ErrInvalidTxnRef)

	_, err = m.Abort(nil, "")
	require.ErrorIs(t, err, ErrInvalidTxnRef)
}

func TestManager_CommitAndAbortByID(t *testing.T) {
	m, clk := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	a, err := m.Begin(Options{ID: "a"})
	require.NoError(t, err)
	clk.advance(10 * time.Millisecond)
	got, err := m.CommitByID(ctx, "a")
	require.NoError(t, err)
	require.Same(t, a, got)
	require.True(t, a.IsCommitted())

	_, err = m.CommitByID(ctx, "a")
	requireTxnError(t, err, OpCommit)

	b, err := m.Begin(Options{ID: "b"})
	require.NoError(t, err)
	_, err = m.AbortByID("b", "")
	require.NoError(t, err)
	require.Equal(t, defaultAbortReason, b.AbortReason())

	_, err = m.AbortByID("b", "again")
	require.NoError(t, err)
	require.Equal(t, defaultAbortReason, b.AbortReason())

	_, err = m.AbortByID("a", "too late")
	require.NoError(t, err)
	require.True(t, a.IsCommitted())

	st := m.Stats(nil, m.ActiveCount(), m.Counter())
	require.Equal(t, uint64(2), st.TotalTransactions)
	require.Equal(t, uint64(1), st.CommittedTransactions)
	require.Equal(t, uint64(1), st.AbortedTransactions)
}

func TestManager_ConflictLeavesTransactionAborted(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	a, err := m.Begin(Options{ID: "a"})
	require.NoError(t, err)
	b, err := m.Begin(Options{ID: "b"})
	require.NoError(t, err)
	_, err = a.Set("K", nil, []byte("1"))
	require.NoError(t, err)
	_, err = b.Set("K", nil, []byte("2"))
	require.NoError(t, err)

	_, err = m.Commit(ctx, a)
	te := requireTxnError(t, err, OpWriteConflict)
	require.True(t, IsConflict(err))
	require.True(t, a.IsAborted())
	require.Equal(t, te.Message, a.AbortReason())

	_, err = m.Commit(ctx, b)
	require.NoError(t, err, "a is no longer active")
	require.True(t, b.IsCommitted())

	st := m.Stats(nil, m.ActiveCount(), m.Counter())
	require.Equal(t, uint64(1), st.ConflictAborts)
	require.Equal(t, uint64(1), st.AbortedTransactions)
	require.Equal(t, uint64(1), st.CommittedTransactions)
}

func TestManager_ValidationCallbackFailure(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})

	tx, err := m.Begin(Options{})
	require.NoError(t, err)
	tx.SetValidation(func(context.Context, *Transaction) (bool, string) { return false, "nope" })

	_, err = m.Commit(context.Background(), tx)
	requireTxnError(t, err, OpValidation)
	require.False(t, IsConflict(err))
	require.True(t, tx.IsAborted())

	st := m.Stats(nil, 0, 0)
	require.Equal(t, uint64(1), st.AbortedTransactions)
	require.Equal(t, uint64(0), st.ConflictAborts)
}

func TestManager_Stats(t *testing.T) {
	m, clk := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	empty := m.Stats(nil, 0, 0)
	require.Zero(t, empty.AverageDuration)
	require.Zero(t, empty.MaxDuration)

	for _, d := range []time.Duration{10 * time.Millisecond, 30 * time.Millisecond} {
		tx, err := m.Begin(Options{})
		require.NoError(t, err)
		clk.advance(d)
		_, err = m.Commit(ctx, tx)
		require.NoError(t, err)
	}
	slow, err := m.Begin(Options{})
	require.NoError(t, err)
	clk.advance(50 * time.Millisecond)
	_, err = m.Abort(slow, "")
	require.NoError(t, err)

	_, err = m.Begin(Options{})
	require.NoError(t, err)

	lock := LockStats{Stripes: 4}
	st := m.Stats(lock, 7, 99)
	assert.Equal(t, uint64(4), st.TotalTransactions)
	assert.Equal(t, uint64(2), st.CommittedTransactions)
	assert.Equal(t, uint64(1), st.AbortedTransactions)
	assert.Equal(t, 7, st.ActiveTransactions, "active count is passed through")
	assert.Equal(t, uint64(99), st.TransactionCounter)
	assert.Equal(t, lock, st.LockStats)
	assert.Equal(t, 90*time.Millisecond, st.TotalDuration)
	assert.Equal(t, 30*time.Millisecond, st.AverageDuration)
	assert.Equal(t, 50*time.Millisecond, st.MaxDuration)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManager_Prune(t *testing.T) {
	m, clk := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	old, err := m.Begin(Options{ID: "old"})
	require.NoError(t, err)
	clk.advance(time.Millisecond)
	_, err = m.Commit(ctx, old)
	require.NoError(t, err)

	clk.advance(time.Millisecond)
	open, err := m.Begin(Options{ID: "open"})
	require.NoError(t, err)

	clk.advance(time.Millisecond)
	recent, err := m.Begin(Options{ID: "recent"})
	require.NoError(t, err)
	_, err = m.Abort(recent, "")
	require.NoError(t, err)

	require.Equal(t, 1, m.Prune())
	_, err = m.Get("old")
	require.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = m.Get("recent")
	require.NoError(t, err, "ended after the open transaction started")

	_, err = m.Abort(open, "")
	require.NoError(t, err)
	require.Equal(t, 2, m.Prune())
	require.Empty(t, m.Transactions())
	require.Equal(t, uint64(3), m.Counter())
}

func TestManager_TransactionsOrderedByID(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})
	for _, id := range []string{"c", "a", "b"} {
		_, err := m.Begin(Options{ID: id})
		require.NoError(t, err)
	}
	var ids []string
	for _, tx := range m.Transactions() {
		ids = append(ids, tx.ID())
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestManager_ConcurrentConflictingCommits(t *testing.T) {
	m := NewTransactionManager(ManagerConfig{DefaultIsolation: Serializable})
	ctx := context.Background()

	const n = 16
	txs := make([]*Transaction, n)
	for i := range txs {
		tx, err := m.Begin(Options{ID: fmt.Sprintf("t%02d", i)})
		require.NoError(t, err)
		_, err = tx.Read("shared", nil)
		require.NoError(t, err)
		_, err = tx.Set("shared", nil, []byte{byte(i)})
		require.NoError(t, err)
		txs[i] = tx
	}

	var eg errgroup.Group
	for _, tx := range txs {
		tx := tx
		eg.Go(func() error {
			_, err := m.Commit(ctx, tx)
			if err != nil && !IsConflict(err) {
				return errors.Wrapf(err, "commit %s", tx.ID())
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	committed := 0
	for _, tx := range txs {
		require.True(t, tx.State().terminal())
		if tx.IsCommitted() {
			committed++
		}
	}
	// every pair shares a written key, so at most one can win
	require.LessOrEqual(t, committed, 1)
	require.Zero(t, m.ActiveCount())

	st := m.Stats(nil, m.ActiveCount(), m.Counter())
	require.Equal(t, uint64(n), st.CommittedTransactions+st.AbortedTransactions)
}
