package kv

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bootjp/isokv/store"
	"github.com/cockroachdb/errors"
)

// Coordinate runs transactional reads and writes against a store. Writes go
// through to the store immediately. Each written key keeps a chain of the
// uncommitted writes stacked on its last committed value, so an abort
// restores whatever is still live underneath instead of a stale old value.
type Coordinate struct {
	manager *TransactionManager
	store   store.Store
	locks   *LockTable
	log     *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]*pendingKey
}

// pendingKey is the committed value of a key plus the uncommitted writes
// applied over it, oldest first. The store holds the newest write.
type pendingKey struct {
	base       []byte
	baseExists bool
	writes     []pendingWrite
}

type pendingWrite struct {
	txnID  string
	value  []byte
	exists bool
}

// visible is the value the store should hold for the key.
func (p *pendingKey) visible() ([]byte, bool) {
	if n := len(p.writes); n > 0 {
		return p.writes[n-1].value, p.writes[n-1].exists
	}
	return p.base, p.baseExists
}

func NewCoordinator(m *TransactionManager, st store.Store, locks *LockTable) *Coordinate {
	return NewCoordinatorWithLogger(m, st, locks, slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
}

func NewCoordinatorWithLogger(m *TransactionManager, st store.Store, locks *LockTable, logger *slog.Logger) *Coordinate {
	if locks == nil {
		locks = NewLockTable(defaultLockStripes)
	}
	return &Coordinate{
		manager: m,
		store:   st,
		locks:   locks,
		log:     logger,
		pending: make(map[string]*pendingKey),
	}
}

func (c *Coordinate) Manager() *TransactionManager { return c.manager }

func (c *Coordinate) Begin(opts Options) (*Transaction, error) {
	return c.manager.Begin(opts)
}

func (c *Coordinate) load(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, store.ErrKeyNotFound):
		return nil, false, nil
	}
	return nil, false, errors.WithStack(err)
}

// Get reads key and records the read. A missing key is still recorded.
func (c *Coordinate) Get(ctx context.Context, tx *Transaction, key []byte) ([]byte, error) {
	v, ok, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Read(string(key), v); err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return v, nil
}

// Exists records a read of key.
func (c *Coordinate) Exists(ctx context.Context, tx *Transaction, key []byte) (bool, error) {
	_, err := c.Get(ctx, tx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrKeyNotFound):
		return false, nil
	}
	return false, err
}

// Set captures the current value as the operation's old value and writes
// value through, both under key's lock.
func (c *Coordinate) Set(ctx context.Context, tx *Transaction, key, value []byte) error {
	unlock := c.locks.Lock(string(key))
	defer unlock()

	old, existed, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	if _, err := tx.Set(string(key), old, value); err != nil {
		return err
	}
	if err := c.store.Put(ctx, key, value); err != nil {
		return errors.WithStack(err)
	}
	c.push(tx.ID(), string(key), old, existed, value, true)
	return nil
}

// Delete reports whether the key existed.
func (c *Coordinate) Delete(ctx context.Context, tx *Transaction, key []byte) (bool, error) {
	unlock := c.locks.Lock(string(key))
	defer unlock()

	old, existed, err := c.load(ctx, key)
	if err != nil {
		return false, err
	}
	if _, err := tx.Delete(string(key), old); err != nil {
		return false, err
	}
	if _, err := c.store.Delete(ctx, key); err != nil {
		return false, errors.WithStack(err)
	}
	c.push(tx.ID(), string(key), old, existed, nil, false)
	return existed, nil
}

// push records a write that has just been applied to the store. The caller
// holds key's lock; old is what the store held before the write.
func (c *Coordinate) push(txnID, key string, old []byte, oldExists bool, value []byte, exists bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	p, ok := c.pending[key]
	if !ok {
		p = &pendingKey{base: old, baseExists: oldExists}
		c.pending[key] = p
	}
	p.writes = append(p.writes, pendingWrite{txnID: txnID, value: bytes.Clone(value), exists: exists})
}

// ScanSnapshotKey names the snapshot entry a Scan over [start, end) captures.
func ScanSnapshotKey(start, end []byte) string {
	return fmt.Sprintf("scan:%s:%s", start, end)
}

// Scan reads [start, end), records every returned key as a read and captures
// the range as a snapshot so later inserts into it surface as phantoms.
func (c *Coordinate) Scan(ctx context.Context, tx *Transaction, start, end []byte, limit int) ([]*store.KVPair, error) {
	pairs, err := c.store.Scan(ctx, start, end, limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for _, p := range pairs {
		if _, err := tx.Read(string(p.Key), p.Value); err != nil {
			return nil, err
		}
	}
	rng := KeyRange{Start: string(start), End: string(end)}
	if err := tx.CaptureSnapshot(ScanSnapshotKey(start, end), rng); err != nil {
		return nil, err
	}
	return pairs, nil
}

// Commit commits through the manager. When the commit fails and leaves the
// transaction aborted, its writes are rolled back.
func (c *Coordinate) Commit(ctx context.Context, tx *Transaction) error {
	_, err := c.manager.Commit(ctx, tx)
	if err == nil {
		_, err = c.settle(ctx, tx, tx.WriteSet(), true)
		return err
	}
	if tx.IsAborted() {
		if rbErr := c.rollback(ctx, tx); rbErr != nil {
			return errors.WithStack(errors.CombineErrors(err, rbErr))
		}
	}
	return err
}

// Abort aborts tx and undoes its writes. Aborting a committed transaction
// does nothing.
func (c *Coordinate) Abort(ctx context.Context, tx *Transaction, reason string) error {
	switch state := tx.State(); {
	case state == StateCommitted:
		return nil
	case !state.terminal():
		if _, err := c.manager.Abort(tx, reason); err != nil {
			return err
		}
	}
	return c.rollback(ctx, tx)
}

func (c *Coordinate) rollback(ctx context.Context, tx *Transaction) error {
	ops := tx.RollbackOperations()
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		keys = append(keys, op.Key())
	}
	undone, err := c.settle(ctx, tx, keys, false)
	if err != nil {
		return err
	}
	if undone > 0 {
		c.log.InfoContext(ctx, "rollback",
			slog.String("txn_id", tx.ID()),
			slog.Int("ops", len(ops)),
			slog.Int("keys", undone),
		)
	}
	return nil
}

// settle drops tx's pending writes on keys and reports how many keys it had
// pending writes on. On commit its last write becomes the key's committed
// value and older pending writes are discarded. The store is then reset to
// whatever write is still live on top of the chain.
func (c *Coordinate) settle(ctx context.Context, tx *Transaction, keys []string, committed bool) (int, error) {
	var n int
	for _, key := range keys {
		removed, err := c.settleKey(ctx, tx.ID(), key, committed)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}

func (c *Coordinate) settleKey(ctx context.Context, txnID, key string, committed bool) (bool, error) {
	unlock := c.locks.Lock(key)
	defer unlock()

	c.pendingMu.Lock()
	p, ok := c.pending[key]
	if !ok {
		c.pendingMu.Unlock()
		return false, nil
	}
	before, beforeExists := p.visible()
	kept := p.writes[:0]
	var removed bool
	for _, w := range p.writes {
		if w.txnID != txnID {
			kept = append(kept, w)
			continue
		}
		removed = true
		if committed {
			// writes applied before a committed one are overwritten for good
			p.base, p.baseExists = w.value, w.exists
			kept = kept[:0]
		}
	}
	p.writes = kept
	value, exists := p.visible()
	if len(p.writes) == 0 {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !removed || (exists == beforeExists && bytes.Equal(value, before)) {
		return removed, nil
	}
	if !exists {
		_, err := c.store.Delete(ctx, []byte(key))
		return removed, errors.WithStack(err)
	}
	return removed, errors.WithStack(c.store.Put(ctx, []byte(key), value))
}

// PendingKeys reports how many keys carry uncommitted writes.
func (c *Coordinate) PendingKeys() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Stats merges manager totals with lock usage and the live active count.
func (c *Coordinate) Stats() ManagerStats {
	return c.manager.Stats(c.locks.Stats(), c.manager.ActiveCount(), c.manager.Counter())
}
