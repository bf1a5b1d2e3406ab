package store

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/trees/redblacktree"
)

var ErrClosed = errors.New("store closed")

func byteSliceComparator(a, b interface{}) int {
	ab, okA := a.([]byte)
	bb, okB := b.([]byte)
	switch {
	case okA && okB:
		return bytes.Compare(ab, bb)
	case okA:
		return 1
	case okB:
		return -1
	default:
		return 0
	}
}

func withinBoundsKey(k, start, end []byte) bool {
	if start != nil && bytes.Compare(k, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(k, end) >= 0 {
		return false
	}
	return true
}

// memoryStore keeps the latest value per key in a red-black tree so range
// scans come back in key order and can seek to their start key.
type memoryStore struct {
	tree   *redblacktree.Tree // key []byte -> value []byte
	mtx    sync.RWMutex
	log    *slog.Logger
	closed bool
}

func NewMemoryStore() Store {
	return NewMemoryStoreWithLogger(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
}

func NewMemoryStoreWithLogger(logger *slog.Logger) Store {
	return &memoryStore{
		tree: redblacktree.NewWith(byteSliceComparator),
		log:  logger,
	}
}

var _ Store = (*memoryStore)(nil)

func (s *memoryStore) Get(_ context.Context, key []byte) ([]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	v, ok := s.tree.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	b, _ := v.([]byte)
	return bytes.Clone(b), nil
}

func (s *memoryStore) Exists(_ context.Context, key []byte) (bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.closed {
		return false, errors.WithStack(ErrClosed)
	}
	_, ok := s.tree.Get(key)
	return ok, nil
}

func (s *memoryStore) Put(ctx context.Context, key []byte, value []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return errors.WithStack(ErrClosed)
	}
	s.tree.Put(bytes.Clone(key), bytes.Clone(value))
	s.log.InfoContext(ctx, "put",
		slog.String("key", string(key)),
		slog.Int("size", len(value)),
	)
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key []byte) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return false, errors.WithStack(ErrClosed)
	}
	if _, ok := s.tree.Get(key); !ok {
		return false, nil
	}
	s.tree.Remove(key)
	s.log.InfoContext(ctx, "delete", slog.String("key", string(key)))
	return true, nil
}

func (s *memoryStore) Scan(_ context.Context, start []byte, end []byte, limit int) ([]*KVPair, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	if limit <= 0 {
		return []*KVPair{}, nil
	}

	result := make([]*KVPair, 0, min(limit, s.tree.Size()))
	it, ok := s.seek(start)
	for ; ok && len(result) < limit; ok = it.Next() {
		k, isKey := it.Key().([]byte)
		if !isKey {
			continue
		}
		if !withinBoundsKey(k, start, end) {
			break
		}
		v, _ := it.Value().([]byte)
		result = append(result, &KVPair{
			Key:   bytes.Clone(k),
			Value: bytes.Clone(v),
		})
	}
	return result, nil
}

// seek positions an iterator on the first key >= start. ok is false when no
// such key exists.
func (s *memoryStore) seek(start []byte) (redblacktree.Iterator, bool) {
	if len(start) == 0 {
		it := s.tree.Iterator()
		return it, it.Next()
	}
	node, found := s.tree.Ceiling(start)
	if !found {
		return redblacktree.Iterator{}, false
	}
	return s.tree.IteratorAt(node), true
}

func (s *memoryStore) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.tree.Size()
}

func (s *memoryStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	s.tree.Clear()
	return nil
}
