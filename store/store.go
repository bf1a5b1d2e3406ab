package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

var ErrKeyNotFound = errors.New("not found")

type KVPair struct {
	Key   []byte
	Value []byte
}

// Store is the key -> value table the transaction layer writes through.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Exists(ctx context.Context, key []byte) (bool, error)
	Put(ctx context.Context, key []byte, value []byte) error
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key []byte) (bool, error)
	// Scan returns pairs with start <= key < end in key order. A nil end is
	// unbounded; limit <= 0 returns nothing.
	Scan(ctx context.Context, start []byte, end []byte, limit int) ([]*KVPair, error)
	Len() int
	Close() error
}
