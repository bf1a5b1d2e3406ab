package kv

import (
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

// LockTable hands out striped per-key mutexes and tracks how they are used.
// It only makes a single key's read-before-write atomic; conflicts between
// transactions are still detected at commit.
type LockTable struct {
	stripes []sync.Mutex

	acquired  atomic.Uint64
	contended atomic.Uint64
	held      atomic.Int64
}

// LockStats is the lock usage summary merged into manager stats.
type LockStats struct {
	Stripes   int    `json:"stripes"`
	Acquired  uint64 `json:"acquired"`
	Contended uint64 `json:"contended"`
	Held      int64  `json:"held"`
}

func NewLockTable(stripes int) *LockTable {
	if stripes <= 0 {
		stripes = defaultLockStripes
	}
	return &LockTable{stripes: make([]sync.Mutex, stripes)}
}

func (l *LockTable) stripe(key string) *sync.Mutex {
	h := murmur3.Sum64([]byte(key))
	return &l.stripes[h%uint64(len(l.stripes))]
}

// Lock blocks until key's stripe is held and returns the release func.
func (l *LockTable) Lock(key string) func() {
	m := l.stripe(key)
	if !m.TryLock() {
		l.contended.Add(1)
		m.Lock()
	}
	l.acquired.Add(1)
	l.held.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.held.Add(-1)
			m.Unlock()
		})
	}
}

func (l *LockTable) Stats() LockStats {
	return LockStats{
		Stripes:   len(l.stripes),
		Acquired:  l.acquired.Load(),
		Contended: l.contended.Load(),
		Held:      l.held.Load(),
	}
}
