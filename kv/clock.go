package kv

import (
	"sync/atomic"
	"time"
)

// Clock supplies the instants stamped on transactions and operations.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// WallClock returns a Clock backed by time.Now.
func WallClock() Clock { return wallClock{} }

// HybridClock follows the wall clock but never repeats or goes back: when
// the wall clock has not moved past the last issued instant it issues the
// next nanosecond instead. Begin and commit instants drawn from it are
// therefore totally ordered, which the "started after" checks rely on.
type HybridClock struct {
	// last is the last issued instant in Unix nanoseconds.
	last atomic.Int64
	wall func() time.Time
}

func NewHybridClock() *HybridClock {
	return &HybridClock{wall: time.Now}
}

func (h *HybridClock) Now() time.Time {
	for {
		prev := h.last.Load()
		next := h.wall().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if h.last.CompareAndSwap(prev, next) {
			return time.Unix(0, next)
		}
	}
}

var (
	_ Clock = wallClock{}
	_ Clock = (*HybridClock)(nil)
)
