package kv

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testWait = 2 * time.Second
	testTick = 10 * time.Millisecond
)

func TestLockTable_SerializesSameKey(t *testing.T) {
	l := NewLockTable(4)

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("hot")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	st := l.Stats()
	require.Equal(t, 4, st.Stripes)
	require.Equal(t, uint64(50), st.Acquired)
	require.Zero(t, st.Held)
}

func TestLockTable_UnlockIsIdempotent(t *testing.T) {
	l := NewLockTable(1)
	unlock := l.Lock("a")
	require.Equal(t, int64(1), l.Stats().Held)
	unlock()
	unlock()
	require.Zero(t, l.Stats().Held)

	// a second unlock of the same stripe would panic if it reached the mutex
	unlock = l.Lock("b")
	unlock()
}

func TestLockTable_CountsContention(t *testing.T) {
	l := NewLockTable(1)
	unlock := l.Lock("a")

	acquired := make(chan struct{})
	go func() {
		release := l.Lock("b")
		close(acquired)
		release()
	}()

	require.Eventually(t, func() bool { return l.Stats().Contended == 1 }, testWait, testTick)
	unlock()
	<-acquired
	require.Equal(t, uint64(2), l.Stats().Acquired)
}

func TestLockTable_DefaultStripes(t *testing.T) {
	l := NewLockTable(0)
	require.Equal(t, defaultLockStripes, l.Stats().Stripes)
	for i := 0; i < 100; i++ {
		l.Lock(fmt.Sprintf("k%d", i))()
	}
	require.Equal(t, uint64(100), l.Stats().Acquired)
}
