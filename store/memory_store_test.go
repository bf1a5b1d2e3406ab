package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	_, err := st.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	key := []byte("k")
	val := []byte("v")
	require.NoError(t, st.Put(ctx, key, val))
	key[0], val[0] = 'x', 'x'

	got, err := st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	got[0] = 'y'
	got, err = st.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	ok, err := st.Exists(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, st.Len())

	existed, err := st.Delete(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, existed)
	existed, err = st.Delete(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, 0, st.Len())
}

func TestMemoryStore_Scan(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, st.Put(ctx, []byte(k), []byte("v"+k)))
	}

	keys := func(pairs []*KVPair) []string {
		out := make([]string, 0, len(pairs))
		for _, p := range pairs {
			out = append(out, string(p.Key))
		}
		return out
	}

	pairs, err := st.Scan(ctx, []byte("b"), []byte("d"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys(pairs))
	assert.Equal(t, []byte("vb"), pairs[0].Value)

	pairs, err = st.Scan(ctx, []byte("c"), nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, keys(pairs))

	pairs, err = st.Scan(ctx, nil, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys(pairs))

	pairs, err = st.Scan(ctx, []byte("a"), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestMemoryStore_ScanSeeksToStart(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		require.NoError(t, st.Put(ctx, key, key))
	}

	pairs, err := st.Scan(ctx, []byte("k0500"), []byte("k0503"), 10)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, []byte("k0500"), pairs[0].Key)
	assert.Equal(t, []byte("k0502"), pairs[2].Key)

	// start between two keys lands on the next one
	pairs, err = st.Scan(ctx, []byte("k0500a"), nil, 2)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, []byte("k0501"), pairs[0].Key)
	assert.Equal(t, []byte("k0502"), pairs[1].Value)

	pairs, err = st.Scan(ctx, []byte("k0999"), nil, 10)
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	pairs, err = st.Scan(ctx, []byte("z"), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	pairs, err = st.Scan(ctx, []byte("k0100"), []byte("k0100"), 10)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, st.Close())

	_, err := st.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, st.Put(ctx, []byte("k"), []byte("v")), ErrClosed)
	_, err = st.Delete(ctx, []byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = st.Scan(ctx, nil, nil, 1)
	require.ErrorIs(t, err, ErrClosed)
	_, err = st.Exists(ctx, []byte("k"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := []byte(fmt.Sprintf("k%d-%d", i, j))
				assert.NoError(t, st.Put(ctx, key, key))
				_, _ = st.Scan(ctx, nil, nil, 10)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 800, st.Len())
}
