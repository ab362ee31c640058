package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGetRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	assert.False(t, store.Contains("S0F0"))

	val := Array{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}
	require.NoError(t, store.Put("S0F0", val))
	assert.True(t, store.Contains("S0F0"))

	got, err := store.Get("S0F0")
	require.NoError(t, err)
	assert.Equal(t, val, got)
}

func TestStoreReadMissReturnsErrCacheMiss(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("nope")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestStoreDiscoversExistingFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put("S1F2", Array{Shape: []int{1}, Data: []float64{42}}))

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	assert.True(t, reopened.Contains("S1F2"))
	got, err := reopened.Get("S1F2")
	require.NoError(t, err)
	assert.Equal(t, []float64{42}, got.Data)
}

// TestLRUEvictionRoundTrip implements spec.md §8 scenario 4: configure
// CacheSize=2, populate three keys, verify the least recently used has been
// evicted from memory but is recoverable via the disk layer with
// bitwise-equal contents.
func TestLRUEvictionRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	lru, err := NewLRU(store, 2)
	require.NoError(t, err)

	a := Array{Shape: []int{1}, Data: []float64{1}}
	b := Array{Shape: []int{1}, Data: []float64{2}}
	c := Array{Shape: []int{1}, Data: []float64{3}}

	require.NoError(t, lru.Put("a", a))
	require.NoError(t, lru.Put("b", b))
	require.NoError(t, lru.Put("c", c)) // evicts "a", the LRU entry

	assert.Equal(t, 2, lru.Len())

	// "a" is gone from memory (Len stays 2 after the read-through re-fetch
	// promotes it and evicts the new LRU entry, "b").
	got, err := lru.Get("a")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, 2, lru.Len())
}

func TestLRUWriteThenReadBitwiseEqual(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "psf")
	store, err := NewStore(dir)
	require.NoError(t, err)
	lru, err := NewLRU(store, 4)
	require.NoError(t, err)

	val := Array{Shape: []int{3, 3}, Data: []float64{0, 1, 2, 3, 4, 5, 6, 7, 8}}
	require.NoError(t, lru.Put("S2F0", val))

	got, err := lru.Get("S2F0")
	require.NoError(t, err)
	assert.Equal(t, val.Data, got.Data)
}

func TestNewLRURejectsNonPositiveSize(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = NewLRU(store, 0)
	assert.Error(t, err)
}
