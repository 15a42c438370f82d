package bptree

import (
	"testing"
	"time"

	"github.com/farmem/bptcache/cache"
	"github.com/farmem/bptcache/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func newTestTree(t *testing.T, cachePages int) (*Tree, *cache.SectionedCache, *store.MemStore) {
	t.Helper()

	ms := store.NewMemStore(testPageSize)
	pc, err := cache.NewSectionedCache(&cache.CacheConfig{
		TotalSize:       cachePages * testPageSize,
		PageSize:        testPageSize,
		DefaultLineSize: testPageSize,
		Store:           ms,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	tree, err := NewTree(pc)
	require.NoError(t, err)
	return tree, pc, ms
}

func TestInsertGetRoundTrip(t *testing.T) {
	// A cache much smaller than the tree forces evictions on the way.
	tree, _, _ := newTestTree(t, 16)

	const pairs = 5000
	for key := uint64(0); key < pairs; key++ {
		require.NoError(t, tree.Insert(key, key*3))
	}
	assert.Equal(t, uint64(pairs), tree.Size())

	for key := uint64(0); key < pairs; key += 7 {
		values, err := tree.GetValue(key)
		require.NoError(t, err)
		require.Equal(t, []uint64{key * 3}, values, "key %d", key)
	}

	if _, err := tree.GetValue(pairs + 100); err != nil {
		t.Fatalf("lookup of an absent key must not fail: %v", err)
	}
}

func TestInsertDescendingKeys(t *testing.T) {
	tree, _, _ := newTestTree(t, 16)

	for key := uint64(2000); key > 0; key-- {
		require.NoError(t, tree.Insert(key, key+1))
	}
	for _, key := range []uint64{1, 999, 2000} {
		values, err := tree.GetValue(key)
		require.NoError(t, err)
		assert.Equal(t, []uint64{key + 1}, values)
	}
}

func TestDuplicateKeys(t *testing.T) {
	tree, _, _ := newTestTree(t, 16)

	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, tree.Insert(500, v))
	}
	values, err := tree.GetValue(500)
	require.NoError(t, err)
	assert.Len(t, values, 3)
}

func TestIteratorFullScan(t *testing.T) {
	tree, _, _ := newTestTree(t, 32)

	const pairs = 3000
	for key := uint64(0); key < pairs; key++ {
		require.NoError(t, tree.Insert(key, key))
	}

	var count uint64
	prev := int64(-1)
	for it := tree.Begin(); !it.End(); it.Next() {
		require.Greater(t, int64(it.Key()), prev, "keys must come back in order")
		prev = int64(it.Key())
		assert.Equal(t, it.Key(), it.Value())
		count++
	}
	assert.Equal(t, uint64(pairs), count)
}

func TestIteratorBeginAt(t *testing.T) {
	tree, _, _ := newTestTree(t, 32)

	for key := uint64(0); key < 1000; key += 2 {
		require.NoError(t, tree.Insert(key, key))
	}

	it := tree.BeginAt(501)
	require.False(t, it.End())
	assert.Equal(t, uint64(502), it.Key(), "BeginAt lands on the first key >= target")

	it = tree.BeginAt(5000)
	assert.True(t, it.End())
}

func TestTreeReopen(t *testing.T) {
	ms := store.NewMemStore(testPageSize)

	pc, err := cache.NewSectionedCache(&cache.CacheConfig{
		TotalSize:       16 * testPageSize,
		PageSize:        testPageSize,
		DefaultLineSize: testPageSize,
		Store:           ms,
	})
	require.NoError(t, err)

	tree, err := NewTree(pc)
	require.NoError(t, err)
	for key := uint64(0); key < 2000; key++ {
		require.NoError(t, tree.Insert(key, key^0xFF))
	}
	rootBefore := tree.Root()
	require.NoError(t, tree.Close())
	require.NoError(t, pc.Close())

	// A fresh cache over the same store finds the persisted tree.
	pc2, err := cache.NewSectionedCache(&cache.CacheConfig{
		TotalSize:       16 * testPageSize,
		PageSize:        testPageSize,
		DefaultLineSize: testPageSize,
		Store:           ms,
	})
	require.NoError(t, err)
	defer pc2.Close()

	tree2, err := NewTree(pc2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), tree2.Size())
	assert.Equal(t, rootBefore, tree2.Root())

	for _, key := range []uint64{0, 777, 1999} {
		values, err := tree2.GetValue(key)
		require.NoError(t, err)
		assert.Equal(t, []uint64{key ^ 0xFF}, values)
	}
}

// A prefetched search path turns the following lookup into pure hits.
func TestPrefetchSearchPathWarmDescent(t *testing.T) {
	tree, pc, _ := newTestTree(t, 64)

	const pairs = 60000
	for key := uint64(0); key < pairs; key++ {
		require.NoError(t, tree.Insert(key, key))
	}

	// Drop every resident page; the inner-node mirror survives.
	require.NoError(t, pc.ResizeSection(pc.DefaultSectionID(), 32*testPageSize))
	require.NoError(t, pc.ResizeSection(pc.DefaultSectionID(), 64*testPageSize))
	require.Equal(t, 0, pc.Size())

	const key = 50000
	tree.PrefetchSearchPath(key)

	require.Eventually(t, func() bool {
		return pc.PrefetchQueueLength() == 0 && pc.Size() > 0
	}, time.Second*5, time.Millisecond*5)
	// Give the workers a moment to finish the request they dequeued last.
	time.Sleep(time.Millisecond * 100)

	pc.ResetAllStats()
	values, err := tree.GetValue(key)
	require.NoError(t, err)
	require.Equal(t, []uint64{uint64(key)}, values)

	stats := pc.GetAllSectionStats()[0]
	assert.Equal(t, uint64(0), stats.Misses, "the warmed descent must not miss")
	assert.Greater(t, stats.Hits, uint64(0))
}

// The scan iterator keeps working when every batch boundary triggers
// prefetches.
func TestIteratorScanAcrossEvictions(t *testing.T) {
	tree, _, _ := newTestTree(t, 8)

	const pairs = 2000
	for key := uint64(0); key < pairs; key++ {
		require.NoError(t, tree.Insert(key, key*5))
	}

	var count uint64
	for it := tree.BeginAt(100); !it.End(); it.Next() {
		assert.Equal(t, it.Key()*5, it.Value())
		count++
	}
	assert.Equal(t, uint64(pairs-100), count)
}
