package triemap

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3slami/divago/internal/infixstore"
)

func testCfg() infixstore.Config { return infixstore.DefaultConfig(8) }

func keyOf(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func TestTrieInsertPointQuery(t *testing.T) {
	// Shifted by 48 so the keys differ within the 21 leading bits a
	// grade-2 store over the whole key space pins.
	tr := New(testCfg(), 8)
	tr.Insert(keyOf(100 << 48))
	tr.Insert(keyOf(200 << 48))

	assert.True(t, tr.PointQuery(keyOf(100<<48)))
	assert.True(t, tr.PointQuery(keyOf(200<<48)))
	assert.False(t, tr.PointQuery(keyOf(150<<48)))
}

func TestTrieDeleteRemovesKey(t *testing.T) {
	tr := New(testCfg(), 8)
	tr.Insert(keyOf(42))
	require.True(t, tr.PointQuery(keyOf(42)))

	tr.Delete(keyOf(42))
	assert.False(t, tr.PointQuery(keyOf(42)))
}

func TestTrieRangeQuery(t *testing.T) {
	// Shifted by 48 so the bounds differ within the pinned bits (see
	// TestTrieInsertPointQuery).
	tr := New(testCfg(), 8)
	tr.Insert(keyOf(1000 << 48))

	assert.True(t, tr.RangeQuery(keyOf(900<<48), keyOf(1100<<48)))
	assert.False(t, tr.RangeQuery(keyOf(0), keyOf(500<<48)))
}

func TestTrieBoundsAlwaysHasSentinels(t *testing.T) {
	tr := New(testCfg(), 8)
	bounds := tr.Bounds()
	require.Len(t, bounds, 2)
	lo, hi := bounds[0], bounds[1]
	for _, b := range lo {
		assert.Zero(t, b)
	}
	for _, b := range hi {
		assert.Equal(t, byte(0xFF), b)
	}
}

// TestTrieConcurrentReadersDuringInsert exercises the per-leaf
// RWMutex/atomic-root contract: readers running PointQuery must never
// observe a panic or a stale index while a writer goroutine keeps
// inserting and occasionally forcing a structural split.
func TestTrieConcurrentReadersDuringInsert(t *testing.T) {
	tr := New(testCfg(), 8)
	const writes = 4000

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
					tr.PointQuery(keyOf(rng.Uint64()))
				}
			}
		}(int64(i))
	}

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < writes; i++ {
		tr.Insert(keyOf(rng.Uint64()))
	}
	close(stop)

	require.Eventually(t, func() bool {
		wg.Wait()
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

// TestTrieForcedSplit mirrors spec.md §8 end-to-end scenario 3: enough
// inserts into a single initial leaf to exhaust every size grade forces
// a split, after which every originally-inserted key still queries true.
func TestTrieForcedSplit(t *testing.T) {
	tr := New(testCfg(), 8)
	rng := rand.New(rand.NewSource(7))

	seen := map[uint64]bool{}
	var keys []uint64
	const n = 20000 // more than the 16384 slots of a top-grade store
	for len(keys) < n {
		v := rng.Uint64()
		if seen[v] {
			continue
		}
		seen[v] = true
		keys = append(keys, v)
		tr.Insert(keyOf(v))
	}

	require.Greater(t, len(tr.Bounds()), 2, "inserting past every size grade's capacity should force at least one split")

	for _, v := range keys {
		assert.True(t, tr.PointQuery(keyOf(v)), "false negative for key %d after forced split", v)
	}
}

func TestTrieBulkLoadThenShrinkInfixSize(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	seen := map[uint64]bool{}
	var vals []uint64
	for len(vals) < 500 {
		v := rng.Uint64()
		if seen[v] {
			continue
		}
		seen[v] = true
		vals = append(vals, v)
	}
	sortUint64s(vals)

	keys := make([][]byte, len(vals))
	for i, v := range vals {
		keys[i] = keyOf(v)
	}

	tr := BulkLoad(testCfg(), keys, 8)
	for _, v := range vals {
		require.True(t, tr.PointQuery(keyOf(v)))
	}

	tr.ShrinkInfixSize(4)
	for _, v := range vals {
		assert.True(t, tr.PointQuery(keyOf(v)), "shrink monotonicity violated for key %d", v)
	}
}

func sortUint64s(v []uint64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}
