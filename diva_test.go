package divago

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/n3slami/divago/internal/infixstore"
)

func keyOf(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func sliceSeq(keys [][]byte) func(func([]byte) bool) {
	return func(yield func([]byte) bool) {
		for _, k := range keys {
			if !yield(k) {
				return
			}
		}
	}
}

// TestDivaBulkLoadArithmeticSequence mirrors spec.md §8 end-to-end
// scenario 1: ten evenly spaced keys, all probing true, and one
// unrelated key probing false.
func TestDivaBulkLoadArithmeticSequence(t *testing.T) {
	cfg := DefaultConfig(8)
	cfg.IntegerOptimized = true

	var keys [][]byte
	for i := uint64(1); i <= 10; i++ {
		keys = append(keys, keyOf(0x11111111*i))
	}

	d := BulkLoad(cfg, sliceSeq(keys))
	for i, k := range keys {
		if !d.PointQuery(k) {
			t.Fatalf("key %d (0x11111111*%d) should query true after bulk load", i, i+1)
		}
	}
	if d.PointQuery(keyOf(0x10000000)) {
		t.Fatalf("0x10000000 was never inserted and should not have aliased any quotient/remainder pair")
	}
}

// TestDivaInterpolatedSequenceSingleStore mirrors spec.md §8 end-to-end
// scenario 2: a narrow infix size holding a dense interpolation of keys
// in a single store, without overflow forcing a split.
func TestDivaInterpolatedSequenceSingleStore(t *testing.T) {
	cfg := DefaultConfig(5)
	cfg.IntegerOptimized = true
	d := New(cfg)

	lo, hi := uint64(0x11111111), uint64(0x22222222)
	var keys [][]byte
	for i := uint64(1); i <= 99; i++ {
		v := (lo*i + hi*(100-i)) / 100
		k := keyOf(v)
		keys = append(keys, k)
		d.Insert(k)
	}

	if len(d.trie.Bounds()) != 2 {
		t.Fatalf("99-point interpolation should fit a single store without splitting, got %d boundaries", len(d.trie.Bounds()))
	}
	for i, k := range keys {
		if !d.PointQuery(k) {
			t.Fatalf("interpolated key %d should query true", i)
		}
	}
}

// TestDivaForcedSplitPreservesAllKeys mirrors spec.md §8 end-to-end
// scenario 3: an insert that overflows the interpolation's single store
// forces a split; both resulting stores remain independently queryable
// and every originally inserted key still returns true.
func TestDivaForcedSplitPreservesAllKeys(t *testing.T) {
	cfg := DefaultConfig(5)
	cfg.IntegerOptimized = true
	d := New(cfg)

	lo, hi := uint64(0x11111111), uint64(0x22222222)
	var keys [][]byte
	for i := uint64(1); i <= 99; i++ {
		v := (lo*i + hi*(100-i)) / 100
		k := keyOf(v)
		keys = append(keys, k)
		d.Insert(k)
	}

	splitter := keyOf(0x11111111*30 + 0x22222222*70 + (8 << 16))
	keys = append(keys, splitter)
	d.Insert(splitter)

	if len(d.trie.Bounds()) <= 2 {
		t.Fatalf("overflow insert should have forced a split, got %d boundaries", len(d.trie.Bounds()))
	}
	for i, k := range keys {
		if !d.PointQuery(k) {
			t.Fatalf("key %d should still query true after split", i)
		}
	}
}

// TestDivaRandomWorkloadNoFalseNegatives mirrors spec.md §8 end-to-end
// scenario 4, scaled down from 10 000+1 400 000 keys to a size a unit
// test can carry: bulk-load a sorted key set, then insert more random
// keys, checking for false negatives at periodic checkpoints.
func TestDivaRandomWorkloadNoFalseNegatives(t *testing.T) {
	cfg := DefaultConfig(10)
	cfg.IntegerOptimized = true

	rng := rand.New(rand.NewSource(10))
	seen := map[uint64]bool{}
	var vals []uint64
	for len(vals) < 2000 {
		v := rng.Uint64()
		if seen[v] {
			continue
		}
		seen[v] = true
		vals = append(vals, v)
	}
	sortUint64s(vals)

	bulkKeys := make([][]byte, len(vals))
	for i, v := range vals {
		bulkKeys[i] = keyOf(v)
	}
	d := BulkLoad(cfg, sliceSeq(bulkKeys))

	const checkpoint = 1000
	for i := 0; i < 8000; i++ {
		var v uint64
		for {
			v = rng.Uint64()
			if !seen[v] {
				break
			}
		}
		seen[v] = true
		vals = append(vals, v)
		d.Insert(keyOf(v))

		if (i+1)%checkpoint == 0 {
			for _, w := range vals {
				if !d.PointQuery(keyOf(w)) {
					t.Fatalf("false negative for key %d at checkpoint %d", w, i+1)
				}
			}
		}
	}
}

// TestDivaDeletionCycle mirrors spec.md §8 end-to-end scenario 5:
// insert n keys, delete them in shuffled order, and after every deletion
// verify every remaining key still queries true.
func TestDivaDeletionCycle(t *testing.T) {
	cfg := DefaultConfig(10)
	cfg.IntegerOptimized = true
	d := New(cfg)

	rng := rand.New(rand.NewSource(5))
	seen := map[uint64]bool{}
	var vals []uint64
	for len(vals) < 200 {
		v := rng.Uint64()
		if seen[v] {
			continue
		}
		seen[v] = true
		vals = append(vals, v)
		d.Insert(keyOf(v))
	}

	order := append([]uint64(nil), vals...)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	remaining := map[uint64]bool{}
	for _, v := range vals {
		remaining[v] = true
	}

	for _, v := range order {
		d.Delete(keyOf(v))
		delete(remaining, v)
		for w := range remaining {
			if !d.PointQuery(keyOf(w)) {
				t.Fatalf("false negative for remaining key %d after deleting %d", w, v)
			}
		}
	}
}

// TestDivaSerializeRoundTrip mirrors spec.md §8 end-to-end scenario 6
// and quantified invariant 4: serialize a populated Diva, deserialize
// into a fresh instance, and verify every originally true key is still
// true and the trie's contents are bit-identical.
func TestDivaSerializeRoundTrip(t *testing.T) {
	cfg := DefaultConfig(8)
	cfg.IntegerOptimized = true

	rng := rand.New(rand.NewSource(11))
	seen := map[uint64]bool{}
	var vals []uint64
	for len(vals) < 3000 {
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
	d := BulkLoad(cfg, sliceSeq(keys))

	var buf bytes.Buffer
	if err := d.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	wireLen := buf.Len()
	if wireLen != d.SizeInBytes() {
		t.Fatalf("Serialize wrote %d bytes, SizeInBytes() reports %d", wireLen, d.SizeInBytes())
	}

	got, err := Deserialize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	for _, v := range vals {
		if !got.PointQuery(keyOf(v)) {
			t.Fatalf("deserialized filter missing key %d that was present before serialization", v)
		}
	}

	if diff := cmp.Diff(snapshot(d), snapshot(got)); diff != "" {
		t.Fatalf("round-tripped trie contents differ (-want +got):\n%s", diff)
	}
}

type storeSnapshot struct {
	Grade, InvalidBits, ElemCount int
	IsPartialKey                  bool
	Infixes                       []infixstore.Infix
}

type leafSnapshot struct {
	Left  []byte
	Store storeSnapshot
}

func snapshot(d *Diva) []leafSnapshot {
	var out []leafSnapshot
	d.trie.All(func(left []byte, s *infixstore.Store) bool {
		var infs []infixstore.Infix
		s.All(func(inf infixstore.Infix) bool { infs = append(infs, inf); return true })
		out = append(out, leafSnapshot{
			Left: append([]byte(nil), left...),
			Store: storeSnapshot{
				Grade:        s.Grade,
				InvalidBits:  s.InvalidBits,
				ElemCount:    s.ElemCount,
				IsPartialKey: s.IsPartialKey,
				Infixes:      infs,
			},
		})
		return true
	})
	return out
}

func sortUint64s(v []uint64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}
