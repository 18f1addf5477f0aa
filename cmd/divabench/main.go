// Command divabench bulk-loads a synthetic integer key set into a Diva
// filter, runs the point/range probe scenarios used to validate the
// no-false-negative property, and reports the observed false-positive
// rate against a github.com/bits-and-blooms/bloom/v3 baseline built over
// the same keys. Shaped after the teacher's own cmd/main.go timing
// harness (log.Printf progress lines, a math/rand/v2 PRNG seeded for
// reproducibility) but over Diva's own domain instead of route tables.
package main

import (
	"bytes"
	"encoding/binary"
	"log"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/n3slami/divago"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	const (
		numKeys   = 200_000
		numProbes = 50_000
		infixSize = 8
	)
	prng := rand.New(rand.NewPCG(42, 42))

	keys := randomSortedKeys(prng, numKeys)

	ts := time.Now()
	d := divago.BulkLoad(divago.DefaultConfig(infixSize), sliceSeq(keys))
	log.Printf("bulk-loaded %d keys: %v, size: %d bytes", numKeys, time.Since(ts), d.SizeInBytes())

	bf := bloom.NewWithEstimates(uint(numKeys), 0.01)
	for _, k := range keys {
		bf.Add(k)
	}

	ts = time.Now()
	for _, k := range keys {
		if !d.PointQuery(k) {
			log.Fatalf("false negative on inserted key %x", k)
		}
	}
	log.Printf("verified no false negatives over %d keys: %v", numKeys, time.Since(ts))

	var divaFalsePos, bloomFalsePos int
	probes := randomSortedKeys(prng, numProbes)
	for _, p := range probes {
		if !isMember(keys, p) {
			if d.PointQuery(p) {
				divaFalsePos++
			}
			if bf.Test(p) {
				bloomFalsePos++
			}
		}
	}
	log.Printf("probe false-positive rate: diva=%.4f%% bloom/v3=%.4f%% (n=%d probes)",
		100*float64(divaFalsePos)/float64(numProbes), 100*float64(bloomFalsePos)/float64(numProbes), numProbes)

	lo, hi := keys[numKeys/4], keys[numKeys/4+100]
	log.Printf("RangeQuery(%x,%x) = %v", lo, hi, d.RangeQuery(lo, hi))

	d.ShrinkInfixSize(infixSize / 2)
	ts = time.Now()
	for _, k := range keys {
		if !d.PointQuery(k) {
			log.Fatalf("false negative after ShrinkInfixSize on key %x", k)
		}
	}
	log.Printf("verified shrink monotonicity: %v, size after shrink: %d bytes", time.Since(ts), d.SizeInBytes())
}

func randomSortedKeys(prng *rand.Rand, n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, prng.Uint64())
		keys[i] = buf
	}
	sortKeys(keys)
	return dedup(keys)
}

func sortKeys(keys [][]byte) {
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
}

func dedup(keys [][]byte) [][]byte {
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || !bytes.Equal(out[len(out)-1], k) {
			out = append(out, k)
		}
	}
	return out
}

func isMember(sorted [][]byte, k []byte) bool {
	i := sort.Search(len(sorted), func(i int) bool { return bytes.Compare(sorted[i], k) >= 0 })
	return i < len(sorted) && bytes.Equal(sorted[i], k)
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
