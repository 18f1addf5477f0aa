// Package triemap implements the Boundary Trie of spec.md §3.6/§4.3: an
// ordered map from boundary keys to Infix Stores, with per-leaf
// reader/writer locks, a global metadata lock for structural changes,
// and an atomically published root so readers never block on a
// structural change in progress.
//
// The shape follows gaissmai/bart's barttable.go: a thin, lock-free-read
// façade over an internal structure that is rebuilt and swapped under a
// write lock for any shape change, while in-place value mutation (a
// store's own Insert/Delete) happens through a per-leaf lock instead of
// through the table-wide lock bart documents as the caller's
// responsibility. Diva needs that finer granularity because, unlike
// bart's routing tables, its leaves (Infix Stores) are mutated far more
// often than the trie's shape changes.
package triemap

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/n3slami/divago/internal/boundary"
	"github.com/n3slami/divago/internal/infixstore"
	"github.com/n3slami/divago/internal/invariant"
)

// Leaf owns one Infix Store and the half-open key interval [Left, Right)
// it guards. sharedBits is cached SharedPrefixBits(Left, Right): it only
// changes when Left or Right changes, which only happens during a
// structural change already holding this leaf's write lock.
type Leaf struct {
	mu sync.RWMutex

	Left, Right []byte
	sharedBits  int

	Store *infixstore.Store
}

func newLeaf(left, right []byte, store *infixstore.Store) *Leaf {
	l := &Leaf{Left: left, Right: right, Store: store}
	l.sharedBits = boundary.SharedPrefixBits(left, right)
	return l
}

func (l *Leaf) implicitSize() int { return infixstore.QuotientBits(l.Store.Grade) }
func (l *Leaf) infixSize() int    { return l.Store.Config().InfixSize }

func (l *Leaf) extract(key []byte) (q, r uint64) {
	return boundary.Extract(key, l.sharedBits, l.implicitSize(), l.infixSize())
}

// index is the trie's immutable shape snapshot: bounds has one more
// entry than leaves, bounds[i] <= anything leaves[i] governs < bounds[i+1].
type index struct {
	bounds [][]byte
	leaves []*Leaf
}

func (idx *index) locate(key []byte) int {
	i := sort.Search(len(idx.bounds), func(i int) bool {
		return boundary.Compare(idx.bounds[i], key) > 0
	})
	i--
	if i < 0 {
		i = 0
	}
	if i >= len(idx.leaves) {
		i = len(idx.leaves) - 1
	}
	return i
}

// Trie is the Boundary Trie.
type Trie struct {
	cfg    infixstore.Config
	width  int // sentinel/boundary byte width
	root   atomic.Pointer[index]
	metaMu sync.Mutex

	// toLeft/toRight are reusable route-decision scratch bitsets for
	// splitStore, sized to the largest leaf split so far. Both are only
	// touched while metaMu is held.
	toLeft, toRight *bitset.BitSet
}

// New builds a trie with a single store spanning the min/max sentinels.
func New(cfg infixstore.Config, keyWidthBytes int) *Trie {
	lo := boundary.MinKey(keyWidthBytes)
	hi := boundary.MaxKey(keyWidthBytes)
	t := &Trie{cfg: cfg, width: keyWidthBytes}
	leaf := newLeaf(lo, hi, infixstore.New(cfg, infixstore.StartGrade, false))
	t.root.Store(&index{bounds: [][]byte{lo, hi}, leaves: []*Leaf{leaf}})
	return t
}

// BulkLoad builds a trie from sorted, distinct keys by greedy packing
// (spec.md §4.3.4): each store is filled directly to ~80% of its
// starting grade's capacity (promoting a store's grade up front if its
// share of keys needs more room) rather than built by repeated Insert.
func BulkLoad(cfg infixstore.Config, keys [][]byte, keyWidthBytes int) *Trie {
	t := &Trie{cfg: cfg, width: keyWidthBytes}
	if len(keys) == 0 {
		leaf := newLeaf(boundary.MinKey(keyWidthBytes), boundary.MaxKey(keyWidthBytes), infixstore.New(cfg, infixstore.StartGrade, false))
		t.root.Store(&index{bounds: [][]byte{leaf.Left, leaf.Right}, leaves: []*Leaf{leaf}})
		return t
	}

	const targetLoadFactor = 0.8
	perStore := int(targetLoadFactor * float64(infixstore.ScaledSize(infixstore.StartGrade)))
	if perStore < 1 {
		perStore = 1
	}

	lo := boundary.MinKey(keyWidthBytes)
	hi := boundary.MaxKey(keyWidthBytes)

	bounds := [][]byte{lo}
	var leaves []*Leaf

	// consumed tracks which key indices have already been assigned to a
	// chunk, so a chunk-sizing bug (an off-by-one in start/end) trips an
	// assertion instead of silently dropping or double-counting a key.
	consumed := bitset.New(uint(len(keys)))

	for start := 0; start < len(keys); {
		end := start + perStore
		if end > len(keys) {
			end = len(keys)
		}
		left := bounds[len(bounds)-1]
		right := hi
		if end < len(keys) {
			right = keys[end]
		}

		grade := infixstore.StartGrade
		for grade < infixstore.MaxGrade && infixstore.ScaledSize(grade) < 2*(end-start) {
			grade++
		}
		leaf := newLeaf(left, right, infixstore.New(cfg, grade, false))
		for i := start; i < end; i++ {
			insertNormalIntoLeaf(leaf, keys[i])
			consumed.Set(uint(i))
		}

		bounds = append(bounds, right)
		leaves = append(leaves, leaf)
		start = end
	}

	invariant.Assert(consumed.Count() == uint(len(keys)), "bulk load: chunking covered %d of %d keys", consumed.Count(), len(keys))

	t.root.Store(&index{bounds: bounds, leaves: leaves})
	return t
}

func insertNormalIntoLeaf(leaf *Leaf, key []byte) {
	for {
		q, r := leaf.extract(key)
		if leaf.Store.Insert(q, r) {
			return
		}
		invariant.Assert(leaf.Store.Grade < infixstore.MaxGrade, "bulk load chunk overflowed at max grade")
		leaf.Store = leaf.Store.Grow()
	}
}

// PointQuery reports whether key may be present.
func (t *Trie) PointQuery(key []byte) bool {
	idx := t.root.Load()
	leaf := idx.leaves[idx.locate(key)]
	leaf.mu.RLock()
	defer leaf.mu.RUnlock()
	q, r := leaf.extract(key)
	return leaf.Store.PointQuery(q, r)
}

// RangeQuery reports whether some key in [l, r] may be present.
func (t *Trie) RangeQuery(l, r []byte) bool {
	invariant.Assert(boundary.Compare(l, r) <= 0, "RangeQuery requires l<=r")

	idx := t.root.Load()
	first := idx.locate(l)
	last := idx.locate(r)

	for i := first; i <= last; i++ {
		leaf := idx.leaves[i]
		if hit := func() bool {
			leaf.mu.RLock()
			defer leaf.mu.RUnlock()

			qLo, rLo := uint64(0), uint64(0)
			if i == first {
				qLo, rLo = leaf.extract(l)
			}
			qHiMax := uint64(infixstore.TargetSize(leaf.Store.Grade) - 1)
			rHiMax := (uint64(1) << uint(leaf.infixSize())) - 1
			qHi, rHi := qHiMax, rHiMax
			if i == last {
				qHi, rHi = leaf.extract(r)
			}
			if qLo > qHi {
				return false
			}
			return leaf.Store.RangeQuery(qLo, rLo, qHi, rHi)
		}(); hit {
			return true
		}
	}
	return false
}

// Insert adds key, growing or splitting its leaf's store as needed.
func (t *Trie) Insert(key []byte) {
	for {
		idx := t.root.Load()
		i := idx.locate(key)
		leaf := idx.leaves[i]

		done, needSplit := t.tryInsert(leaf, key)
		if done {
			return
		}
		if needSplit {
			t.split(key)
			continue
		}
	}
}

// tryInsert attempts the insert against leaf's current store, growing in
// place on overflow. done is true if the key was placed (after zero or
// more grows); needSplit is true if growth is exhausted and the caller
// must split before retrying.
func (t *Trie) tryInsert(leaf *Leaf, key []byte) (done, needSplit bool) {
	leaf.mu.Lock()
	defer leaf.mu.Unlock()

	for {
		q, r := leaf.extract(key)
		if leaf.Store.Insert(q, r) {
			if leaf.Store.ShouldGrow() && leaf.Store.Grade < infixstore.MaxGrade {
				leaf.Store = leaf.Store.Grow()
			}
			return true, false
		}
		if leaf.Store.Grade >= infixstore.MaxGrade {
			return false, true
		}
		leaf.Store = leaf.Store.Grow()
	}
}

// Delete removes key and demotes its leaf's store one grade at a time
// while ShouldShrink holds. It does not merge the leaf with a
// neighbour: the shrink loop ends only once ShouldShrink is false, so
// the merge branch below is never taken.
func (t *Trie) Delete(key []byte) {
	idx := t.root.Load()
	i := idx.locate(key)
	leaf := idx.leaves[i]

	shouldMerge := func() bool {
		leaf.mu.Lock()
		defer leaf.mu.Unlock()
		q, r := leaf.extract(key)
		leaf.Store.Delete(q, r)
		for leaf.Store.ShouldShrink() {
			leaf.Store = leaf.Store.Shrink()
		}
		return leaf.Store.ShouldShrink()
	}()

	if shouldMerge {
		t.merge(leaf)
	}
}

// All walks every (boundaryKey, *infixstore.Store) pair in ascending
// order. Each leaf is read-locked only while it's visited and the next
// leaf is acquired before the current one is released, per spec.md
// §4.3.3's iterator-advance rule.
func (t *Trie) All(yield func(leftBoundary []byte, store *infixstore.Store) bool) {
	idx := t.root.Load()
	if len(idx.leaves) == 0 {
		return
	}
	idx.leaves[0].mu.RLock()
	for i := 0; i < len(idx.leaves); i++ {
		leaf := idx.leaves[i]
		cont := yield(leaf.Left, leaf.Store)
		var next *Leaf
		if i+1 < len(idx.leaves) {
			next = idx.leaves[i+1]
			next.mu.RLock()
		}
		leaf.mu.RUnlock()
		if !cont {
			if next != nil {
				next.mu.RUnlock()
			}
			return
		}
	}
}

// ShrinkInfixSize replaces every leaf and its store with one holding
// newSize remainder bits, per spec.md §4.4.2. It takes the metadata lock for the
// whole pass: every leaf's shape (its boundaries) is unchanged, only its
// store contents, so a single atomic root swap at the end is enough.
func (t *Trie) ShrinkInfixSize(newSize int) {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()

	idx := t.root.Load()
	newLeaves := make([]*Leaf, len(idx.leaves))
	for i, leaf := range idx.leaves {
		leaf.mu.Lock()
		shrunk := leaf.Store.ShrinkInfixSize(newSize)
		newLeaves[i] = newLeaf(leaf.Left, leaf.Right, shrunk)
		leaf.mu.Unlock()
	}
	t.cfg.InfixSize = newSize
	t.root.Store(&index{bounds: idx.bounds, leaves: newLeaves})
}

// Bounds returns a snapshot of the current boundary keys, ascending,
// including the min/max sentinels.
func (t *Trie) Bounds() [][]byte {
	idx := t.root.Load()
	out := make([][]byte, len(idx.bounds))
	copy(out, idx.bounds)
	return out
}

// split inserts a new boundary at cutKey, carving the leaf that
// currently governs it into two. It recomputes the target leaf after
// taking the metadata lock since the shape may have changed since the
// caller last looked.
func (t *Trie) split(cutKey []byte) {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()

	idx := t.root.Load()
	i := idx.locate(cutKey)
	leaf := idx.leaves[i]

	leaf.mu.Lock()
	leftStore, rightStore := t.splitStore(leaf, cutKey)
	leaf.mu.Unlock()

	leftLeaf := newLeaf(leaf.Left, cutKey, leftStore)
	rightLeaf := newLeaf(cutKey, leaf.Right, rightStore)

	newBounds := make([][]byte, 0, len(idx.bounds)+1)
	newLeaves := make([]*Leaf, 0, len(idx.leaves)+1)
	newBounds = append(newBounds, idx.bounds[:i+1]...)
	newBounds = append(newBounds, cutKey)
	newBounds = append(newBounds, idx.bounds[i+1:]...)
	newLeaves = append(newLeaves, idx.leaves[:i]...)
	newLeaves = append(newLeaves, leftLeaf, rightLeaf)
	newLeaves = append(newLeaves, idx.leaves[i+1:]...)

	t.root.Store(&index{bounds: newBounds, leaves: newLeaves})
}

// splitStore redistributes leaf's infixes between two fresh stores on
// either side of cutKey, per spec.md §4.2.6. Every infix is reconstructed
// to its pinned key bits (leaf.Left's shared prefix, its quotient, its
// remainder) and refiled by comparing that reconstruction against
// cutKey; an infix whose unknown truncated tail could fall on either
// side of the cut is conservatively stored as void in the side containing
// the ambiguous range, so no key is ever lost across the cut.
//
// Routing is staged in two passes over t's reusable toLeft/toRight
// scratch bitsets (marked here, applied below) rather than inserting
// directly while walking the store, so repeated splits reuse the same
// backing words instead of allocating a route-decision struct per infix.
func (t *Trie) splitStore(leaf *Leaf, cutKey []byte) (left, right *infixstore.Store) {
	grade := leaf.Store.Grade
	left = infixstore.New(leaf.Store.Config(), grade, true)
	right = infixstore.New(leaf.Store.Config(), grade, true)

	pinnedWidth := boundary.PinnedWidthBits(leaf.sharedBits, leaf.implicitSize(), leaf.infixSize())
	leftShared := boundary.SharedPrefixBits(leaf.Left, cutKey)
	rightShared := boundary.SharedPrefixBits(cutKey, leaf.Right)

	var infixes []infixstore.Infix
	var fulls [][]byte
	leaf.Store.All(func(inf infixstore.Infix) bool {
		infixes = append(infixes, inf)
		fulls = append(fulls, boundary.Fold(leaf.Left, leaf.sharedBits, leaf.implicitSize(), leaf.infixSize(), inf.Quotient, inf.Remainder))
		return true
	})

	n := uint(len(infixes))
	if t.toLeft == nil || t.toLeft.Len() < n {
		t.toLeft = bitset.New(n)
		t.toRight = bitset.New(n)
	} else {
		t.toLeft.ClearAll()
		t.toRight.ClearAll()
	}

	for i, full := range fulls {
		cmpLo := boundary.Compare(full, cutKey)
		hi := make([]byte, len(full))
		copy(hi, full)
		for b := pinnedWidth; b < len(hi)*8; b++ {
			hi = boundary.PutBitsAt(hi, b, 1, 1)
		}
		cmpHi := boundary.Compare(hi, cutKey)

		switch {
		case infixes[i].Void:
			// a void infix already spans an unknown range; keep it void
			// on whichever side(s) its pinned prefix could reach.
			if cmpLo < 0 {
				t.toLeft.Set(uint(i))
			}
			if cmpHi >= 0 {
				t.toRight.Set(uint(i))
			}
		case cmpLo < 0 && cmpHi < 0:
			t.toLeft.Set(uint(i))
		case cmpLo >= 0 && cmpHi >= 0:
			t.toRight.Set(uint(i))
		default:
			// straddles the cut: the exact value is unrecoverable from
			// the truncated infix alone, so record it as void on both
			// sides rather than risk a false negative.
			t.toLeft.Set(uint(i))
			t.toRight.Set(uint(i))
		}
	}

	for i, full := range fulls {
		goLeft, goRight := t.toLeft.Test(uint(i)), t.toRight.Test(uint(i))
		void := infixes[i].Void || (goLeft && goRight)
		if goLeft {
			if void {
				insertVoidGrowing(left, leftShared, full)
			} else {
				insertNormalGrowing(left, leftShared, full)
			}
		}
		if goRight {
			if void {
				insertVoidGrowing(right, rightShared, full)
			} else {
				insertNormalGrowing(right, rightShared, full)
			}
		}
	}

	return left, right
}

func insertNormalGrowing(s *infixstore.Store, shared int, full []byte) {
	for {
		q, r := boundary.Extract(full, shared, infixstore.QuotientBits(s.Grade), s.Config().InfixSize)
		if s.Insert(q, r) {
			return
		}
		if s.Grade >= infixstore.MaxGrade {
			invariant.Assert(false, "split target store overflowed at max grade")
		}
		*s = *s.Grow()
	}
}

func insertVoidGrowing(s *infixstore.Store, shared int, full []byte) {
	for {
		q, _ := boundary.Extract(full, shared, infixstore.QuotientBits(s.Grade), s.Config().InfixSize)
		if s.InsertVoid(q) {
			return
		}
		if s.Grade >= infixstore.MaxGrade {
			invariant.Assert(false, "split target store overflowed at max grade")
		}
		*s = *s.Grow()
	}
}

// merge coalesces target with its right neighbour, dropping the boundary
// key between them, per spec.md §4.2.7/§4.3.2. target is re-located by
// identity after taking the metadata lock, since the trie's shape may
// have changed since the caller decided a merge was warranted; if target
// is no longer the current occupant of its interval (a concurrent
// structural change already touched it), the merge is skipped; the next
// delete against that store will reconsider.
func (t *Trie) merge(target *Leaf) {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()

	idx := t.root.Load()
	i := idx.locate(target.Left)
	if idx.leaves[i] != target || i+1 >= len(idx.leaves) {
		return
	}
	left, right := idx.leaves[i], idx.leaves[i+1]

	left.mu.Lock()
	right.mu.Lock()
	merged := mergeStores(left, right)
	right.mu.Unlock()
	left.mu.Unlock()

	mergedLeaf := newLeaf(left.Left, right.Right, merged)

	newBounds := make([][]byte, 0, len(idx.bounds)-1)
	newLeaves := make([]*Leaf, 0, len(idx.leaves)-1)
	newBounds = append(newBounds, idx.bounds[:i+1]...)
	newBounds = append(newBounds, idx.bounds[i+2:]...)
	newLeaves = append(newLeaves, idx.leaves[:i]...)
	newLeaves = append(newLeaves, mergedLeaf)
	newLeaves = append(newLeaves, idx.leaves[i+2:]...)

	t.root.Store(&index{bounds: newBounds, leaves: newLeaves})
}

// mergeStores folds left and right's infixes into one store spanning
// left.Left..right.Right, re-extracting each one against the wider
// implicit region the merged interval implies.
func mergeStores(left, right *Leaf) *infixstore.Store {
	grade := left.Store.Grade
	if right.Store.Grade > grade {
		grade = right.Store.Grade
	}
	merged := infixstore.New(left.Store.Config(), grade, true)
	mergedShared := boundary.SharedPrefixBits(left.Left, right.Right)

	fold := func(lf *Leaf, inf infixstore.Infix) []byte {
		return boundary.Fold(lf.Left, lf.sharedBits, lf.implicitSize(), lf.infixSize(), inf.Quotient, inf.Remainder)
	}

	left.Store.All(func(inf infixstore.Infix) bool {
		full := fold(left, inf)
		if inf.Void {
			insertVoidGrowing(merged, mergedShared, full)
		} else {
			insertNormalGrowing(merged, mergedShared, full)
		}
		return true
	})
	right.Store.All(func(inf infixstore.Infix) bool {
		full := fold(right, inf)
		if inf.Void {
			insertVoidGrowing(merged, mergedShared, full)
		} else {
			insertNormalGrowing(merged, mergedShared, full)
		}
		return true
	})

	return merged
}
