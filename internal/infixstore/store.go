// Package infixstore implements the Infix Store of spec.md §3.5/§4.2: a
// quotient-filter-style container that holds a bounded number of infix
// bit-strings drawn from a contiguous key interval.
//
// The run-finding/shift algorithm is grounded on the classic
// rank-and-select quotient filter shape surveyed in
// other_examples/...facebookincubator-go-qfext__qf.go.go (occupied bit
// per quotient, walk-and-shift insert/delete); the popcount-indexed
// container around it is grounded on gaissmai/bart's
// internal/sparse.Array (Rank0-addressed compacted storage) generalized
// from "one value per set bit" to "one run of values per set bit".
package infixstore

import (
	"fmt"

	"github.com/n3slami/divago/internal/bitpack"
	"github.com/n3slami/divago/internal/invariant"
)

// Grade ladder constants (spec.md §4.2.5/§9: "implementation constants,
// not fundamentals"). BaseQuotientBits is the quotient address width at
// grade 0; each grade step doubles the quotient address space, which is
// how a real quotient filter relieves clustering pressure as it grows.
const (
	BaseQuotientBits     = 10 // target_size = 1<<10 = 1024 at grade 0, matching spec.md's worked constant
	QuotientBitsPerGrade = 1
	NumGrades            = 5
	MinGrade             = 0
	MaxGrade             = NumGrades - 1
	StartGrade           = 2 // the "shrink/grow separator": grades below are demotions, above are promotions
)

// SizeScalars gives, per grade, the multiplier applied to the grade's
// quotient-address space to obtain the physical slot count (scaled_size
// in spec.md §3.5). Kept at 1.0 uniformly: capacity growth between
// grades already comes from doubling the quotient address space, so no
// extra headroom multiplier is needed on top of it.
var SizeScalars = [NumGrades]float64{1, 1, 1, 1, 1}

// Config carries the Diva-wide, grade-independent parameters that every
// store in a Diva instance shares (spec.md §4.4.1).
type Config struct {
	InfixSize     int     // bits per remainder
	LoadFactor    float64 // grow trigger, e.g. 0.65 (qf.MaxLoadingFactor in the reference quotient filter)
	LoadFactorAlt float64 // hard ceiling invariant bound, e.g. 0.95
}

// DefaultConfig mirrors the reference quotient filter's MaxLoadingFactor.
func DefaultConfig(infixSize int) Config {
	return Config{InfixSize: infixSize, LoadFactor: 0.65, LoadFactorAlt: 0.95}
}

// QuotientBits returns the quotient address width (bits) at grade g.
func QuotientBits(grade int) int { return BaseQuotientBits + grade*QuotientBitsPerGrade }

// TargetSize returns the number of quotient buckets at grade g.
func TargetSize(grade int) int { return 1 << QuotientBits(grade) }

// ScaledSize returns the physical slot count at grade g, rounded up to
// a multiple of 64 as spec.md §3.5 requires for the runend bitmap.
func ScaledSize(grade int) int {
	n := int(float64(TargetSize(grade)) * SizeScalars[grade])
	return (n + 63) &^ 63
}

// Store is the Infix Store of spec.md §3.5.
type Store struct {
	cfg Config

	IsPartialKey bool // status.is_partial_key
	InvalidBits  int  // status.invalid_bits
	Grade        int  // status.size_grade
	ElemCount    int  // status.elem_count

	Occupied bitpack.Bitmap // TargetSize(Grade) bits, one per quotient
	Runend   bitpack.Bitmap // ScaledSize(Grade) bits
	Slots    bitpack.Slots  // ScaledSize(Grade) slots, width = InfixSize+1

	occPopcount int // cached occupied popcount, spec.md's 32-bit popcount field
}

// New allocates a zeroed store at the given grade. The *Store header
// itself is drawn from pool, the package-level recycler that Shrink
// returns old headers to.
func New(cfg Config, grade int, isPartialKey bool) *Store {
	invariant.Assert(grade >= MinGrade && grade <= MaxGrade, "grade %d out of range", grade)
	scaled := ScaledSize(grade)
	s := pool.get()
	s.cfg = cfg
	s.IsPartialKey = isPartialKey
	s.Grade = grade
	s.Occupied = bitpack.NewBitmap(TargetSize(grade))
	s.Runend = bitpack.NewBitmap(scaled)
	s.Slots = bitpack.NewSlots(scaled, uint(cfg.InfixSize+1))
	return s
}

// slot value encoding (an implementer's choice; spec.md §9 flags the
// exact grade-ladder/bit-layout constants as parameters, not
// fundamentals). A slot is (infix_size+1) bits:
//
//	0               -> empty
//	(r<<1)|1, r!=0  -> normal infix with remainder r
//	(0<<1)|1 == 1   -> normal infix with remainder 0
//	voidSlotValue   -> partial/void infix: matches any remainder
const voidSlotValue = uint64(2)

func packNormal(remainder uint64) uint64 { return (remainder << 1) | 1 }

func isEmptySlot(v uint64) bool  { return v == 0 }
func isVoidSlot(v uint64) bool   { return v != 0 && v&1 == 0 }
func isNormalSlot(v uint64) bool { return v&1 == 1 }
func remainderOf(v uint64) uint64 {
	return v >> 1
}

// sortKey orders slots ascending within a run; void slots sort as if
// their remainder were zero, which is harmless since a query that sees
// a void slot at all short-circuits to "match" regardless of position.
func sortKey(v uint64) uint64 {
	if isVoidSlot(v) {
		return 0
	}
	return remainderOf(v)
}

// Config returns the store's Diva-wide configuration.
func (s *Store) Config() Config { return s.cfg }

// Len reports the number of physical slots.
func (s *Store) Len() int { return s.Slots.Len() }

// Load returns the current load factor (elem_count / scaled_size).
func (s *Store) Load() float64 {
	return float64(s.ElemCount) / float64(s.Len())
}

// ShouldGrow reports whether inserting one more element would put the
// store over its soft grow threshold.
func (s *Store) ShouldGrow() bool {
	return float64(s.ElemCount+1) > s.cfg.LoadFactor*float64(s.Len())
}

// OverAltCeiling reports whether the store has exceeded the hard
// load-factor ceiling of spec.md §3.5's invariant list.
func (s *Store) OverAltCeiling() bool {
	return float64(s.ElemCount) > s.cfg.LoadFactorAlt*float64(s.Len())
}

// ShouldShrink reports whether the store's load is low enough, and its
// grade high enough, to demote one grade.
func (s *Store) ShouldShrink() bool {
	if s.Grade <= MinGrade {
		return false
	}
	shrunkSize := ScaledSize(s.Grade - 1)
	return float64(s.ElemCount) <= s.cfg.LoadFactor*float64(shrunkSize)*0.5
}

// locateRun finds the run belonging to quotient q. If exists is false,
// [start,end) is empty and start is the position a brand new run of
// length 1 should be created at.
func (s *Store) locateRun(q uint) (start, end int, exists bool) {
	rank := s.Occupied.Rank(q)
	if rank == 0 {
		return int(q), int(q) - 1, false
	}

	endPos, ok := s.Runend.Select(rank - 1)
	invariant.Assert(ok, "occupied/runend popcount mismatch at rank %d", rank)

	if !s.Occupied.Test(q) {
		start := int(endPos) + 1
		if start < int(q) {
			start = int(q)
		}
		return start, start - 1, false
	}

	prevEnd := -1
	if rank >= 2 {
		p, ok := s.Runend.Select(rank - 2)
		invariant.Assert(ok, "occupied/runend popcount mismatch at rank %d", rank-1)
		prevEnd = int(p)
	}
	start = prevEnd + 1
	if start < int(q) {
		start = int(q)
	}
	return start, int(endPos), true
}

func (s *Store) clusterEnd(from int) int {
	end := from
	n := s.Len()
	for end+1 < n && !isEmptySlot(s.Slots.GetSlot(end+1)) {
		end++
	}
	return end
}

// insertSlot is the shared implementation of Insert/InsertVoid: it
// places slotVal into quotient q's run, shifting the cluster right as
// needed. It returns false (no mutation performed) if the store is
// physically full.
func (s *Store) insertSlot(q uint, slotVal uint64) bool {
	start, end, exists := s.locateRun(uint(q))

	pos := start
	for pos <= end && sortKey(s.Slots.GetSlot(pos)) <= sortKey(slotVal) {
		pos++
	}

	cEnd := end
	if pos > cEnd {
		cEnd = pos - 1
	}
	cEnd = s.clusterEnd(cEnd)

	n := s.Len()
	if cEnd+1 >= n {
		return false // physically full, caller must grow/split first
	}

	if cEnd >= pos {
		s.Slots.ShiftSlotsRight(pos, cEnd, 1)
		s.Runend.ShiftBitsRight(uint(pos), uint(cEnd), 1)
	}
	s.Runend.Clear(uint(pos))
	s.Slots.SetSlot(pos, slotVal)

	switch {
	case !exists:
		s.Occupied.Set(q)
		s.occPopcount++
		s.Runend.Set(uint(pos))
	case pos == end+1:
		s.Runend.Clear(uint(end))
		s.Runend.Set(uint(pos))
	default:
		// mid-run insert: the shift already relocated the run's
		// trailing runend bit; nothing further to do.
	}

	s.ElemCount++
	return true
}

// Insert stores a normal infix with the given quotient/remainder.
// Returns false if the store has no room; the caller (internal/triemap
// or diva.go) is responsible for growing or splitting the store first.
func (s *Store) Insert(quotient, remainder uint64) bool {
	invariant.Assert(quotient < uint64(TargetSize(s.Grade)), "quotient %d out of range for grade %d", quotient, s.Grade)
	return s.insertSlot(uint(quotient), packNormal(remainder))
}

// InsertVoid stores a void/partial infix at the given quotient: a
// sentinel that matches any remainder query, used by split/merge/resize
// when precision about the exact remainder is lost (spec.md §4.2.6/§9).
func (s *Store) InsertVoid(quotient uint64) bool {
	invariant.Assert(quotient < uint64(TargetSize(s.Grade)), "quotient %d out of range for grade %d", quotient, s.Grade)
	return s.insertSlot(uint(quotient), voidSlotValue)
}

// Delete removes one infix with the given quotient/remainder, if
// present. Returns true if something was removed.
func (s *Store) Delete(quotient, remainder uint64) bool {
	q := uint(quotient)
	start, end, exists := s.locateRun(q)
	if !exists {
		return false
	}

	target := packNormal(remainder)
	delPos := -1
	for i := start; i <= end; i++ {
		if s.Slots.GetSlot(i) == target {
			delPos = i
			break
		}
	}
	if delPos == -1 {
		return false
	}

	// The rest of this run moves left by one slot, and so does each
	// following run of the cluster up to the first one that already
	// starts at its own quotient's slot (a run never moves below it).
	cEnd := end
	for nq, ok := s.Occupied.NextSet(q + 1); ok; nq, ok = s.Occupied.NextSet(nq + 1) {
		rs, re, _ := s.locateRun(nq)
		if rs != cEnd+1 || rs <= int(nq) {
			break
		}
		cEnd = re
	}
	wasTail := delPos == end
	runLen1 := start == end

	if cEnd > delPos {
		s.Slots.ShiftSlotsLeft(delPos+1, cEnd, 1)
		s.Runend.ShiftBitsLeft(uint(delPos+1), uint(cEnd), 1)
	}
	s.Slots.SetSlot(cEnd, 0)
	s.Runend.Clear(uint(cEnd))

	if wasTail {
		if runLen1 {
			s.Occupied.Clear(q)
			s.occPopcount--
		} else {
			s.Runend.Set(uint(end - 1))
		}
	}

	s.ElemCount--
	return true
}

// PointQuery reports whether some stored infix (normal or void) matches
// quotient q with remainder r.
func (s *Store) PointQuery(q, r uint64) bool {
	start, end, exists := s.locateRun(uint(q))
	if !exists {
		return false
	}
	for i := start; i <= end; i++ {
		v := s.Slots.GetSlot(i)
		if isVoidSlot(v) {
			return true
		}
		if remainderOf(v) == r {
			return true
		}
	}
	return false
}

// RangeQuery reports whether some stored infix falls in the closed
// quotient/remainder interval [(qLo,rLo), (qHi,rHi)], qLo<=qHi.
func (s *Store) RangeQuery(qLo, rLo, qHi, rHi uint64) bool {
	invariant.Assert(qLo <= qHi, "RangeQuery requires qLo<=qHi, got %d>%d", qLo, qHi)

	if qLo == qHi {
		start, end, exists := s.locateRun(uint(qLo))
		if !exists {
			return false
		}
		for i := start; i <= end; i++ {
			v := s.Slots.GetSlot(i)
			if isVoidSlot(v) {
				return true
			}
			r := remainderOf(v)
			if r >= rLo && r <= rHi {
				return true
			}
		}
		return false
	}

	// any occupied quotient strictly between qLo and qHi is a match
	if qHi > qLo+1 {
		if next, ok := s.Occupied.NextSet(uint(qLo + 1)); ok && next < uint(qHi) {
			return true
		}
	}

	if start, end, exists := s.locateRun(uint(qLo)); exists {
		for i := start; i <= end; i++ {
			v := s.Slots.GetSlot(i)
			if isVoidSlot(v) || remainderOf(v) >= rLo {
				return true
			}
		}
	}

	if start, end, exists := s.locateRun(uint(qHi)); exists {
		for i := start; i <= end; i++ {
			v := s.Slots.GetSlot(i)
			if isVoidSlot(v) || remainderOf(v) <= rHi {
				return true
			}
		}
	}

	return false
}

// Infix is a decoded (quotient, remainder) pair yielded while walking a
// store in ascending order, e.g. for resize/split/merge/serialization.
type Infix struct {
	Quotient  uint64
	Remainder uint64
	Void      bool
}

// All walks every stored infix in ascending quotient, then ascending
// remainder, order.
func (s *Store) All(yield func(Infix) bool) {
	for q, ok := s.Occupied.NextSet(0); ok; q, ok = s.Occupied.NextSet(q + 1) {
		start, end, exists := s.locateRun(q)
		invariant.Assert(exists, "occupied quotient %d has no run", q)
		for i := start; i <= end; i++ {
			v := s.Slots.GetSlot(i)
			inf := Infix{Quotient: uint64(q)}
			if isVoidSlot(v) {
				inf.Void = true
			} else {
				inf.Remainder = remainderOf(v)
			}
			if !yield(inf) {
				return
			}
		}
	}
}

// Grow returns a new store one grade up with every infix reinserted.
// Growing widens the quotient address space by QuotientBitsPerGrade
// bits; since infix_size (the remainder slot width) is a fixed,
// grade-independent Diva parameter, those extra quotient bits are
// "paid for" by moving the remainder's own top bits into the quotient
// rather than conjuring unobserved key bits -- the quotient/remainder
// split is just a repartition of the same pinned bits, so the total
// amount of information Diva holds about each key is unchanged. This
// also makes Shrink the exact inverse of Grow.
func (s *Store) Grow() *Store {
	invariant.Assert(s.Grade < MaxGrade, "cannot grow past max grade %d", MaxGrade)
	shift := uint(QuotientBitsPerGrade)
	ns := s.rebuildAtGrade(s.Grade+1, func(inf Infix) (newQ, newR uint64, void bool) {
		if inf.Void || s.cfg.InfixSize < int(shift) {
			return inf.Quotient << shift, 0, true
		}
		stolen := inf.Remainder >> uint(s.cfg.InfixSize-int(shift))
		newR = (inf.Remainder << shift) & remainderMask(s.cfg.InfixSize)
		newQ = (inf.Quotient << shift) | stolen
		return newQ, newR, false
	})
	return ns
}

// Shrink returns a new store one grade down with every infix
// reinserted, giving back to the remainder the bits Grow had taken
// from it.
func (s *Store) Shrink() *Store {
	invariant.Assert(s.Grade > MinGrade, "cannot shrink below min grade %d", MinGrade)
	shift := uint(QuotientBitsPerGrade)
	ns := s.rebuildAtGrade(s.Grade-1, func(inf Infix) (newQ, newR uint64, void bool) {
		newQ = inf.Quotient >> shift
		if inf.Void {
			return newQ, 0, true
		}
		returned := inf.Quotient & (uint64(1)<<shift - 1)
		newR = (inf.Remainder >> shift) | (returned << uint(s.cfg.InfixSize-int(shift)))
		return newQ, newR, false
	})
	pool.put(s)
	return ns
}

func remainderMask(infixSize int) uint64 {
	if infixSize <= 0 {
		return 0
	}
	return uint64(1)<<uint(infixSize) - 1
}

// rebuildAtGrade allocates a fresh store at newGrade and reinserts every
// infix of s through remap.
func (s *Store) rebuildAtGrade(newGrade int, remap func(Infix) (newQ, newR uint64, void bool)) *Store {
	ns := New(s.cfg, newGrade, s.IsPartialKey)
	ns.InvalidBits = s.InvalidBits

	s.All(func(inf Infix) bool {
		nq, nr, void := remap(inf)
		var ok bool
		if void {
			ok = ns.InsertVoid(nq)
		} else {
			ok = ns.Insert(nq, nr)
		}
		invariant.Assert(ok, "rebuildAtGrade: insert overflowed freshly sized store")
		return true
	})
	return ns
}

// PinnedBits reconstructs the full quotient||remainder bit value of inf
// (bit width QuotientBits(s.Grade)+InfixSize), for use by callers (the
// Boundary Trie) that need to fold a stored infix back into a key
// prefix during split/merge (spec.md §4.2.6/§4.2.7). A void infix has
// no meaningful remainder; the returned low InfixSize bits are zero.
func (s *Store) PinnedBits(inf Infix) (value uint64, width int) {
	width = QuotientBits(s.Grade) + s.cfg.InfixSize
	if inf.Void {
		return inf.Quotient << uint(s.cfg.InfixSize), width
	}
	return (inf.Quotient << uint(s.cfg.InfixSize)) | inf.Remainder, width
}

// ShrinkInfixSize returns a new store holding the same infixes truncated
// to newSize remainder bits (newSize <= s.cfg.InfixSize), by dropping
// each remainder's low (old-new) bits -- the same bits a query would
// stop extracting from the key at the narrower width, which is what
// keeps every previously-true query true afterwards (spec.md §4.4.2,
// §8 invariant 6).
func (s *Store) ShrinkInfixSize(newSize int) *Store {
	invariant.Assert(newSize >= 0 && newSize <= s.cfg.InfixSize, "ShrinkInfixSize(%d) must be in [0,%d]", newSize, s.cfg.InfixSize)
	if newSize == s.cfg.InfixSize {
		return s
	}

	newCfg := s.cfg
	newCfg.InfixSize = newSize
	ns := New(newCfg, s.Grade, s.IsPartialKey)
	ns.InvalidBits = s.InvalidBits

	shift := uint(s.cfg.InfixSize - newSize)
	s.All(func(inf Infix) bool {
		var ok bool
		if inf.Void {
			ok = ns.InsertVoid(inf.Quotient)
		} else {
			ok = ns.Insert(inf.Quotient, inf.Remainder>>shift)
		}
		invariant.Assert(ok, "ShrinkInfixSize: insert overflowed freshly sized store")
		return true
	})
	return ns
}

func (s *Store) String() string {
	return fmt.Sprintf("Store{grade=%d elems=%d load=%.3f partialKey=%v invalidBits=%d}",
		s.Grade, s.ElemCount, s.Load(), s.IsPartialKey, s.InvalidBits)
}
