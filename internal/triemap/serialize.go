package triemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/n3slami/divago/internal/boundary"
	"github.com/n3slami/divago/internal/infixstore"
)

// ErrKeyTooShort is returned by ReadFrom when a boundary key read from
// the buffer supplies fewer bits than its leaf's store says are pinned
// (spec.md §3.3/§7): a store's invalid_bits count says how many of its
// right boundary's low-order bits are not yet meaningful, but every bit
// above that must still be present. A boundary shorter than that is a
// truncated or tampered buffer, not a legitimate partial boundary.
var ErrKeyTooShort = errors.New("triemap: key shorter than pinned boundary region")

// WriteTo serializes the trie as n_boundaries followed by, for each
// store in ascending order, its left boundary and its own wire bytes
// (spec.md §6): [ n_boundaries:8 | for each: boundary_len:4 |
// boundary_bytes | store bytes (infixstore.Store.WriteTo) ].
//
// Only the n leaves' left boundaries are written; the trie's max
// sentinel is implicit (regenerated from Trie.width on read) since it
// never carries a store and is always the same fixed value.
func (t *Trie) WriteTo(w io.Writer) (int64, error) {
	idx := t.root.Load()

	var n int64
	if err := binary.Write(w, binary.LittleEndian, uint64(len(idx.leaves))); err != nil {
		return n, fmt.Errorf("triemap: write n_boundaries: %w", err)
	}
	n += 8

	for _, leaf := range idx.leaves {
		leaf.mu.RLock()
		boundLen := uint32(len(leaf.Left))
		if err := binary.Write(w, binary.LittleEndian, boundLen); err != nil {
			leaf.mu.RUnlock()
			return n, fmt.Errorf("triemap: write boundary_len: %w", err)
		}
		n += 4
		if _, err := w.Write(leaf.Left); err != nil {
			leaf.mu.RUnlock()
			return n, fmt.Errorf("triemap: write boundary_bytes: %w", err)
		}
		n += int64(boundLen)

		wn, err := leaf.Store.WriteTo(w)
		n += wn
		if err != nil {
			leaf.mu.RUnlock()
			return n, fmt.Errorf("triemap: write store: %w", err)
		}
		leaf.mu.RUnlock()
	}

	return n, nil
}

// ReadFrom rebuilds a trie previously written by WriteTo.
func ReadFrom(r io.Reader, cfg infixstore.Config, keyWidthBytes int) (*Trie, int64, error) {
	var n int64

	var nBoundaries uint64
	if err := binary.Read(r, binary.LittleEndian, &nBoundaries); err != nil {
		return nil, n, fmt.Errorf("triemap: read n_boundaries: %w", err)
	}
	n += 8

	lefts := make([][]byte, nBoundaries)
	stores := make([]*infixstore.Store, nBoundaries)
	for i := range lefts {
		var boundLen uint32
		if err := binary.Read(r, binary.LittleEndian, &boundLen); err != nil {
			return nil, n, fmt.Errorf("triemap: read boundary_len: %w", err)
		}
		n += 4
		buf := make([]byte, boundLen)
		if boundLen > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, n, fmt.Errorf("triemap: read boundary_bytes: %w", err)
			}
		}
		n += int64(boundLen)
		lefts[i] = buf

		s, sn, err := infixstore.ReadStore(r, cfg)
		n += sn
		if err != nil {
			return nil, n, fmt.Errorf("triemap: read store %d: %w", i, err)
		}
		stores[i] = s
	}

	hi := make([]byte, keyWidthBytes)
	for i := range hi {
		hi[i] = 0xFF
	}

	bounds := make([][]byte, 0, len(lefts)+1)
	leaves := make([]*Leaf, 0, len(lefts))
	bounds = append(bounds, lefts...)
	bounds = append(bounds, hi)
	for i, left := range lefts {
		right := hi
		if i+1 < len(lefts) {
			right = lefts[i+1]
		}

		shared := boundary.SharedPrefixBits(left, right)
		implicitSize := infixstore.QuotientBits(stores[i].Grade)
		pinned := boundary.PinnedWidthBits(shared, implicitSize, stores[i].Config().InfixSize)
		required := pinned - stores[i].InvalidBits
		if required < 0 {
			required = 0
		}
		if len(right)*8 < required {
			return nil, n, fmt.Errorf("triemap: boundary %d: %w (%d bits available, %d required)",
				i, ErrKeyTooShort, len(right)*8, required)
		}

		leaves = append(leaves, newLeaf(left, right, stores[i]))
	}

	t := &Trie{cfg: cfg, width: keyWidthBytes}
	t.root.Store(&index{bounds: bounds, leaves: leaves})
	return t, n, nil
}
