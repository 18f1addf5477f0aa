// Package divago implements Diva, an approximate range filter over a
// sorted key set: an Infix Store (a quotient-filter-style container,
// internal/infixstore) embedded under a Boundary Trie (an ordered map
// from interval boundaries to stores, internal/triemap). See SPEC_FULL.md
// for the full component design.
package divago

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/n3slami/divago/internal/triemap"
)

const (
	wireMagic   uint32 = 0x44495641 // "DIVA"
	wireVersion uint16 = 1

	flagIntegerOptimized uint16 = 1 << 0
)

// Diva is the top-level filter.
type Diva struct {
	cfg  Config
	trie *triemap.Trie
}

// New allocates an empty Diva with a single store spanning the whole
// key space.
func New(cfg Config) *Diva {
	return &Diva{cfg: cfg, trie: triemap.New(cfg.storeConfig(), cfg.keyWidth())}
}

// BulkLoad constructs a Diva from a sorted sequence of distinct keys by
// greedy packing (spec.md §4.3.4), rather than one insert at a time.
func BulkLoad(cfg Config, keys iter.Seq[[]byte]) *Diva {
	var all [][]byte
	keys(func(k []byte) bool {
		all = append(all, canonicalize(k, cfg))
		return true
	})
	return &Diva{cfg: cfg, trie: triemap.BulkLoad(cfg.storeConfig(), all, cfg.keyWidth())}
}

func canonicalize(key []byte, cfg Config) []byte {
	if !cfg.IntegerOptimized {
		return key
	}
	out := make([]byte, integerKeyWidth)
	copy(out[integerKeyWidth-len(key):], key)
	return out
}

// Insert adds key to the filter.
func (d *Diva) Insert(key []byte) {
	d.trie.Insert(canonicalize(key, d.cfg))
}

// Delete removes one occurrence of key from the filter.
func (d *Diva) Delete(key []byte) {
	d.trie.Delete(canonicalize(key, d.cfg))
}

// PointQuery reports whether key may be present; false is a guarantee of
// absence, true may be a false positive.
func (d *Diva) PointQuery(key []byte) bool {
	return d.trie.PointQuery(canonicalize(key, d.cfg))
}

// RangeQuery reports whether some key in the closed range [l, r] may be
// present.
func (d *Diva) RangeQuery(l, r []byte) bool {
	return d.trie.RangeQuery(canonicalize(l, d.cfg), canonicalize(r, d.cfg))
}

// ShrinkInfixSize rewrites every store to hold newSize remainder bits
// (newSize must not exceed the current infix size). This trades
// precision (higher false-positive rate) for space; no previously-true
// query becomes false (spec.md §8 invariant 6).
func (d *Diva) ShrinkInfixSize(newSize int) {
	d.trie.ShrinkInfixSize(newSize)
	d.cfg.InfixSize = newSize
}

// SizeInBytes reports the byte length Serialize would produce: the
// header plus, per store, its boundary key and its own backing buffer.
func (d *Diva) SizeInBytes() int {
	var buf countingWriter
	if err := d.Serialize(&buf); err != nil {
		panic(err) // Serialize only fails on a failing io.Writer; countingWriter never fails
	}
	return int(buf.n)
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func sizeScalarsWire() []float64 {
	return []float64{1, 1, 1, 1, 1}
}

// Serialize writes the filter per spec.md §6's wire format.
func (d *Diva) Serialize(w io.Writer) error {
	flags := uint16(0)
	if d.cfg.IntegerOptimized {
		flags |= flagIntegerOptimized
	}

	fields := []any{
		wireMagic,
		wireVersion,
		flags,
		uint32(d.cfg.InfixSize),
		d.cfg.Seed,
		d.cfg.LoadFactor,
		d.cfg.LoadFactorAlt,
		uint32(len(sizeScalarsWire())),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("diva: write header: %w", err)
		}
	}
	for _, s := range sizeScalarsWire() {
		if err := binary.Write(w, binary.LittleEndian, s); err != nil {
			return fmt.Errorf("diva: write size scalar: %w", err)
		}
	}

	if _, err := d.trie.WriteTo(w); err != nil {
		return fmt.Errorf("diva: write trie: %w", err)
	}
	return nil
}

// Deserialize reads a filter previously written by Serialize.
func Deserialize(r io.Reader) (*Diva, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("%w: read magic: %v", ErrMalformedBuffer, err)
	}
	if magic != wireMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformedBuffer, magic)
	}

	var version uint16
	var flags uint16
	var infixSize uint32
	var seed uint64
	var loadFactor, loadFactorAlt float64
	var scalarCount uint32

	for _, f := range []any{&version, &flags, &infixSize, &seed, &loadFactor, &loadFactorAlt, &scalarCount} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("%w: read header: %v", ErrMalformedBuffer, err)
		}
	}
	if version != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedBuffer, version)
	}
	scalars := make([]float64, scalarCount)
	for i := range scalars {
		if err := binary.Read(r, binary.LittleEndian, &scalars[i]); err != nil {
			return nil, fmt.Errorf("%w: read size scalar: %v", ErrMalformedBuffer, err)
		}
	}

	cfg := Config{
		InfixSize:        int(infixSize),
		LoadFactor:       loadFactor,
		LoadFactorAlt:    loadFactorAlt,
		Seed:             seed,
		IntegerOptimized: flags&flagIntegerOptimized != 0,
	}

	trie, _, err := triemap.ReadFrom(r, cfg.storeConfig(), cfg.keyWidth())
	if errors.Is(err, triemap.ErrKeyTooShort) {
		return nil, fmt.Errorf("%w: %v", ErrKeyTooShort, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBuffer, err)
	}

	return &Diva{cfg: cfg, trie: trie}, nil
}
