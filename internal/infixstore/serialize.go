package infixstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedBuffer is returned by ReadStore when the input cannot be a
// store previously written by WriteTo. The top-level package wraps this
// into its own sentinel error for callers of Diva's Deserialize.
var ErrMalformedBuffer = errors.New("infixstore: malformed buffer")

// status word layout (32 bits), matching spec.md §3.5:
//
//	bit 0       is_partial_key
//	bits 1-7    invalid_bits   (0..127)
//	bits 8-11   size_grade     (0..15)
//	bits 12-31  elem_count     (0..2^20-1)
const (
	statusInvalidBitsShift = 1
	statusInvalidBitsMask  = 0x7F
	statusGradeShift       = 8
	statusGradeMask        = 0xF
	statusElemCountShift   = 12
)

func (s *Store) statusWord() uint32 {
	var w uint32
	if s.IsPartialKey {
		w |= 1
	}
	w |= uint32(s.InvalidBits&statusInvalidBitsMask) << statusInvalidBitsShift
	w |= uint32(s.Grade&statusGradeMask) << statusGradeShift
	w |= uint32(s.ElemCount) << statusElemCountShift
	return w
}

func statusFields(w uint32) (isPartialKey bool, invalidBits, grade, elemCount int) {
	isPartialKey = w&1 != 0
	invalidBits = int((w >> statusInvalidBitsShift) & statusInvalidBitsMask)
	grade = int((w >> statusGradeShift) & statusGradeMask)
	elemCount = int(w >> statusElemCountShift)
	return
}

// WriteTo serializes the store as
// [ status:4 | word_count:4 | words[word_count]:8 each ], little-endian,
// per spec.md §6. The word buffer is the store's full backing memory --
// occupied bitmap words, then runend bitmap words, then slot words, in
// that order -- matching the ptr layout of spec.md §3.5.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	words := s.backingWords()

	var n int64
	if err := binary.Write(w, binary.LittleEndian, s.statusWord()); err != nil {
		return n, fmt.Errorf("infixstore: write status: %w", err)
	}
	n += 4

	if err := binary.Write(w, binary.LittleEndian, uint32(len(words))); err != nil {
		return n, fmt.Errorf("infixstore: write word count: %w", err)
	}
	n += 4

	if err := binary.Write(w, binary.LittleEndian, words); err != nil {
		return n, fmt.Errorf("infixstore: write words: %w", err)
	}
	n += int64(len(words)) * 8

	return n, nil
}

// backingWords concatenates the store's three word slices in the order
// they're logically laid out, for both serialization and size
// accounting.
func (s *Store) backingWords() []uint64 {
	words := make([]uint64, 0, len(s.Occupied)+len(s.Runend)+len(s.Slots.Words()))
	words = append(words, s.Occupied...)
	words = append(words, s.Runend...)
	words = append(words, s.Slots.Words()...)
	return words
}

// ReadStore deserializes a store previously written by WriteTo.
func ReadStore(r io.Reader, cfg Config) (*Store, int64, error) {
	var n int64

	var status uint32
	if err := binary.Read(r, binary.LittleEndian, &status); err != nil {
		return nil, n, fmt.Errorf("infixstore: read status: %w", ErrMalformed(err))
	}
	n += 4

	var wordCount uint32
	if err := binary.Read(r, binary.LittleEndian, &wordCount); err != nil {
		return nil, n, fmt.Errorf("infixstore: read word count: %w", ErrMalformed(err))
	}
	n += 4

	words := make([]uint64, wordCount)
	if wordCount > 0 {
		if err := binary.Read(r, binary.LittleEndian, words); err != nil {
			return nil, n, fmt.Errorf("infixstore: read words: %w", ErrMalformed(err))
		}
	}
	n += int64(wordCount) * 8

	isPartialKey, invalidBits, grade, elemCount := statusFields(status)
	if grade < MinGrade || grade > MaxGrade {
		return nil, n, fmt.Errorf("infixstore: %w: grade %d out of range", ErrMalformedBuffer, grade)
	}

	s := New(cfg, grade, isPartialKey)
	s.InvalidBits = invalidBits
	s.ElemCount = elemCount

	occLen := len(s.Occupied)
	runLen := len(s.Runend)
	slotLen := len(s.Slots.Words())
	wantLen := occLen + runLen + slotLen
	if len(words) != wantLen {
		return nil, n, fmt.Errorf("infixstore: %w: word count %d != expected %d for grade %d", ErrMalformedBuffer, len(words), wantLen, grade)
	}

	copy(s.Occupied, words[:occLen])
	copy(s.Runend, words[occLen:occLen+runLen])
	copy(s.Slots.Words(), words[occLen+runLen:])

	s.occPopcount = s.Occupied.Count()

	return s, n, nil
}

// ErrMalformed wraps every err as ErrMalformedBuffer, to give
// deserialize callers one sentinel to check against while still
// preserving the underlying cause's message.
func ErrMalformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedBuffer, err)
}
