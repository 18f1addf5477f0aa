package bitpack

import "testing"

func TestBitmapSetTestClear(t *testing.T) {
	b := NewBitmap(200)

	for _, i := range []uint{0, 1, 63, 64, 65, 127, 199} {
		if b.Test(i) {
			t.Fatalf("bit %d set before Set", i)
		}
		b.Set(i)
		if !b.Test(i) {
			t.Fatalf("bit %d not set after Set", i)
		}
	}

	if got := b.Count(); got != 7 {
		t.Fatalf("Count() = %d, want 7", got)
	}

	b.Clear(64)
	if b.Test(64) {
		t.Fatalf("bit 64 still set after Clear")
	}
	if got := b.Count(); got != 6 {
		t.Fatalf("Count() = %d, want 6", got)
	}
}

func TestBitmapRank(t *testing.T) {
	b := NewBitmap(128)
	b.Set(0)
	b.Set(5)
	b.Set(64)
	b.Set(100)

	cases := []struct {
		idx  uint
		rank int
	}{
		{0, 1},
		{4, 1},
		{5, 2},
		{63, 2},
		{64, 3},
		{99, 3},
		{100, 4},
		{127, 4},
	}
	for _, c := range cases {
		if got := b.Rank(c.idx); got != c.rank {
			t.Errorf("Rank(%d) = %d, want %d", c.idx, got, c.rank)
		}
	}
}

func TestBitmapSelect(t *testing.T) {
	b := NewBitmap(128)
	set := []uint{2, 9, 64, 127}
	for _, i := range set {
		b.Set(i)
	}

	for k, want := range set {
		pos, ok := b.Select(k)
		if !ok || pos != want {
			t.Errorf("Select(%d) = (%d,%v), want (%d,true)", k, pos, ok, want)
		}
	}

	if _, ok := b.Select(len(set)); ok {
		t.Fatalf("Select(%d) should fail, only %d bits set", len(set), len(set))
	}
}

func TestBitmapNextSet(t *testing.T) {
	b := NewBitmap(128)
	b.Set(10)
	b.Set(70)

	if pos, ok := b.NextSet(0); !ok || pos != 10 {
		t.Fatalf("NextSet(0) = (%d,%v), want (10,true)", pos, ok)
	}
	if pos, ok := b.NextSet(11); !ok || pos != 70 {
		t.Fatalf("NextSet(11) = (%d,%v), want (70,true)", pos, ok)
	}
	if _, ok := b.NextSet(71); ok {
		t.Fatalf("NextSet(71) should find nothing")
	}
}

func TestBitmapShiftRightLeftRoundtrip(t *testing.T) {
	b := NewBitmap(128)
	for _, i := range []uint{3, 4, 5} {
		b.Set(i)
	}

	// moves [3,5] to [5,7]
	b.ShiftBitsRight(3, 5, 2)
	for _, i := range []uint{5, 6, 7} {
		if !b.Test(i) {
			t.Fatalf("bit %d expected set after ShiftBitsRight", i)
		}
	}

	// moves [5,7] back to [3,5], clearing (5,7] afterwards
	b.ShiftBitsLeft(5, 7, 2)
	for _, i := range []uint{3, 4, 5} {
		if !b.Test(i) {
			t.Fatalf("bit %d expected set after ShiftBitsLeft", i)
		}
	}
	for _, i := range []uint{6, 7} {
		if b.Test(i) {
			t.Fatalf("bit %d expected clear after ShiftBitsLeft", i)
		}
	}
}

func TestBitmapIsEmptyClone(t *testing.T) {
	b := NewBitmap(64)
	if !b.IsEmpty() {
		t.Fatalf("fresh bitmap should be empty")
	}
	b.Set(3)
	if b.IsEmpty() {
		t.Fatalf("bitmap with a set bit should not be empty")
	}

	c := b.Clone()
	c.Clear(3)
	if !b.Test(3) {
		t.Fatalf("Clone should be independent of original")
	}
}
