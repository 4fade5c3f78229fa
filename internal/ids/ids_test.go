package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if a > b {
		t.Fatalf("expected monotonic ids: %s > %s", a, b)
	}
}

func TestDeriveIsStable(t *testing.T) {
	first := Derive("escrow-1", "milestone-1")
	second := Derive("escrow-1", "milestone-1")
	if first != second {
		t.Fatalf("derived ids differ: %s != %s", first, second)
	}
	if other := Derive("escrow-1", "milestone-2"); other == first {
		t.Fatalf("different keys produced the same id %s", other)
	}
}
