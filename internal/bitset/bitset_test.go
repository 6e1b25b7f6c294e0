package bitset

import (
	"errors"
	"testing"
)

func TestAddContains(t *testing.T) {
	b := New()
	if b.Contains(5) {
		t.Fatal("empty bitset should not contain 5")
	}
	b.Add(5)
	if !b.Contains(5) {
		t.Fatal("bitset should contain 5 after Add")
	}
	b.AddAll([]uint32{1, 2, 3})
	if b.Cardinality() != 4 {
		t.Fatalf("cardinality = %d, want 4", b.Cardinality())
	}
}

func TestPrevNextStrictInequality(t *testing.T) {
	b := New()
	b.AddAll([]uint32{10, 20, 30})

	if v, ok := b.PrevOf(20); !ok || v != 10 {
		t.Fatalf("PrevOf(20) = %d, %v, want 10, true", v, ok)
	}
	if v, ok := b.PrevOf(10); ok {
		t.Fatalf("PrevOf(10) should find nothing, got %d", v)
	}
	if v, ok := b.NextOf(20); !ok || v != 30 {
		t.Fatalf("NextOf(20) = %d, %v, want 30, true", v, ok)
	}
	if _, ok := b.NextOf(30); ok {
		t.Fatal("NextOf(30) should find nothing")
	}
	if _, ok := b.PrevOf(0); ok {
		t.Fatal("PrevOf(0) should always be false")
	}
}

func TestMaxMin(t *testing.T) {
	b := New()
	if _, ok := b.Max(); ok {
		t.Fatal("Max of empty should be false")
	}
	if _, ok := b.Min(); ok {
		t.Fatal("Min of empty should be false")
	}
	b.AddAll([]uint32{7, 3, 19})
	if v, ok := b.Max(); !ok || v != 19 {
		t.Fatalf("Max = %d, %v, want 19, true", v, ok)
	}
	if v, ok := b.Min(); !ok || v != 3 {
		t.Fatalf("Min = %d, %v, want 3, true", v, ok)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	b := New()
	b.AddAll([]uint32{1, 100, 100000})
	data, err := b.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	b2, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if b2.Cardinality() != 3 || !b2.Contains(100000) {
		t.Fatalf("round trip lost data: cardinality=%d", b2.Cardinality())
	}
}

func TestDeserializeCorrupt(t *testing.T) {
	_, err := Deserialize([]byte{0xff, 0x00, 0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for corrupt bytes")
	}
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestUnionClone(t *testing.T) {
	a := New()
	a.AddAll([]uint32{1, 2})
	b := New()
	b.AddAll([]uint32{2, 3})
	clone := a.Clone()
	a.Union(b)
	if a.Cardinality() != 3 {
		t.Fatalf("union cardinality = %d, want 3", a.Cardinality())
	}
	if clone.Cardinality() != 2 {
		t.Fatal("clone should be unaffected by mutation of original after Clone")
	}
}
