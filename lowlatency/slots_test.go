package lowlatency

import "testing"

func mustTopology(t *testing.T, r, e, l, h, k, sMax int) *Topology {
	t.Helper()
	topo, err := NewTopology(r, e, l, h, k, sMax)
	if err != nil {
		t.Fatalf("NewTopology: %v", err)
	}
	return topo
}

func TestSlotAllocatorReserveIncrementsAndReturnsPriorValue(t *testing.T) {
	topo := mustTopology(t, 2, 4, 2, 128, 1, 4)
	alloc := NewSlotAllocator(topo)

	for i := 0; i < 3; i++ {
		got := alloc.Reserve(0, 2)
		if got != i {
			t.Errorf("reservation %d: expected slot %d, got %d", i, i, got)
		}
	}
	if alloc.Count(2) != 3 {
		t.Errorf("expected count 3, got %d", alloc.Count(2))
	}
	if alloc.Count(0) != 0 {
		t.Errorf("expected untouched expert's count to be 0, got %d", alloc.Count(0))
	}
}

func TestSlotAllocatorOverflowAborts(t *testing.T) {
	topo := mustTopology(t, 2, 4, 2, 128, 1, 1)
	alloc := NewSlotAllocator(topo)
	alloc.Reserve(0, 0)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic on slot overflow")
		}
		if _, ok := r.(*CapacityError); !ok {
			t.Errorf("expected *CapacityError panic, got %T", r)
		}
	}()
	alloc.Reserve(0, 0)
}

func TestSlotAllocatorReset(t *testing.T) {
	topo := mustTopology(t, 2, 4, 2, 128, 1, 4)
	alloc := NewSlotAllocator(topo)
	alloc.Reserve(0, 1)
	alloc.Reset()
	if alloc.Count(1) != 0 {
		t.Errorf("expected count reset to 0, got %d", alloc.Count(1))
	}
}
