package simulator

import "testing"

func TestP2PTopologyDefaultsUnmapped(t *testing.T) {
	p := NewP2PTopology()
	a, b := NewNode(), NewNode()
	if p.Mapped(a, b) {
		t.Error("expected pair to start unmapped")
	}
	if !p.Mapped(a, a) {
		t.Error("a node should always be P2P-reachable from itself")
	}
}

func TestP2PTopologySetMappedIsSymmetric(t *testing.T) {
	p := NewP2PTopology()
	a, b, c := NewNode(), NewNode(), NewNode()

	p.SetMapped(a, b, true)
	if !p.Mapped(a, b) || !p.Mapped(b, a) {
		t.Error("SetMapped should apply symmetrically")
	}
	if p.Mapped(a, c) || p.Mapped(b, c) {
		t.Error("unrelated pairs should remain unmapped")
	}

	p.SetMapped(a, b, false)
	if p.Mapped(a, b) || p.Mapped(b, a) {
		t.Error("SetMapped(false) should clear the relation symmetrically")
	}
}
