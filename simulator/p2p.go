package simulator

import "sync"

// A P2PTopology records which pairs of Nodes are peer-to-peer mapped,
// meaning a Goroutine running on one Node may issue a direct store
// into memory owned by the other instead of routing through a
// Network. This mirrors NVSHMEM's notion of querying whether a peer
// is P2P-reachable before choosing between a local store and a
// remote (IBGDA) put.
type P2PTopology struct {
	mu     sync.RWMutex
	mapped map[*Node]map[*Node]bool
}

// NewP2PTopology creates an empty P2PTopology: no pair is mapped
// until SetMapped is called.
func NewP2PTopology() *P2PTopology {
	return &P2PTopology{mapped: make(map[*Node]map[*Node]bool)}
}

// SetMapped marks whether a and b are P2P-reachable from each other.
// The relation is symmetric.
func (p *P2PTopology) SetMapped(a, b *Node, mapped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setOneDirection(a, b, mapped)
	p.setOneDirection(b, a, mapped)
}

func (p *P2PTopology) setOneDirection(src, dst *Node, mapped bool) {
	m, ok := p.mapped[src]
	if !ok {
		m = make(map[*Node]bool)
		p.mapped[src] = m
	}
	m[dst] = mapped
}

// Mapped reports whether a and b are P2P-reachable. A Node is always
// considered P2P-reachable from itself.
func (p *P2PTopology) Mapped(a, b *Node) bool {
	if a == b {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mapped[a][b]
}
