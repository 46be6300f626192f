// Package fabric models the one-sided RDMA fabric (NVSHMEM over
// IBGDA) that dispatch and combine issue puts against when two ranks
// are not P2P-mapped, and the collective surface Pure-EP reduction
// runs over: one Fabric per rank, with ports to every rank including
// itself, generalized from numeric vectors to raw wire bytes.
package fabric

import "github.com/gpu-ep/lowlatency/simulator"

// A Fabric is one rank's view of the network: its own port, every
// rank's port (including its own, at a stable index), the
// simulator.Network connecting them, and the P2P topology describing
// which peers can be reached with a direct store instead of a put.
type Fabric struct {
	// Handle is this rank's Goroutine's handle on the event loop.
	Handle *simulator.Handle

	// Port is this rank's own port.
	Port *simulator.Port

	// Ports contains every rank's port, including this rank's own,
	// in a stable rank-indexed order.
	Ports []*simulator.Port

	// Network is the fabric connecting the ports.
	Network simulator.Network

	// P2P records which rank pairs are peer-to-peer mapped. May be
	// nil, in which case every put goes over Network.
	P2P *simulator.P2PTopology
}

// SpawnFabrics creates one Fabric per node and runs f for each in its
// own Goroutine, the same wiring collcomm.SpawnComms used.
func SpawnFabrics(loop *simulator.EventLoop, network simulator.Network, p2p *simulator.P2PTopology,
	nodes []*simulator.Node, f func(fab *Fabric)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		port := ports[i]
		loop.Go(func(h *simulator.Handle) {
			f(&Fabric{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
				P2P:     p2p,
			})
		})
	}
}

// Size returns the number of ranks.
func (f *Fabric) Size() int {
	return len(f.Ports)
}

// Index returns this rank's index among f.Ports.
func (f *Fabric) Index() int {
	return f.IndexOf(f.Port)
}

// IndexOf returns any rank's index among f.Ports.
func (f *Fabric) IndexOf(p *simulator.Port) int {
	for i, port := range f.Ports {
		if port == p {
			return i
		}
	}
	panic("port does not belong to this fabric")
}

// Put issues a remote write of payload to the destination rank's
// port over Network, standing in for an IBGDA put. It is a
// non-blocking, fire-and-forget send: the receiver observes it by
// polling its own port.
func (f *Fabric) Put(dstRank int, payload []byte) {
	f.Network.Send(f.Handle, &simulator.Message{
		Source:  f.Port,
		Dest:    f.Ports[dstRank],
		Message: payload,
		Size:    float64(len(payload)),
	})
}

// Recv blocks until the next message arrives on this rank's port and
// returns its payload and the sending rank's index.
func (f *Fabric) Recv() ([]byte, int) {
	msg := f.Port.Recv(f.Handle)
	return msg.Message.([]byte), f.IndexOf(msg.Source)
}

// P2PMapped reports whether this rank and dstRank are peer-to-peer
// mapped. With a nil P2P topology, no pair is ever P2P-mapped and
// every transfer falls back to Network.
func (f *Fabric) P2PMapped(dstRank int) bool {
	if f.P2P == nil {
		return false
	}
	return f.P2P.Mapped(f.Port.Node, f.Ports[dstRank].Node)
}
