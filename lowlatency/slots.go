package lowlatency

import "github.com/gpu-ep/lowlatency/symheap"

// SlotAllocator is one sending rank's per-global-expert slot counter:
// an atomicAdd(counter[e*R+rank], 1) over a conceptually cluster-wide
// array, specialized to a single process's own rank column of it,
// since no other rank ever touches this rank's column.
type SlotAllocator struct {
	topo   *Topology
	counts *symheap.Int32Region // one counter per global expert
}

// NewSlotAllocator creates a SlotAllocator covering topo.E global
// experts.
func NewSlotAllocator(topo *Topology) *SlotAllocator {
	return &SlotAllocator{topo: topo, counts: symheap.NewInt32Region(topo.E)}
}

// Reserve claims the next free send slot for global expert e and
// returns it. Overflow past SMax is a fatal capacity fault handled at
// the kernel boundary, not returned: send-side slot overflow is
// fatal, identical in shape to the receive-side case.
func (s *SlotAllocator) Reserve(rank, e int) int {
	prior := s.counts.AtomicAdd(e, 1)
	if int(prior) >= s.topo.SMax {
		abortKernel(&CapacityError{
			Rank:      rank,
			Expert:    e,
			Offending: int(prior) + 1,
			Limit:     s.topo.SMax,
			Reason:    "send-side slot count exceeds S_max for this expert",
		})
	}
	return int(prior)
}

// Count returns the number of slots claimed so far for expert e, the
// value the count-handshake message encodes.
func (s *SlotAllocator) Count(e int) int32 {
	return s.counts.AtomicLoadAcquire(e)
}

// Reset zeroes every counter for the next round.
func (s *SlotAllocator) Reset() {
	s.counts.Zero()
}
