package lowlatency

import "github.com/google/uuid"

// Token is one hidden vector plus its routing decision: up to K
// expert indices (-1 meaning padding) and, for combine, the weight
// associated with each entry.
type Token struct {
	BF16    []uint16
	TopK    []int32
	Weights []float32
}

// Session is the host-side state shared by every rank's Dispatcher and
// Combiner for one iteration: the receive-side buffers each rank owns
// as an expert holder, and the combine accumulation state each rank
// owns as a token originator. Building it once and handing every rank
// a pointer into its own slice entries is this simulation's stand-in
// for every rank mapping the same symmetric-heap offsets in real
// NVSHMEM.
type Session struct {
	Topo *Topology

	// ID correlates one round's log lines across every rank's
	// Goroutine; generated fresh by NewSession, never parsed.
	ID string

	dispatchBufs []*DispatchBuffers  // indexed by owning rank
	combineBufs  []*CombineBuffers   // indexed by originating rank
	syncInfo     []*ExpertSyncInfo   // indexed by owning rank
	slotAllocs   []*SlotAllocator    // indexed by sending rank
	pairStates   []*PairStateTracker // indexed by owning rank

	batches [][]Token // this iteration's token batch per rank
}

// NewSession allocates a full dispatch/combine round's shared state.
// batches[r] is rank r's own token batch; in Pure-EP mode every rank's
// batch is identical, in mixed-EP mode each rank holds a disjoint
// subset.
func NewSession(topo *Topology, batches [][]Token) *Session {
	s := &Session{Topo: topo, ID: uuid.NewString(), batches: batches}
	for r := 0; r < topo.R; r++ {
		s.dispatchBufs = append(s.dispatchBufs, NewDispatchBuffers(topo))
		s.syncInfo = append(s.syncInfo, NewExpertSyncInfo(topo))
		s.slotAllocs = append(s.slotAllocs, NewSlotAllocator(topo))
		s.combineBufs = append(s.combineBufs, NewCombineBuffers(topo, len(batches[r])))
		s.pairStates = append(s.pairStates, NewPairStateTracker(topo))
	}
	return s
}

// Batch returns rank r's token batch for this iteration.
func (s *Session) Batch(r int) []Token {
	return s.batches[r]
}

// Reset clears every rank's per-round dispatch and combine state,
// without touching the count-handshake inboxes (see
// DispatchBuffers.ResetCounts).
func (s *Session) Reset() {
	for r := 0; r < s.Topo.R; r++ {
		s.dispatchBufs[r].Reset()
		s.syncInfo[r].Reset()
		s.slotAllocs[r].Reset()
		s.combineBufs[r].Reset()
		s.pairStates[r].Reset()
	}
}

// ResetCounts clears every rank's count-handshake inbox, once a full
// dispatch round (both SEND and RECV phases) has completed.
func (s *Session) ResetCounts() {
	for r := 0; r < s.Topo.R; r++ {
		s.dispatchBufs[r].ResetCounts()
	}
}
