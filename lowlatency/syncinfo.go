package lowlatency

import "github.com/gpu-ep/lowlatency/symheap"

// ExpertSyncInfo is the secondary receive barrier Combiner.send waits
// on before replying for a local expert: the count-handshake message tells a
// receiver how many tokens a sender is about to deliver, and
// ExpertSyncInfo tracks how many of those have actually landed, per
// (local expert, src rank): a second, explicit barrier beyond the
// payload arriving in memory, since an RDMA write completing locally
// says nothing about ordering against the count message from the
// same sender.
type ExpertSyncInfo struct {
	topo *Topology

	// expected[localExpert*R+srcRank] is the token count announced by
	// the count-handshake message, or -1 until one has arrived.
	expected *symheap.Int32Region

	// received[localExpert*R+srcRank] counts tokens actually observed
	// for that pair so far.
	received *symheap.Int32Region
}

// NewExpertSyncInfo allocates sync-tracking state for L local experts
// and R source ranks.
func NewExpertSyncInfo(topo *Topology) *ExpertSyncInfo {
	s := &ExpertSyncInfo{
		topo:     topo,
		expected: symheap.NewInt32Region(topo.L * topo.R),
		received: symheap.NewInt32Region(topo.L * topo.R),
	}
	s.Reset()
	return s
}

func (s *ExpertSyncInfo) index(localExpert, srcRank int) int {
	return localExpert*s.topo.R + srcRank
}

// SetExpected records the decoded count-handshake value for
// (localExpert, srcRank), posted as one store of the sender's final
// per-round total (already tracked by the sender's own SlotAllocator)
// rather than accumulated one token at a time, since both arrive at
// the same total and this avoids a redundant counter subject to the
// same races the slot allocator already resolves. Called once per
// pair per round.
func (s *ExpertSyncInfo) SetExpected(localExpert, srcRank int, count int32) {
	s.expected.Store(s.index(localExpert, srcRank), count)
}

// Expected returns the announced count for (localExpert, srcRank), or
// -1 if no count-handshake message has arrived yet.
func (s *ExpertSyncInfo) Expected(localExpert, srcRank int) int32 {
	return s.expected.AtomicLoadAcquire(s.index(localExpert, srcRank))
}

// MarkReceived records that one more token landed for (localExpert,
// srcRank) and returns the updated count.
func (s *ExpertSyncInfo) MarkReceived(localExpert, srcRank int) int32 {
	return s.received.AtomicAdd(s.index(localExpert, srcRank), 1) + 1
}

// MarkReceivedN records that n tokens landed at once for (localExpert,
// srcRank), equivalent to calling MarkReceived n times.
func (s *ExpertSyncInfo) MarkReceivedN(localExpert, srcRank int, n int32) int32 {
	return s.received.AtomicAdd(s.index(localExpert, srcRank), n) + n
}

// Received returns the number of tokens observed so far for
// (localExpert, srcRank).
func (s *ExpertSyncInfo) Received(localExpert, srcRank int) int32 {
	return s.received.AtomicLoadAcquire(s.index(localExpert, srcRank))
}

// Satisfied reports whether every token announced for (localExpert,
// srcRank) has been observed. A pair with no count-handshake yet
// (expected == -1) is never satisfied.
func (s *ExpertSyncInfo) Satisfied(localExpert, srcRank int) bool {
	expected := s.Expected(localExpert, srcRank)
	if expected < 0 {
		return false
	}
	return s.Received(localExpert, srcRank) >= expected
}

// AllSatisfied reports whether every (localExpert, srcRank) pair for
// localExpert has been satisfied, i.e. the full receive phase for
// that expert is complete.
func (s *ExpertSyncInfo) AllSatisfied(localExpert int) bool {
	for src := 0; src < s.topo.R; src++ {
		if !s.Satisfied(localExpert, src) {
			return false
		}
	}
	return true
}

// Reset restores expected to "no count yet" (-1) and received to zero
// for every pair, ready for the next round.
func (s *ExpertSyncInfo) Reset() {
	for i := range s.expected.Data {
		s.expected.Store(i, -1)
	}
	s.received.Zero()
}
