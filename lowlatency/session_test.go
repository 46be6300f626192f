package lowlatency

import "testing"

func TestNewSessionAllocatesPerRankState(t *testing.T) {
	topo := mustTopology(t, 2, 4, 2, 128, 1, 4)
	batch0 := []Token{makeToken([]int32{0})}
	batch1 := []Token{makeToken([]int32{1}), makeToken([]int32{2})}

	session := NewSession(topo, [][]Token{batch0, batch1})

	if got := len(session.Batch(0)); got != 1 {
		t.Errorf("expected rank 0's batch to have 1 token, got %d", got)
	}
	if got := len(session.Batch(1)); got != 2 {
		t.Errorf("expected rank 1's batch to have 2 tokens, got %d", got)
	}
	if len(session.dispatchBufs) != topo.R || len(session.combineBufs) != topo.R {
		t.Fatal("expected one dispatch and combine buffer set per rank")
	}
	if len(session.syncInfo) != topo.R || len(session.slotAllocs) != topo.R {
		t.Fatal("expected one sync-info and slot-allocator per rank")
	}
}

func TestSessionResetClearsPerRoundStateNotCounts(t *testing.T) {
	topo := mustTopology(t, 1, 1, 1, 128, 1, 4)
	batch := []Token{makeToken([]int32{0})}
	session := NewSession(topo, [][]Token{batch})

	session.dispatchBufs[0].PostCount(0, 0, EncodeCount(1))
	session.slotAllocs[0].Reserve(0, 0)
	session.syncInfo[0].SetExpected(0, 0, 1)
	session.combineBufs[0].Accumulate(0, 1, make([]uint16, topo.H))

	session.Reset()

	if session.slotAllocs[0].Count(0) != 0 {
		t.Error("expected Reset to clear slot allocator counts")
	}
	if session.syncInfo[0].Expected(0, 0) >= 0 {
		t.Error("expected Reset to clear expected sync-info counts")
	}
	if CountPending(session.dispatchBufs[0].PollCount(0, 0)) {
		t.Error("expected Reset to leave the count-handshake inbox untouched")
	}
	for _, v := range session.combineBufs[0].Row(0) {
		if v != 0 {
			t.Fatal("expected Reset to clear combine workspace")
		}
	}

	session.ResetCounts()
	if !CountPending(session.dispatchBufs[0].PollCount(0, 0)) {
		t.Error("expected ResetCounts to clear the count-handshake inbox")
	}
}
