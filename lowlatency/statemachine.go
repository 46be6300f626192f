package lowlatency

import (
	"fmt"
	"sync"
)

// PairState is the lifecycle of one (expert, src-rank) pair across a
// dispatch round: Dispatcher.send and Dispatcher.receivePair drive a
// PairStateTracker through it live, aborting the kernel the same way a
// capacity or protocol fault would if a caller tries to skip a step
// (the simulated equivalent of a state a real kernel would never
// materialize, since it lives implicitly in program counters).
type PairState int

const (
	Idle PairState = iota
	Sending
	CountPosted
	CountObserved
	Draining
	Done
)

func (s PairState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case CountPosted:
		return "count_posted"
	case CountObserved:
		return "count_observed"
	case Draining:
		return "draining"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("PairState(%d)", int(s))
	}
}

// validTransitions enumerates the only legal next states from each
// state: a sender posts payload messages (Sending), then the count
// (CountPosted); a receiver observes the count (CountObserved),
// drains the announced number of payload arrivals (Draining), and
// reaches Done once satisfied.
var validTransitions = map[PairState][]PairState{
	Idle:          {Sending},
	Sending:       {CountPosted},
	CountPosted:   {CountObserved},
	CountObserved: {Draining},
	Draining:      {Done},
	Done:          {},
}

// Transition validates that moving from cur to next is legal and
// returns next, or a ProtocolError if the caller is driving the state
// machine out of order.
func Transition(cur, next PairState, rank, expert, srcRank int) (PairState, error) {
	for _, allowed := range validTransitions[cur] {
		if allowed == next {
			return next, nil
		}
	}
	return cur, &ProtocolError{
		Rank:    rank,
		Expert:  expert,
		SrcRank: srcRank,
		Reason:  fmt.Sprintf("illegal transition %s -> %s", cur, next),
	}
}

// PairStateTracker holds the live PairState for every (local expert,
// src rank) pair an owning rank's dispatch buffers serve, mutex-
// guarded since the sending side and the receiving side advance it
// from different Goroutines.
type PairStateTracker struct {
	topo *Topology

	mu     sync.Mutex
	states []PairState
}

// NewPairStateTracker allocates a tracker for topo.L*topo.R pairs, all
// starting Idle.
func NewPairStateTracker(topo *Topology) *PairStateTracker {
	return &PairStateTracker{topo: topo, states: make([]PairState, topo.L*topo.R)}
}

func (t *PairStateTracker) index(localExpert, srcRank int) int {
	return localExpert*t.topo.R + srcRank
}

// EnsureSending advances a pair from Idle to Sending the first time a
// sender reserves a slot for it (Dispatcher.send calls it again before
// posting each count, so zero-token pairs pass through Sending too);
// later calls for the same pair, or a pair already past Idle, are
// no-ops.
func (t *PairStateTracker) EnsureSending(localExpert, srcRank int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(localExpert, srcRank)
	if t.states[i] == Idle {
		t.states[i] = Sending
	}
}

// Advance validates and applies the transition to next for
// (localExpert, srcRank), returning a ProtocolError if the caller is
// driving the pair out of order.
func (t *PairStateTracker) Advance(localExpert, srcRank int, next PairState, rank, expert, srcRankForErr int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(localExpert, srcRank)
	got, err := Transition(t.states[i], next, rank, expert, srcRankForErr)
	if err != nil {
		return err
	}
	t.states[i] = got
	return nil
}

// State returns the current PairState for (localExpert, srcRank).
func (t *PairStateTracker) State(localExpert, srcRank int) PairState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[t.index(localExpert, srcRank)]
}

// Reset restores every pair to Idle for the next round.
func (t *PairStateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.states {
		t.states[i] = Idle
	}
}
