package lowlatency

import (
	"sync"

	"github.com/gpu-ep/lowlatency/symheap"
	"github.com/gpu-ep/lowlatency/wire"
)

// LayoutRange is the decoded form of `layout_range[ℓ,s] = pack(num,
// begin)`. A real kernel keeps both fields packed into one int64 so a
// single atomic store publishes them together; this implementation
// uses a plain two-field struct instead of a bit-packed word, since
// the struct is written exactly once (by the receiving block, before
// the grid sync that makes it visible) and never needs an atomic
// combined read.
type LayoutRange struct {
	Num   int32
	Begin int32
}

// DispatchBuffers is the receive-side state one rank owns as the
// holder of L local experts: the per-(local expert, src rank) count
// handshake inbox, the receiver-confirmed counts, the layout ranges,
// the running packed-offset counters, the staging slots a remote put
// lands in, and the final packed, contiguous receive buffer combine
// reads from.
type DispatchBuffers struct {
	topo *Topology

	// RDMARecvCount is the count-handshake inbox: senders store
	// EncodeCount(n) here. Deliberately excluded from the cleaner's
	// default region set: it must survive the send/receive phase
	// boundary within one dispatch.
	RDMARecvCount *symheap.Int32Region

	// PackedRecvCount is the receiver-confirmed token count per pair,
	// set once layoutRange is computed.
	PackedRecvCount *symheap.Int32Region

	// LayoutRange holds the (num, begin) pair per (local expert, src
	// rank) pair, in the final packed array's index space.
	LayoutRange *symheap.Region[LayoutRange]

	// beginCounters is the running packed-offset, one per local
	// expert, advanced by each (l, s) pair's reservation.
	beginCounters *symheap.Int32Region

	// Staging holds the raw per-slot landing spots a remote put
	// writes into, shape [l][s][S_max]. Each slot holds a
	// wire.PackDispatch-encoded message, the same bytes a real IBGDA
	// put would carry.
	Staging *symheap.Region[[]byte]

	// PackedRecvX is the final contiguous, packed receive buffer the
	// consumer MLP (and combine) reads from, shape [l][up to R*S_max],
	// still in wire-encoded form until a reader calls wire.
	// UnpackDispatch.
	PackedRecvX *symheap.Region[[]byte]
}

// NewDispatchBuffers allocates a dispatch receive buffer for a rank
// owning topo.L local experts.
func NewDispatchBuffers(topo *Topology) *DispatchBuffers {
	pairs := topo.L * topo.R
	return &DispatchBuffers{
		topo:            topo,
		RDMARecvCount:   symheap.NewInt32Region(pairs),
		PackedRecvCount: symheap.NewInt32Region(pairs),
		LayoutRange:     symheap.NewRegion[LayoutRange](pairs),
		beginCounters:   symheap.NewInt32Region(topo.L),
		Staging:         symheap.NewRegion[[]byte](pairs * topo.SMax),
		PackedRecvX:     symheap.NewRegion[[]byte](topo.L * topo.R * topo.SMax),
	}
}

func (b *DispatchBuffers) pairIndex(l, s int) int {
	return l*b.topo.R + s
}

func (b *DispatchBuffers) stagingIndex(l, s, slot int) int {
	return (l*b.topo.R+s)*b.topo.SMax + slot
}

// PlacePayload writes a sender's wire.PackDispatch-encoded message
// into its (local expert, src rank, slot) staging position, standing
// in for the P2P store or IBGDA put that lands a real dispatch
// payload.
func (b *DispatchBuffers) PlacePayload(l, s, slot int, packed []byte) {
	b.Staging.Data[b.stagingIndex(l, s, slot)] = packed
}

// PostCount stores the encoded count-handshake value for (l, s).
func (b *DispatchBuffers) PostCount(l, s int, encoded int32) {
	b.RDMARecvCount.Store(b.pairIndex(l, s), encoded)
}

// PollCount reads the current count-handshake value for (l, s)
// without blocking.
func (b *DispatchBuffers) PollCount(l, s int) int32 {
	return b.RDMARecvCount.AtomicLoadAcquire(b.pairIndex(l, s))
}

// ReservePacked reserves n contiguous slots, [begin, begin+n), in
// local expert l's packed output and records the layout range for
// (l, s).
func (b *DispatchBuffers) ReservePacked(l, s int, n int32) LayoutRange {
	begin := b.beginCounters.AtomicAdd(l, n)
	lr := LayoutRange{Num: n, Begin: begin}
	b.LayoutRange.Data[b.pairIndex(l, s)] = lr
	b.PackedRecvCount.Store(b.pairIndex(l, s), n)
	return lr
}

// DrainInto copies the n staged messages for (l, s) into the packed
// buffer at [begin, begin+n), a cooperative copy step.
func (b *DispatchBuffers) DrainInto(l, s int, lr LayoutRange) {
	for i := int32(0); i < lr.Num; i++ {
		msg := b.Staging.Data[b.stagingIndex(l, s, int(i))]
		b.PackedRecvX.Data[l*b.topo.R*b.topo.SMax+int(lr.Begin+i)] = msg
	}
}

// Layout returns the decoded layout range for (l, s).
func (b *DispatchBuffers) Layout(l, s int) LayoutRange {
	return b.LayoutRange.Data[b.pairIndex(l, s)]
}

// PackedToken returns the wire.PackDispatch-encoded message at
// local-expert l's packed index i, or nil if no message landed there.
func (b *DispatchBuffers) PackedToken(l, i int) []byte {
	return b.PackedRecvX.Data[l*b.topo.R*b.topo.SMax+i]
}

// Reset clears the per-round state that is NOT exempted by the
// cleaner: layout ranges, packed counts, begin counters, and the
// staging/packed slots. The count-handshake inbox is left untouched —
// callers invoke ResetCounts separately once a full dispatch round
// (both phases) has completed.
func (b *DispatchBuffers) Reset() {
	b.LayoutRange.Zero()
	b.PackedRecvCount.Zero()
	b.beginCounters.Zero()
	b.Staging.Zero()
	b.PackedRecvX.Zero()
}

// ResetCounts zeroes the count-handshake inbox. Split out from Reset
// because the count buffer must persist across a SEND-only call and a
// later RECV-only call on the same dispatch, a coroutine-like phase
// split.
func (b *DispatchBuffers) ResetCounts() {
	b.RDMARecvCount.Zero()
}

// CombineBuffers is the state a rank that ORIGINATED tokens uses to
// accumulate combine replies back into its own token batch: an FP32
// workspace (used directly for non-Pure-EP, and as the pre-collective
// partial for Pure-EP), plus per-token and per-local-expert arrival
// counters.
type CombineBuffers struct {
	topo      *Topology
	numTokens int

	// Workspace is the FP32 accumulation buffer, shape
	// [numTokens][H]. Always used as the intermediate representation;
	// a real kernel reserves FP32 staging for Pure-EP specifically, but
	// accumulating every mode in FP32 before the final bf16 downcast
	// is numerically equivalent and lets both modes share one code
	// path.
	Workspace *symheap.Float32Region

	// RepliesReceived counts combine messages landed per token.
	RepliesReceived *symheap.Int32Region

	// RDMARecvFlag is the per-local-expert arrival counter, incremented
	// once per combine reply from that local expert. Kept for fidelity;
	// nothing in this package waits on it, since combine's receive gate
	// is a cross-rank Barrier (see combine.go).
	RDMARecvFlag *symheap.Int32Region

	// mu guards Workspace: unlike the slot/count regions, a token's
	// accumulation is a read-modify-write over several float32
	// elements, which different owning ranks' Goroutines may target
	// concurrently when more than one expert contributes to the same
	// token (real hardware serializes this via per-element atomics
	// that Go's float32 lacks a native equivalent for).
	mu sync.Mutex
}

// NewCombineBuffers allocates combine receive state for numTokens
// tokens of width H, with L local-expert flag counters.
func NewCombineBuffers(topo *Topology, numTokens int) *CombineBuffers {
	return &CombineBuffers{
		topo:            topo,
		numTokens:       numTokens,
		Workspace:       symheap.NewFloat32Region(numTokens * topo.H),
		RepliesReceived: symheap.NewInt32Region(numTokens),
		RDMARecvFlag:    symheap.NewInt32Region(topo.L),
	}
}

// Accumulate adds weight*payload[i] into token t's workspace row and
// marks one reply received.
func (b *CombineBuffers) Accumulate(t int, weight float32, payload []uint16) {
	base := t * b.topo.H
	b.mu.Lock()
	for i, v := range payload {
		b.Workspace.Data[base+i] += weight * wire.BFloat16ToFloat32(v)
	}
	b.mu.Unlock()
	b.RepliesReceived.AtomicAdd(t, 1)
}

// MarkFlag increments the arrival counter for local expert l.
func (b *CombineBuffers) MarkFlag(l int) {
	b.RDMARecvFlag.AtomicAdd(l, 1)
}

// ResetFlags stores zero into every rdma_recv_flag entry
// unconditionally. See DESIGN.md's Open Question log for why this
// uses Store rather than an atomicSub of the actual sender count.
func (b *CombineBuffers) ResetFlags() {
	for i := range b.RDMARecvFlag.Data {
		b.RDMARecvFlag.Store(i, 0)
	}
}

// Row returns token t's FP32 workspace row.
func (b *CombineBuffers) Row(t int) []float32 {
	return b.Workspace.Data[t*b.topo.H : (t+1)*b.topo.H]
}

// Reset clears all combine receive state for the next round.
func (b *CombineBuffers) Reset() {
	b.Workspace.Zero()
	b.RepliesReceived.Zero()
	b.ResetFlags()
}
