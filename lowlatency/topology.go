// Package lowlatency implements the dispatch/combine low-latency
// expert-parallel protocol: per-expert, per-source-rank slot
// allocation, the count-handshake receive barrier, Pure-EP ownership
// masking, the grid-wide synchronization structure, and the FP32-
// staged symmetric-heap reduction used when every rank holds the full
// token batch.
package lowlatency

import "fmt"

// kNumMaxTopk is the largest supported top-k width.
const kNumMaxTopk = 9

// Topology describes one dispatch/combine session's shape: R ranks,
// E global experts split into L local experts per rank, H-wide
// bfloat16 hidden vectors, up to K expert choices per token, and a
// fixed S_max per-(expert, src-rank) receive slot capacity.
type Topology struct {
	R, E, L, H, K, SMax int

	// PureEP records whether every rank holds the complete token
	// batch (vs. disjoint subsets in mixed EP+DP mode). This is
	// sometimes framed as "detected by the invariant R = E/L", but
	// that identity always holds once L is defined as E/R (see
	// DESIGN.md); it is carried here as an explicit deployment
	// property instead of being re-derived from R/E/L at construction
	// time.
	PureEP bool

	// EnableDropDetector turns on the optional O(E·T·K) token-drop
	// scan, a defensive check rather than a protocol requirement. Off
	// by default.
	EnableDropDetector bool

	// UseFP8 and UseUE8M0 select the dispatch payload's wire
	// encoding.
	UseFP8   bool
	UseUE8M0 bool
}

// NewTopology validates and constructs a Topology. Parameter errors
// are reported here, on the host, before any Goroutine is launched.
func NewTopology(r, e, l, h, k, sMax int) (*Topology, error) {
	t := &Topology{R: r, E: e, L: l, H: h, K: k, SMax: sMax}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the parameter-class invariants.
func (t *Topology) Validate() error {
	if t.R <= 0 {
		return &ParameterError{Field: "R", Value: t.R, Reason: "must be positive"}
	}
	if t.L <= 0 {
		return &ParameterError{Field: "L", Value: t.L, Reason: "must be positive"}
	}
	if t.E != t.R*t.L {
		return &ParameterError{Field: "E", Value: t.E, Reason: fmt.Sprintf("must equal R*L (%d*%d=%d)", t.R, t.L, t.R*t.L)}
	}
	if t.H <= 0 || t.H%128 != 0 || (t.H/128)&(t.H/128-1) != 0 {
		return &ParameterError{Field: "H", Value: t.H, Reason: "must be a power-of-2 multiple of 128"}
	}
	if t.K < 1 || t.K > kNumMaxTopk {
		return &ParameterError{Field: "K", Value: t.K, Reason: fmt.Sprintf("must be in [1, %d]", kNumMaxTopk)}
	}
	if t.SMax <= 0 {
		return &ParameterError{Field: "SMax", Value: t.SMax, Reason: "must be positive"}
	}
	return nil
}

// Owner returns the rank that owns global expert e.
func (t *Topology) Owner(e int) int {
	return e / t.L
}

// LocalExpert returns the local-expert index of global expert e on
// its owning rank.
func (t *Topology) LocalExpert(e int) int {
	return e % t.L
}

// GlobalExpert returns the global expert index for a local expert
// index on its owning rank.
func (t *Topology) GlobalExpert(rank, localExpert int) int {
	return rank*t.L + localExpert
}

// NumBlocks is the simulated grid size: one block per global expert.
func (t *Topology) NumBlocks() int {
	return t.E
}
