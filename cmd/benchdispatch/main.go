// Command benchdispatch measures simulated dispatch+combine round time
// across a handful of topology shapes, reported as a Markdown table.
package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/gpu-ep/lowlatency/fabric"
	"github.com/gpu-ep/lowlatency/lowlatency"
	"github.com/gpu-ep/lowlatency/simulator"
	"github.com/gpu-ep/lowlatency/wire"
	"github.com/unixpickle/essentials"
)

// shape describes one topology configuration to benchmark.
type shape struct {
	R, E, L, H, K, SMax int
	PureEP              bool
	UseFP8              bool

	// Oversubscribed routes every fabric.Fabric message (the Pure-EP
	// reduction's puts) through a SwitcherNetwork with a shared
	// per-node send/recv rate instead of the default RandomNetwork,
	// modeling a fabric where concurrent puts compete for the same NIC
	// bandwidth. Dispatch and combine payloads do not cross the
	// Network.
	Oversubscribed bool
}

func (s shape) label() string {
	mode := "mixed"
	if s.PureEP {
		mode = "pureEP"
	}
	enc := "bf16"
	if s.UseFP8 {
		enc = "fp8"
	}
	net := "random"
	if s.Oversubscribed {
		net = "switched"
	}
	return fmt.Sprintf("R=%d E=%d K=%d %s %s %s", s.R, s.E, s.K, mode, enc, net)
}

// networkFor returns the simulator.Network the shape asks for: a
// GreedyDropSwitcher-backed SwitcherNetwork when Oversubscribed is
// set, modeling per-node bandwidth contention, or the default
// per-message random-delay RandomNetwork otherwise.
func networkFor(sh shape, nodes []*simulator.Node) simulator.Network {
	if !sh.Oversubscribed {
		return simulator.RandomNetwork{}
	}
	switcher := simulator.NewGreedyDropSwitcher(len(nodes), 1.0)
	return simulator.NewSwitcherNetwork(switcher, nodes, 0.01)
}

func main() {
	tokensPerRank := flag.Int("tokens", 64, "tokens per rank to route each round")
	flag.Parse()

	shapes := []shape{
		{R: 2, E: 4, L: 2, H: 128, K: 1, SMax: 64},
		{R: 8, E: 8, L: 1, H: 128, K: 1, SMax: 64, PureEP: true},
		{R: 8, E: 8, L: 1, H: 128, K: 2, SMax: 64, PureEP: true},
		{R: 8, E: 8, L: 1, H: 128, K: 2, SMax: 64, PureEP: true, UseFP8: true},
		{R: 16, E: 32, L: 2, H: 256, K: 4, SMax: 128},
		{R: 8, E: 8, L: 1, H: 128, K: 2, SMax: 64, PureEP: true, Oversubscribed: true},
	}

	fmt.Print("| Shape | Tokens/rank | Round time |\n|:--|:--|:--|\n")
	for _, sh := range shapes {
		elapsed := runOneRound(sh, *tokensPerRank)
		fmt.Printf("| %s | %d | %s |\n", sh.label(), *tokensPerRank, strconv.FormatFloat(elapsed, 'f', -1, 64))
	}
}

// runOneRound builds a topology and a random token batch per rank,
// drives one dispatch+combine round to completion, and returns the
// event loop's final virtual time.
func runOneRound(sh shape, tokensPerRank int) float64 {
	// SMax must cover the worst case where a single rank's whole batch
	// collides on one expert; the hash in randomBatch doesn't guarantee
	// otherwise.
	sMax := sh.SMax
	if worstCase := tokensPerRank * sh.K; worstCase > sMax {
		sMax = worstCase
	}
	topo, err := lowlatency.NewTopology(sh.R, sh.E, sh.L, sh.H, sh.K, sMax)
	essentials.Must(err)
	topo.PureEP = sh.PureEP
	topo.UseFP8 = sh.UseFP8

	batches := make([][]lowlatency.Token, sh.R)
	shared := randomBatch(tokensPerRank, sh)
	for r := range batches {
		if sh.PureEP {
			batches[r] = shared
		} else {
			batches[r] = randomBatch(tokensPerRank, sh)
		}
	}
	session := lowlatency.NewSession(topo, batches)

	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, sh.R)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	combineBarrier := simulator.NewBarrier(loop, sh.R)

	fabric.SpawnFabrics(loop, networkFor(sh, nodes), nil, nodes, func(fab *fabric.Fabric) {
		rank := fab.Index()
		h := fab.Handle
		d := &lowlatency.Dispatcher{Session: session, Fab: fab, Rank: rank}
		d.Run(h, lowlatency.PhaseSend|lowlatency.PhaseRecv)
		c := lowlatency.NewCombiner(session, fab, rank, lowlatency.RuntimeFlags{}, lowlatency.IdentityExpert, combineBarrier)
		c.Run(h, lowlatency.PhaseSend|lowlatency.PhaseRecv, false)
	})

	essentials.Must(loop.Run())
	return loop.Time()
}

func randomBatch(n int, sh shape) []lowlatency.Token {
	out := make([]lowlatency.Token, n)
	for i := range out {
		topk := make([]int32, sh.K)
		weights := make([]float32, sh.K)
		for k := range topk {
			topk[k] = int32((i*7 + k*3) % sh.E)
			weights[k] = 1.0 / float32(sh.K)
		}
		bf16 := make([]uint16, sh.H)
		for j := range bf16 {
			bf16[j] = wire.Float32ToBFloat16(float32(j%11) - 5)
		}
		out[i] = lowlatency.Token{BF16: bf16, TopK: topk, Weights: weights}
	}
	return out
}
