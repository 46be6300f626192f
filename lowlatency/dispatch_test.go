package lowlatency

import (
	"testing"

	"github.com/gpu-ep/lowlatency/fabric"
	"github.com/gpu-ep/lowlatency/simulator"
)

func TestPartitionRoundRobinCoversEveryIndexExactlyOnce(t *testing.T) {
	seen := make(map[int]bool)
	groups := partitionRoundRobin(10, 3)
	total := 0
	for _, g := range groups {
		for _, idx := range g {
			if seen[idx] {
				t.Fatalf("index %d assigned to more than one worker", idx)
			}
			seen[idx] = true
			total++
		}
	}
	if total != 10 {
		t.Fatalf("expected 10 indices partitioned, got %d", total)
	}
}

func TestBuildMessageUsesFP8WhenEnabled(t *testing.T) {
	topo := mustTopology(t, 1, 1, 1, testH, 1, 4)
	topo.UseFP8 = true
	d := &Dispatcher{}
	token := makeToken([]int32{0})

	msg := d.buildMessage(topo, 3, token)
	if msg.FP8 == nil {
		t.Fatal("expected FP8 payload when UseFP8 is set")
	}
	if msg.BF16 != nil {
		t.Error("expected BF16 to be left unset when sending FP8")
	}
	if msg.SourceTokenIndex != 3 {
		t.Errorf("expected source token index 3, got %d", msg.SourceTokenIndex)
	}
}

func TestBuildMessageUsesBF16ByDefault(t *testing.T) {
	topo := mustTopology(t, 1, 1, 1, testH, 1, 4)
	d := &Dispatcher{}
	token := makeToken([]int32{0})

	msg := d.buildMessage(topo, 0, token)
	if msg.FP8 != nil {
		t.Fatal("expected no FP8 payload when UseFP8 is unset")
	}
	if len(msg.BF16) != topo.H {
		t.Errorf("expected %d bf16 elements, got %d", topo.H, len(msg.BF16))
	}
}

func TestValidateTopKGuardClampsOversizedTopK(t *testing.T) {
	d := &Dispatcher{}
	topk := make([]int32, kNumMaxTopk+3)
	token := &Token{TopK: topk}

	d.validateTopKGuard(token)

	if len(token.TopK) != kNumMaxTopk {
		t.Errorf("expected clamp to %d entries, got %d", kNumMaxTopk, len(token.TopK))
	}
}

func TestValidateTopKGuardLeavesValidTopKUnchanged(t *testing.T) {
	d := &Dispatcher{}
	topk := []int32{0, 1, 2}
	token := &Token{TopK: topk}

	d.validateTopKGuard(token)

	if len(token.TopK) != 3 {
		t.Errorf("expected unchanged length 3, got %d", len(token.TopK))
	}
}

func TestVerifyNoDropsPassesOnAnIntactRound(t *testing.T) {
	topo := mustTopology(t, 2, 2, 1, testH, 1, 4)
	topo.EnableDropDetector = true
	batch0 := []Token{makeToken([]int32{1})}
	batch1 := []Token{makeToken([]int32{0})}

	_, errs := runRound(t, topo, [][]Token{batch0, batch1}, nil)
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: unexpected abort from drop detector: %v", r, err)
		}
	}
}

func TestDispatchSendRecoversWorkerCapacityAbort(t *testing.T) {
	topo := mustTopology(t, 1, 1, 1, testH, 1, 1)
	batch := make([]Token, 5)
	for i := range batch {
		batch[i] = makeToken([]int32{0})
	}
	session := NewSession(topo, [][]Token{batch})

	loop := simulator.NewEventLoop()
	node := simulator.NewNode()
	var caught error
	loop.Go(func(h *simulator.Handle) {
		port := node.Port(loop)
		fab := &fabric.Fabric{Handle: h, Port: port, Ports: []*simulator.Port{port}, Network: simulator.RandomNetwork{}}
		defer recoverKernelAbort(func(err error) { caught = err })

		d := &Dispatcher{Session: session, Fab: fab, Rank: 0}
		d.Run(h, PhaseSend)
	})
	if err := loop.Run(); err != nil {
		t.Fatalf("event loop error: %v", err)
	}

	if caught == nil {
		t.Fatal("expected the outer goroutine to observe a capacity abort raised inside a send worker")
	}
	if _, ok := caught.(*CapacityError); !ok {
		t.Errorf("expected *CapacityError, got %T", caught)
	}
}

func TestVerifyNoDropsCatchesAManuallyRemovedToken(t *testing.T) {
	topo := mustTopology(t, 1, 1, 1, testH, 1, 4)
	batch := []Token{makeToken([]int32{0})}
	session := NewSession(topo, [][]Token{batch})

	loop := simulator.NewEventLoop()
	node := simulator.NewNode()
	var caught error
	loop.Go(func(h *simulator.Handle) {
		port := node.Port(loop)
		fab := &fabric.Fabric{Handle: h, Port: port, Ports: []*simulator.Port{port}, Network: simulator.RandomNetwork{}}
		defer recoverKernelAbort(func(err error) { caught = err })

		d := &Dispatcher{Session: session, Fab: fab, Rank: 0}
		d.Run(h, PhaseSend|PhaseRecv)

		// Simulate a dropped payload: the owner's packed buffer no
		// longer carries the token the sender believes it sent.
		lr := session.dispatchBufs[0].Layout(0, 0)
		session.dispatchBufs[0].PackedRecvX.Data[lr.Begin] = nil

		d.VerifyNoDrops()
	})
	if err := loop.Run(); err != nil {
		t.Fatalf("event loop error: %v", err)
	}

	if caught == nil {
		t.Fatal("expected VerifyNoDrops to abort on a missing token")
	}
	if _, ok := caught.(*ProtocolError); !ok {
		t.Errorf("expected *ProtocolError, got %T", caught)
	}
}
