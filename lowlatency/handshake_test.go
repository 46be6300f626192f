package lowlatency

import "testing"

func TestEncodeDecodeCountRoundTrip(t *testing.T) {
	for _, n := range []int32{0, 1, 2, 17, 1000} {
		encoded := EncodeCount(n)
		if CountPending(encoded) {
			t.Errorf("encoded count %d for n=%d should not read as pending", encoded, n)
		}
		if got := DecodeCount(encoded); got != n {
			t.Errorf("round-trip mismatch: n=%d encoded=%d decoded=%d", n, encoded, got)
		}
	}
}

func TestZeroIsThePendingSentinel(t *testing.T) {
	if !CountPending(0) {
		t.Fatal("expected 0 to read as pending")
	}
	if EncodeCount(0) == 0 {
		t.Fatal("expected encoding of a zero count to be nonzero, distinct from the pending sentinel")
	}
}
