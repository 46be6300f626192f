package wire

import (
	"math"
	"testing"
)

func TestBFloat16RoundTrip(t *testing.T) {
	for _, f := range []float32{0, 1, -1, 3.14, -100.5, 65504} {
		bits := float32ToBFloat16(f)
		got := bfloat16ToFloat32(bits)
		if math.Abs(float64(got-f)) > math.Abs(float64(f))*0.01+0.01 {
			t.Errorf("round trip of %f gave %f", f, got)
		}
	}
}

func TestPackUnpackDispatchBF16(t *testing.T) {
	h := 128
	bf16 := make([]uint16, h)
	for i := range bf16 {
		bf16[i] = float32ToBFloat16(float32(i) * 0.5)
	}
	msg := &DispatchMessage{SourceTokenIndex: 42, BF16: bf16}
	buf := PackDispatch(msg)
	if len(buf) != DispatchWireSize(h, false, false) {
		t.Fatalf("unexpected wire size: %d", len(buf))
	}

	got := UnpackDispatch(buf, h, false, false)
	if got.SourceTokenIndex != 42 {
		t.Errorf("expected source token index 42, got %d", got.SourceTokenIndex)
	}
	for i := range bf16 {
		if got.BF16[i] != bf16[i] {
			t.Fatalf("payload mismatch at %d: %d != %d", i, got.BF16[i], bf16[i])
		}
	}
}

func TestPackUnpackDispatchFP8Scales(t *testing.T) {
	h := 256
	bf16 := make([]uint16, h)
	for i := range bf16 {
		bf16[i] = float32ToBFloat16(float32(i%37) - 18)
	}
	quant := QuantizeFP8(bf16, false)
	msg := &DispatchMessage{SourceTokenIndex: 7, FP8: quant}
	buf := PackDispatch(msg)
	if len(buf) != DispatchWireSize(h, true, false) {
		t.Fatalf("unexpected wire size: %d", len(buf))
	}

	got := UnpackDispatch(buf, h, true, false)
	if got.SourceTokenIndex != 7 {
		t.Errorf("expected source token index 7, got %d", got.SourceTokenIndex)
	}
	if len(got.FP8.Scales) != h/128 {
		t.Fatalf("expected %d scales, got %d", h/128, len(got.FP8.Scales))
	}
	for i := range quant.Bytes {
		if got.FP8.Bytes[i] != quant.Bytes[i] {
			t.Fatalf("byte mismatch at %d", i)
		}
	}
}

func TestPackUnpackDispatchFP8UE8M0(t *testing.T) {
	h := 128
	bf16 := make([]uint16, h)
	for i := range bf16 {
		bf16[i] = float32ToBFloat16(float32(i) - 64)
	}
	quant := QuantizeFP8(bf16, true)
	msg := &DispatchMessage{SourceTokenIndex: 1, FP8: quant}
	buf := PackDispatch(msg)

	got := UnpackDispatch(buf, h, true, true)
	if len(got.FP8.UE8M0) != 1 {
		t.Fatalf("expected 1 packed scale, got %d", len(got.FP8.UE8M0))
	}
	if got.FP8.UE8M0[0] != quant.UE8M0[0] {
		t.Errorf("packed scale mismatch")
	}
}

func TestQuantizeFP8RoundTripWithinEpsilon(t *testing.T) {
	h := 128
	bf16 := make([]uint16, h)
	for i := range bf16 {
		bf16[i] = float32ToBFloat16(float32(i) / 4)
	}
	quant := QuantizeFP8(bf16, false)
	dequant := DequantizeFP8(quant)
	for i := range bf16 {
		orig := bfloat16ToFloat32(bf16[i])
		back := bfloat16ToFloat32(dequant[i])
		if math.Abs(float64(orig-back)) > 2.0 {
			t.Errorf("index %d: %f vs %f exceeds fp8 tolerance", i, orig, back)
		}
	}
}

func TestPackUnpackCombine(t *testing.T) {
	h := 128
	payload := make([]uint16, h)
	for i := range payload {
		payload[i] = float32ToBFloat16(float32(i))
	}
	msg := &CombineMessage{SourceTokenIndex: 99, Payload: payload}
	buf := PackCombine(msg)
	if len(buf) != CombineWireSize(h) {
		t.Fatalf("unexpected wire size: %d", len(buf))
	}

	got := UnpackCombine(buf, h)
	if got.SourceTokenIndex != 99 {
		t.Errorf("expected source token index 99, got %d", got.SourceTokenIndex)
	}
	for i := range payload {
		if got.Payload[i] != payload[i] {
			t.Fatalf("payload mismatch at %d", i)
		}
	}
}

func TestHeaderReservedBytesAreZero(t *testing.T) {
	buf := PackCombine(&CombineMessage{SourceTokenIndex: 5, Payload: make([]uint16, 128)})
	for i := 4; i < HeaderSize; i++ {
		if buf[i] != 0 {
			t.Errorf("reserved byte %d should be zero, got %d", i, buf[i])
		}
	}
}
