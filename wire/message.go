// Package wire implements the on-the-fabric message codec: a fixed
// 16-byte header followed by a bfloat16 or FP8 payload.
// Packing/unpacking is the only job of this package; it knows nothing
// about slots, ranks, or transports.
package wire

import (
	"encoding/binary"
	"math"
)

// HeaderSize is the fixed header length in bytes: a 4-byte source
// token index followed by 12 reserved bytes.
const HeaderSize = 16

// DispatchMessage is one sender-to-owner dispatch payload: a header
// plus either a bfloat16 or an FP8 payload for a single token.
type DispatchMessage struct {
	SourceTokenIndex int32
	BF16             []uint16    // nil when FP8 is used
	FP8              *FP8Payload // nil when bfloat16 is used
}

// CombineMessage is one expert-output-to-rank combine payload: a
// header plus a bfloat16 payload. Combine payloads are never
// quantized, unlike dispatch.
type CombineMessage struct {
	SourceTokenIndex int32
	Payload          []uint16
}

// DispatchWireSize returns the number of bytes a dispatch message
// occupies on the fabric for the given hidden size and quantization
// mode.
func DispatchWireSize(h int, useFP8, useUE8M0 bool) int {
	if !useFP8 {
		return HeaderSize + h*2
	}
	channels := h / 128
	if useUE8M0 {
		return HeaderSize + h + channels
	}
	return HeaderSize + h + channels*4
}

// CombineWireSize returns the number of bytes a combine message
// occupies on the fabric for the given hidden size.
func CombineWireSize(h int) int {
	return HeaderSize + h*2
}

func packHeader(buf []byte, sourceTokenIndex int32) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(sourceTokenIndex))
	for i := 4; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

func unpackHeader(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[0:4]))
}

// PackDispatch serializes a DispatchMessage into its wire form.
func PackDispatch(msg *DispatchMessage) []byte {
	var h int
	if msg.FP8 != nil {
		h = len(msg.FP8.Bytes)
	} else {
		h = len(msg.BF16)
	}
	useFP8 := msg.FP8 != nil
	useUE8M0 := useFP8 && msg.FP8.UE8M0 != nil
	buf := make([]byte, DispatchWireSize(h, useFP8, useUE8M0))
	packHeader(buf, msg.SourceTokenIndex)

	body := buf[HeaderSize:]
	if !useFP8 {
		for i, v := range msg.BF16 {
			binary.LittleEndian.PutUint16(body[i*2:], v)
		}
		return buf
	}

	copy(body, msg.FP8.Bytes)
	scaleBuf := body[h:]
	if useUE8M0 {
		copy(scaleBuf, msg.FP8.UE8M0)
	} else {
		for i, s := range msg.FP8.Scales {
			binary.LittleEndian.PutUint32(scaleBuf[i*4:], math.Float32bits(s))
		}
	}
	return buf
}

// UnpackDispatch deserializes a DispatchMessage from its wire form.
// The caller must know the hidden size and quantization mode ahead of
// time; real kernels fix these at compile time rather than sniff them
// from the wire.
func UnpackDispatch(buf []byte, h int, useFP8, useUE8M0 bool) *DispatchMessage {
	msg := &DispatchMessage{SourceTokenIndex: unpackHeader(buf)}
	body := buf[HeaderSize:]

	if !useFP8 {
		bf16 := make([]uint16, h)
		for i := range bf16 {
			bf16[i] = binary.LittleEndian.Uint16(body[i*2:])
		}
		msg.BF16 = bf16
		return msg
	}

	channels := h / 128
	payload := &FP8Payload{Bytes: make([]byte, h)}
	copy(payload.Bytes, body[:h])
	scaleBuf := body[h:]
	if useUE8M0 {
		payload.UE8M0 = make([]byte, channels)
		copy(payload.UE8M0, scaleBuf[:channels])
	} else {
		payload.Scales = make([]float32, channels)
		for i := range payload.Scales {
			payload.Scales[i] = math.Float32frombits(binary.LittleEndian.Uint32(scaleBuf[i*4:]))
		}
	}
	msg.FP8 = payload
	return msg
}

// PackCombine serializes a CombineMessage into its wire form.
func PackCombine(msg *CombineMessage) []byte {
	buf := make([]byte, CombineWireSize(len(msg.Payload)))
	packHeader(buf, msg.SourceTokenIndex)
	body := buf[HeaderSize:]
	for i, v := range msg.Payload {
		binary.LittleEndian.PutUint16(body[i*2:], v)
	}
	return buf
}

// UnpackCombine deserializes a CombineMessage from its wire form.
func UnpackCombine(buf []byte, h int) *CombineMessage {
	msg := &CombineMessage{SourceTokenIndex: unpackHeader(buf)}
	body := buf[HeaderSize:]
	payload := make([]uint16, h)
	for i := range payload {
		payload[i] = binary.LittleEndian.Uint16(body[i*2:])
	}
	msg.Payload = payload
	return msg
}

// PeekSourceTokenIndex reads a packed dispatch or combine message's
// source token index straight from its header, without decoding the
// rest of the payload. Used by drop detection and other checks that
// only need to know which token a landed message belongs to.
func PeekSourceTokenIndex(buf []byte) int32 {
	return unpackHeader(buf)
}
