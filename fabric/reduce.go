package fabric

import (
	"encoding/binary"
	"math"
)

// ChunkedSumReduce performs a collective sum-reduction of workspace
// across every rank in f and returns the reduced vector to every
// rank, the Go-level equivalent of a chunk-wise
// nvshmemx_float_sum_reduce_block over NVSHMEM_TEAM_WORLD for a
// Pure-EP reduction. Every rank — including one that locally skipped
// its receive phase and holds a zeroed workspace — must call this the
// same number of times with the same chunkSize; this is a collective,
// not a point-to-point operation.
//
// The reduction tree shape mirrors a classic TreeAllreducer: each
// chunk goes up a binary tree to rank 0 via Fabric.Put, gets summed at
// each internal node, and is broadcast back down. Splitting into
// chunkSize-wide pieces lets multiple chunks be in flight on
// different parts of the tree at once.
func ChunkedSumReduce(f *Fabric, workspace []float32, chunkSize int) []float32 {
	if chunkSize <= 0 {
		chunkSize = len(workspace)
	}
	if len(workspace) == 0 {
		return workspace
	}

	result := make([]float32, 0, len(workspace))
	for start := 0; start < len(workspace); start += chunkSize {
		end := start + chunkSize
		if end > len(workspace) {
			end = len(workspace)
		}
		result = append(result, treeSumReduce(f, workspace[start:end])...)
	}
	return result
}

// treeSumReduce reduces one chunk up a binary tree rooted at rank 0
// and broadcasts the sum back down, so every rank ends up with the
// same answer.
func treeSumReduce(f *Fabric, chunk []float32) []float32 {
	parent, children := positionInReduceTree(f)

	vectors := [][]float32{chunk}
	for range children {
		vectors = append(vectors, recvFloat32Vector(f))
	}

	sum := sumVectors(vectors)
	if parent >= 0 {
		sendFloat32Vector(f, parent, sum)
		sum = recvFloat32Vector(f)
	}
	for _, child := range children {
		sendFloat32Vector(f, child, sum)
	}
	return sum
}

// positionInReduceTree returns the parent and children rank indices
// of this rank in the binary reduction tree, or parent == -1 for the
// root. Same shape as a classic positionInTree helper, over rank
// indices instead of *simulator.Port values.
func positionInReduceTree(f *Fabric) (parent int, children []int) {
	idx := f.Index()
	parent = -1
	for depth := uint(0); ; depth++ {
		rowSize := 1 << depth
		rowStart := rowSize - 1
		if idx >= rowStart+rowSize {
			continue
		}
		rowIdx := idx - rowStart
		if depth > 0 {
			parent = rowIdx/2 + (rowSize/2 - 1)
		}
		firstChild := rowIdx*2 + (rowSize*2 - 1)
		for i := 0; i < 2; i++ {
			if firstChild+i < f.Size() {
				children = append(children, firstChild+i)
			}
		}
		return
	}
}

func sumVectors(vectors [][]float32) []float32 {
	sum := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		if len(v) != len(sum) {
			panic("mismatched chunk lengths in reduction")
		}
		for i, x := range v {
			sum[i] += x
		}
	}
	return sum
}

func sendFloat32Vector(f *Fabric, dstRank int, vec []float32) {
	buf := make([]byte, 4+len(vec)*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4+i*4:], math.Float32bits(v))
	}
	f.Put(dstRank, buf)
}

func recvFloat32Vector(f *Fabric) []float32 {
	buf, _ := f.Recv()
	n := binary.LittleEndian.Uint32(buf[0:4])
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4+i*4:]))
	}
	return vec
}
