// Package stripe provides the pure file-offset ↔ stripe-coordinate
// mapping shared by the write and read pipelines.
//
// For N ≥ 2 nodes, a stripe is stride_bytes = ChunkSize*(N-1) of
// logical file data spread across N-1 data chunks plus one parity
// chunk on node N-1. For N = 1 there is no parity node and a stride is
// exactly one chunk.
package stripe

import "github.com/stripefs/stripefs/lib/wire"

// StrideBytes returns the number of logical file bytes covered by one
// stripe across n nodes.
func StrideBytes(n int) int64 {
	if n <= 1 {
		return wire.ChunkSize
	}
	return wire.ChunkSize * int64(n-1)
}

// StrideOf returns the stripe index that file byte b falls in, for a
// cluster of n nodes.
func StrideOf(b int64, n int) int64 {
	return b / StrideBytes(n)
}

// Locate maps a file byte to its stripe index, the node index holding
// its chunk, and the offset within that chunk.
func Locate(b int64, n int) (stripeIndex int64, node int, inChunk int64) {
	stride := StrideBytes(n)
	stripeIndex = b / stride
	withinStride := b % stride
	node = int(withinStride / wire.ChunkSize)
	inChunk = withinStride % wire.ChunkSize
	return stripeIndex, node, inChunk
}

// DataNodes returns the number of nodes in an n-node cluster that
// carry data chunks (as opposed to parity). For n == 1 this is 1 (the
// lone node carries data, not parity); for n >= 2 it is n-1.
func DataNodes(n int) int {
	if n <= 1 {
		return 1
	}
	return n - 1
}
