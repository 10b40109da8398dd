// Package ringbuffer provides the client's single-stripe staging
// buffer: N*ChunkSize bytes partitioned by node index, with exactly
// one stripe resident at a time. Advancing to the next stripe
// overwrites the previous one's bytes in place.
package ringbuffer

import "github.com/stripefs/stripefs/lib/wire"

// Buffer is a contiguous staging area sized ChunkSize*N, one
// ChunkSize-sized slot per node index.
type Buffer struct {
	data []byte
	n    int
}

// New allocates a Buffer sized for an n-node cluster.
func New(n int) *Buffer {
	return &Buffer{
		data: make([]byte, wire.ChunkSize*int64(n)),
		n:    n,
	}
}

// Slot returns the ChunkSize-sized slice belonging to node index i of
// the currently resident stripe. Writers and readers for distinct
// node indices operate on disjoint slices and need no synchronization
// between each other.
func (b *Buffer) Slot(i int) []byte {
	start := wire.ChunkSize * int64(i)
	return b.data[start : start+wire.ChunkSize]
}

// N returns the number of node slots the buffer is sized for.
func (b *Buffer) N() int {
	return b.n
}
