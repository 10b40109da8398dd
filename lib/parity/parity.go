// Package parity computes and reconstructs RAID-4-style byte-wise XOR
// parity across a stripe's data chunks.
package parity

// Compute XORs dataChunks byte-wise into dest. dest and every chunk in
// dataChunks must be the same length. dest is zeroed by the caller's
// choice; Compute only XORs, it does not clear dest first.
func Compute(dest []byte, dataChunks [][]byte) {
	for _, chunk := range dataChunks {
		xorInto(dest, chunk)
	}
}

// Reconstruct recovers the missing data chunk into dest given the
// stripe's parity chunk and the remaining live data chunks. dest,
// parityChunk, and every chunk in liveChunks must be the same length.
func Reconstruct(dest []byte, parityChunk []byte, liveChunks [][]byte) {
	copy(dest, parityChunk)
	for _, chunk := range liveChunks {
		xorInto(dest, chunk)
	}
}

func xorInto(dest, src []byte) {
	n := len(dest)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dest[i] ^= src[i]
	}
}
