package pipeline

import (
	"fmt"
	"sync"

	"github.com/stripefs/stripefs/lib/nodepool"
	"github.com/stripefs/stripefs/lib/parity"
	"github.com/stripefs/stripefs/lib/stripe"
	"github.com/stripefs/stripefs/lib/wire"
)

// Write stripes buf across pool's nodes under path, starting a fresh
// file (any prior content is discarded via WRITE_PATH). Only
// offset-zero writes are supported; the returned count is always
// len(buf) unless the sole node in a single-node cluster is down
// (ErrNodeDown) or more than one node of a larger cluster is down once
// the stripes have been sent (ErrTooManyFailures).
func Write(pool *nodepool.Pool, path string, buf []byte, offset int64) (int, error) {
	if offset != 0 {
		return 0, fmt.Errorf("%w: got offset %d", ErrUnsupportedOffset, offset)
	}

	n := pool.N()
	stride := stripe.StrideBytes(n)
	dataNodes := stripe.DataNodes(n)

	announcePath(pool, path)

	stripeCount := 0
	if len(buf) > 0 {
		stripeCount = int((int64(len(buf)) + stride - 1) / stride)
	}

	scratch := make([]byte, stride)
	for s := 0; s < stripeCount; s++ {
		for i := range scratch {
			scratch[i] = 0
		}

		start := int64(s) * stride
		end := start + stride
		if end > int64(len(buf)) {
			end = int64(len(buf))
		}
		copy(scratch, buf[start:end])

		sendStripe(pool, scratch, n, dataNodes)
	}

	if n == 1 && pool.Slots[0].Down() {
		return 0, fmt.Errorf("pipeline: write %q: %w", path, ErrNodeDown)
	}
	if n > 1 && pool.DownCount() > 1 {
		return 0, fmt.Errorf("pipeline: write %q: %w", path, ErrTooManyFailures)
	}
	return len(buf), nil
}

// announcePath sends WRITE_PATH to every currently live node. A node
// whose send fails is marked down by nodepool.Slot itself and simply
// skipped for the rest of the write.
func announcePath(pool *nodepool.Pool, path string) {
	pathBytes := []byte(path)
	for _, slot := range pool.Slots {
		if slot.Down() {
			continue
		}
		if err := slot.SendHeader(wire.Header{Type: wire.WritePath, Length: uint64(len(pathBytes))}); err != nil {
			continue
		}
		_ = slot.SendAll(pathBytes)
	}
}

// sendStripe computes parity over scratch (sized stride bytes) and
// dispatches one WRITE per live node in parallel, waiting for all of
// them before returning.
func sendStripe(pool *nodepool.Pool, scratch []byte, n, dataNodes int) {
	var parityChunk []byte
	if n > 1 {
		parityChunk = make([]byte, wire.ChunkSize)
		dataChunks := make([][]byte, dataNodes)
		for i := 0; i < dataNodes; i++ {
			dataChunks[i] = scratch[int64(i)*wire.ChunkSize : int64(i+1)*wire.ChunkSize]
		}
		parity.Compute(parityChunk, dataChunks)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		slot := pool.Slots[i]
		if slot.Down() {
			continue
		}

		var chunk []byte
		switch {
		case n == 1:
			chunk = scratch
		case i < dataNodes:
			chunk = scratch[int64(i)*wire.ChunkSize : int64(i+1)*wire.ChunkSize]
		default:
			chunk = parityChunk
		}

		wg.Add(1)
		go func(slot *nodepool.Slot, chunk []byte) {
			defer wg.Done()
			if err := slot.SendHeader(wire.Header{Type: wire.Write, Length: wire.ChunkSize}); err != nil {
				return
			}
			_ = slot.SendAll(chunk)
		}(slot, chunk)
	}
	wg.Wait()
}
