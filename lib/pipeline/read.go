package pipeline

import (
	"fmt"
	"io"
	"sync"

	"github.com/stripefs/stripefs/lib/nodepool"
	"github.com/stripefs/stripefs/lib/parity"
	"github.com/stripefs/stripefs/lib/ringbuffer"
	"github.com/stripefs/stripefs/lib/stripe"
	"github.com/stripefs/stripefs/lib/wire"
)

// nodeState tracks one node slot's progress through the stream it is
// currently (or was most recently) fetching: whether a worker is
// active, how many bytes of the current chunk have landed in the
// ring buffer, and the file-space offset that chunk starts at.
type nodeState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	active  bool
	written int64
	offset  int64
	err     error
}

func newNodeState() *nodeState {
	s := &nodeState{offset: -1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ReadSession is an open, striped file being read. Node slots are
// shared with the rest of the client process (per SPEC_FULL.md §5);
// only one ReadSession should be actively filling stripes at a time.
type ReadSession struct {
	pool      *nodepool.Pool
	path      string
	n         int
	dataNodes int
	stride    int64
	fileSize  int64

	ring  *ringbuffer.Buffer
	nodes []*nodeState
	wg    sync.WaitGroup

	parityMu     sync.Mutex
	parityOpened bool
}

// Open issues a READ for path to the first N−1 nodes (or the sole
// node when N=1), falling back to the parity node as a stand-in for
// at most one failure. size is the file's authoritative logical
// length: every WRITE pads its stripe to a full chunk, so a live
// node's on-disk byte count can only ever confirm how many whole
// stripes were written, never an unaligned tail. The caller (in
// practice lib/fsadapter, backed by its local mirror file's stat) owns
// that length, the same way the original filesystem left EOF
// detection to the kernel's idea of the file's size rather than the
// storage daemon. Open still uses the live nodes' reported length to
// bound size against the stripes actually present.
func Open(pool *nodepool.Pool, path string, size int64) (*ReadSession, error) {
	n := pool.N()
	dataNodes := stripe.DataNodes(n)
	stride := stripe.StrideBytes(n)
	pathBytes := []byte(path)

	sendRead := func(slot *nodepool.Slot) (wire.Header, error) {
		if err := slot.SendHeader(wire.Header{Type: wire.Read, Length: uint64(len(pathBytes))}); err != nil {
			return wire.Header{}, err
		}
		if err := slot.SendAll(pathBytes); err != nil {
			return wire.Header{}, err
		}
		return slot.RecvHeader()
	}

	headers := make([]wire.Header, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var failedPrimaries []int

	for i := 0; i < dataNodes; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := sendRead(pool.Slots[i])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failedPrimaries = append(failedPrimaries, i)
				return
			}
			headers[i] = h
		}()
	}
	wg.Wait()

	if len(failedPrimaries) > 1 {
		return nil, fmt.Errorf("pipeline: open %q: %w", path, ErrTooManyFailures)
	}

	failedIdx := -1
	if len(failedPrimaries) == 1 {
		failedIdx = failedPrimaries[0]
		if n == 1 {
			return nil, fmt.Errorf("pipeline: open %q: %w", path, ErrNodeDown)
		}
		h, err := sendRead(pool.Slots[n-1])
		if err != nil {
			return nil, fmt.Errorf("pipeline: open %q: node %d and parity both unreachable: %w", path, failedIdx, ErrTooManyFailures)
		}
		headers[n-1] = h
	}

	// A live data node's on-disk size is always an exact multiple of
	// CHUNK_SIZE (one chunk per stripe) — it reflects how many stripes
	// exist, not the client's logical byte length within the final
	// stripe. It bounds the range Open can legitimately serve: size
	// must not claim more than that many whole stripes hold.
	rawLength := int64(-1)
	for i := 0; i < dataNodes; i++ {
		if i != failedIdx {
			rawLength = int64(headers[i].Length)
			break
		}
	}
	if rawLength < 0 {
		return nil, fmt.Errorf("pipeline: open %q: no live node could report file size", path)
	}
	stripeCount := rawLength / wire.ChunkSize
	capacity := stripeCount * stride
	if size < 0 || size > capacity {
		return nil, fmt.Errorf("pipeline: open %q: reported size %d exceeds node capacity %d", path, size, capacity)
	}
	fileSize := size

	nodes := make([]*nodeState, n)
	for i := range nodes {
		nodes[i] = newNodeState()
	}

	rs := &ReadSession{
		pool:      pool,
		path:      path,
		n:         n,
		dataNodes: dataNodes,
		stride:    stride,
		fileSize:  fileSize,
		ring:      ringbuffer.New(n),
		nodes:     nodes,
	}
	if failedIdx >= 0 {
		rs.parityOpened = true
	}
	return rs, nil
}

// ensureParityOpened lazily issues the parity node's READ request the
// first time reconstruction is needed — per SPEC_FULL.md §4.7, the
// parity stream stays unused until a data node actually fails.
func (rs *ReadSession) ensureParityOpened() error {
	if rs.n <= 1 {
		return fmt.Errorf("pipeline: read %q: no parity node in a single-node cluster", rs.path)
	}

	rs.parityMu.Lock()
	defer rs.parityMu.Unlock()
	if rs.parityOpened {
		return nil
	}

	slot := rs.pool.Slots[rs.n-1]
	pathBytes := []byte(rs.path)
	if err := slot.SendHeader(wire.Header{Type: wire.Read, Length: uint64(len(pathBytes))}); err != nil {
		return err
	}
	if err := slot.SendAll(pathBytes); err != nil {
		return err
	}
	if _, err := slot.RecvHeader(); err != nil {
		return err
	}
	rs.parityOpened = true
	return nil
}

// Size returns the file's logical length as passed to Open.
func (rs *ReadSession) Size() int64 {
	return rs.fileSize
}

// Close waits for any detached streaming workers to finish before the
// caller tears down the underlying node pool.
func (rs *ReadSession) Close() {
	rs.wg.Wait()
}

// Read fills buf starting at offset with the session's file content,
// reconstructing from parity if exactly one node is down. Returns
// io.EOF once offset is at or past the file's logical size.
func (rs *ReadSession) Read(buf []byte, offset int64) (int, error) {
	if offset >= rs.fileSize {
		return 0, io.EOF
	}
	end := offset + int64(len(buf))
	if end > rs.fileSize {
		end = rs.fileSize
	}
	if end <= offset {
		return 0, io.EOF
	}

	startStripe := offset / rs.stride
	endStripe := (end - 1) / rs.stride

	// The ring buffer holds exactly one stripe at a time — fillStripe
	// overwrites it in place. Each stripe's bytes must therefore be
	// copied out before the next stripe is requested; requesting every
	// stripe up front would let later fills clobber earlier ones before
	// they are read (SPEC_FULL.md §9, resolved Open Question 5).
	copied := 0
	pos := offset
	for s := startStripe; s <= endStripe; s++ {
		if err := rs.fillStripe(s, offset, end); err != nil {
			return 0, err
		}

		stripeStart := s * rs.stride
		stripeEnd := stripeStart + rs.stride
		segEnd := end
		if stripeEnd < segEnd {
			segEnd = stripeEnd
		}

		for pos < segEnd {
			withinStride := pos - stripeStart
			node := int(withinStride / wire.ChunkSize)
			inChunk := withinStride % wire.ChunkSize

			n := segEnd - pos
			if room := wire.ChunkSize - inChunk; n > room {
				n = room
			}

			slot := rs.ring.Slot(node)
			copy(buf[copied:copied+int(n)], slot[inChunk:inChunk+n])

			copied += int(n)
			pos += n
		}
	}

	return copied, nil
}

// fillStripe ensures every data chunk of stripe stripeIdx that
// overlaps [rangeStart, rangeEnd) is resident in the ring buffer,
// reconstructing from parity if a data node is down — whether it was
// already down at the start of the call or fails partway through.
func (rs *ReadSession) fillStripe(stripeIdx, rangeStart, rangeEnd int64) error {
	stripeStart := stripeIdx * rs.stride

	anyNeeded := false
	for i := 0; i < rs.dataNodes; i++ {
		chunkStart := stripeStart + int64(i)*wire.ChunkSize
		chunkEnd := chunkStart + wire.ChunkSize
		if chunkEnd > rangeStart && chunkStart < rangeEnd {
			anyNeeded = true
			break
		}
	}
	if !anyNeeded {
		return nil
	}

	type result struct {
		idx int
		err error
	}
	results := make(chan result, rs.n)
	var wg sync.WaitGroup

	knownDown := -1
	for i := 0; i < rs.dataNodes; i++ {
		if rs.pool.Slots[i].Down() {
			knownDown = i
			continue
		}
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rs.ensureChunk(i, stripeStart+int64(i)*wire.ChunkSize)
			results <- result{i, err}
		}()
	}

	if knownDown >= 0 {
		if rs.n == 1 {
			return fmt.Errorf("pipeline: read %q: %w", rs.path, ErrNodeDown)
		}
		if err := rs.ensureParityOpened(); err != nil {
			return fmt.Errorf("pipeline: read %q: parity node unreachable: %w", rs.path, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rs.ensureChunk(rs.n-1, stripeStart+int64(rs.dataNodes)*wire.ChunkSize)
			results <- result{rs.n - 1, err}
		}()
	}

	wg.Wait()
	close(results)

	failedIdx := knownDown
	for r := range results {
		if r.err == nil {
			continue
		}
		if r.idx == rs.n-1 {
			return fmt.Errorf("pipeline: read %q: parity node failed during reconstruction: %w", rs.path, r.err)
		}
		if failedIdx >= 0 && failedIdx != r.idx {
			return fmt.Errorf("pipeline: read %q: %w", rs.path, ErrTooManyFailures)
		}
		failedIdx = r.idx
	}

	if failedIdx < 0 {
		return nil
	}

	if knownDown < 0 {
		// Discovered the failure mid-stripe: the parity fetch above was
		// never started, so open and fetch it now before reconstructing.
		if rs.n == 1 {
			return fmt.Errorf("pipeline: read %q: %w", rs.path, ErrNodeDown)
		}
		if err := rs.ensureParityOpened(); err != nil {
			return fmt.Errorf("pipeline: read %q: parity node unreachable: %w", rs.path, err)
		}
		if err := rs.ensureChunk(rs.n-1, stripeStart+int64(rs.dataNodes)*wire.ChunkSize); err != nil {
			return fmt.Errorf("pipeline: read %q: parity node failed during reconstruction: %w", rs.path, err)
		}
	}

	liveChunks := make([][]byte, 0, rs.dataNodes-1)
	for i := 0; i < rs.dataNodes; i++ {
		if i != failedIdx {
			liveChunks = append(liveChunks, rs.ring.Slot(i))
		}
	}
	parity.Reconstruct(rs.ring.Slot(failedIdx), rs.ring.Slot(rs.n-1), liveChunks)
	return nil
}

// ensureChunk guarantees that node idx's chunk starting at fileOffset
// is fully resident in the ring buffer, spawning a streaming worker
// if it is not already there or in flight.
func (rs *ReadSession) ensureChunk(idx int, fileOffset int64) error {
	node := rs.nodes[idx]

	node.mu.Lock()
	if node.offset == fileOffset && node.written >= wire.ChunkSize {
		err := node.err
		node.mu.Unlock()
		return err
	}
	for node.active {
		node.cond.Wait()
	}
	if node.offset == fileOffset && node.written >= wire.ChunkSize {
		err := node.err
		node.mu.Unlock()
		return err
	}

	node.offset = fileOffset
	node.written = 0
	node.err = nil
	node.active = true
	node.mu.Unlock()

	rs.wg.Add(1)
	go rs.streamChunk(idx)

	node.mu.Lock()
	for node.written < wire.ChunkSize {
		node.cond.Wait()
	}
	err := node.err
	node.mu.Unlock()
	return err
}

// streamChunk performs the blocking network reads for one chunk,
// publishing progress under the node's mutex after every read so
// ensureChunk's waiter can observe completion.
func (rs *ReadSession) streamChunk(idx int) {
	defer rs.wg.Done()
	node := rs.nodes[idx]

	conn, err := rs.pool.Slots[idx].Conn()
	if err != nil {
		rs.finishChunk(idx, err)
		return
	}

	slot := rs.ring.Slot(idx)
	written := 0
	for written < wire.ChunkSize {
		n, err := conn.Read(slot[written:])
		if err != nil {
			rs.pool.Slots[idx].MarkDown()
			rs.finishChunk(idx, err)
			return
		}
		written += n
		node.mu.Lock()
		node.written = int64(written)
		node.cond.Broadcast()
		node.mu.Unlock()
	}
	rs.finishChunk(idx, nil)
}

func (rs *ReadSession) finishChunk(idx int, err error) {
	node := rs.nodes[idx]
	node.mu.Lock()
	node.active = false
	node.err = err
	if err != nil {
		node.written = wire.ChunkSize
	}
	node.cond.Broadcast()
	node.mu.Unlock()
}
