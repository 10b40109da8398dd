package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stripefs/stripefs/lib/testutil"
	"github.com/stripefs/stripefs/lib/wire"
)

func startServer(t *testing.T, root string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &Server{Root: root}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server shutdown after cancel")
	})

	return ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendPathMessage(t *testing.T, conn net.Conn, msgType wire.MessageType, path string) {
	t.Helper()
	if err := wire.Encode(conn, wire.Header{Type: msgType, Length: uint64(len(path))}); err != nil {
		t.Fatalf("encode header: %v", err)
	}
	if _, err := conn.Write([]byte(path)); err != nil {
		t.Fatalf("write path: %v", err)
	}
}

func sendChunk(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	if err := wire.Encode(conn, wire.Header{Type: wire.Write, Length: uint64(len(data))}); err != nil {
		t.Fatalf("encode write header: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
}

// fullChunk returns a ChunkSize-byte WRITE payload that starts with
// prefix and is zero-padded to the full chunk, the only payload size
// the server accepts for WRITE.
func fullChunk(prefix string) []byte {
	c := make([]byte, wire.ChunkSize)
	copy(c, prefix)
	return c
}

func readAll(t *testing.T, conn net.Conn, path string) []byte {
	t.Helper()
	sendPathMessage(t, conn, wire.Read, path)

	header, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode read header: %v", err)
	}
	buf := make([]byte, header.Length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return buf
}

func TestWriteThenRead(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	sendPathMessage(t, conn, wire.WritePath, "greeting.txt")

	payload := fullChunk("hello stripefs")
	sendChunk(t, conn, payload)

	got := readAll(t, conn, "greeting.txt")
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %d bytes, want the %d-byte chunk starting %q", len(got), len(payload), "hello stripefs")
	}
}

func TestWriteAppendsMonotonically(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	sendPathMessage(t, conn, wire.WritePath, "chunks.bin")
	first := fullChunk("AAAA")
	second := fullChunk("BBBB")
	sendChunk(t, conn, first)
	sendChunk(t, conn, second)

	got := readAll(t, conn, "chunks.bin")
	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(got, want) {
		t.Errorf("got %d bytes, want %d: the AAAA chunk followed by the BBBB chunk", len(got), len(want))
	}
}

func TestReopenResetsCursor(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	sendPathMessage(t, conn, wire.WritePath, "restart.bin")
	sendChunk(t, conn, fullChunk("first-version"))
	sendChunk(t, conn, fullChunk("first-version-longer"))

	sendPathMessage(t, conn, wire.WritePath, "restart.bin")
	second := fullChunk("second")
	sendChunk(t, conn, second)

	got := readAll(t, conn, "restart.bin")
	if !bytes.Equal(got, second) {
		t.Errorf("got %d bytes, want only the %d-byte %q chunk (reopen should truncate)", len(got), len(second), "second")
	}
}

func TestWriteWithoutOpenIsDiscarded(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	sendChunk(t, conn, fullChunk("nowhere to go"))

	// Connection should remain usable: a WRITE_PATH afterward still works.
	sendPathMessage(t, conn, wire.WritePath, "after.txt")
	want := fullChunk("ok")
	sendChunk(t, conn, want)

	got := readAll(t, conn, "after.txt")
	if !bytes.Equal(got, want) {
		t.Errorf("got %d bytes, want the %d-byte chunk starting %q", len(got), len(want), "ok")
	}
}

func TestReadMissingFileReturnsZeroLength(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	sendPathMessage(t, conn, wire.Read, "does-not-exist.txt")

	header, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode read header: %v", err)
	}
	if header.Length != 0 {
		t.Errorf("Length = %d, want 0 for missing file", header.Length)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	sendPathMessage(t, conn, wire.WritePath, "../outside.txt")
	sendChunk(t, conn, []byte("should not land"))

	// The connection is closed by the server after a rejected WRITE_PATH;
	// confirm the escape path was never created.
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "outside.txt")); err == nil {
		t.Fatal("traversal path was created outside storage root")
	}
}

func TestOversizePathDiscardedSessionContinues(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	oversize := make([]byte, wire.ChunkSize) // > CHUNK_SIZE-1, the rejection threshold
	if err := wire.Encode(conn, wire.Header{Type: wire.WritePath, Length: uint64(len(oversize))}); err != nil {
		t.Fatalf("encode write_path header: %v", err)
	}
	if _, err := conn.Write(oversize); err != nil {
		t.Fatalf("write oversize path: %v", err)
	}

	// The connection must stay usable: a normal WRITE_PATH afterward
	// still works, proving the bad message was discarded rather than
	// killing the session.
	sendPathMessage(t, conn, wire.WritePath, "after-oversize.txt")
	want := fullChunk("still alive")
	sendChunk(t, conn, want)

	got := readAll(t, conn, "after-oversize.txt")
	if !bytes.Equal(got, want) {
		t.Errorf("got %d bytes, want the %d-byte chunk starting %q", len(got), len(want), "still alive")
	}
}

func TestOversizeReadPathGetsEmptyResponse(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	oversize := make([]byte, wire.ChunkSize)
	if err := wire.Encode(conn, wire.Header{Type: wire.Read, Length: uint64(len(oversize))}); err != nil {
		t.Fatalf("encode read header: %v", err)
	}
	if _, err := conn.Write(oversize); err != nil {
		t.Fatalf("write oversize path: %v", err)
	}

	header, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode read response: %v", err)
	}
	if header.Length != 0 {
		t.Errorf("Length = %d, want 0 for rejected oversize path", header.Length)
	}

	// Session still usable afterward.
	sendPathMessage(t, conn, wire.WritePath, "after-oversize-read.txt")
	want := fullChunk("ok")
	sendChunk(t, conn, want)
	got := readAll(t, conn, "after-oversize-read.txt")
	if !bytes.Equal(got, want) {
		t.Errorf("got %d bytes, want the %d-byte chunk starting %q", len(got), len(want), "ok")
	}
}

func TestHeartbeatEcho(t *testing.T) {
	root := t.TempDir()
	addr := startServer(t, root)
	conn := dial(t, addr)

	if err := wire.Encode(conn, wire.Header{Type: wire.Heartbeat, Length: 0}); err != nil {
		t.Fatalf("encode heartbeat: %v", err)
	}

	header, err := wire.Decode(conn)
	if err != nil {
		t.Fatalf("decode heartbeat response: %v", err)
	}
	if header.Type != wire.Heartbeat {
		t.Errorf("Type = %v, want Heartbeat", header.Type)
	}
}
