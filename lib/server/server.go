// Package server implements the storage-node side of the stripe wire
// protocol: accepting connections, dispatching READ / WRITE_PATH /
// WRITE / HEARTBEAT messages, and persisting chunk data under a
// configured root. Each connection owns its own session state; there
// is no process-wide table of open files.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/stripefs/stripefs/lib/netutil"
	"github.com/stripefs/stripefs/lib/wire"
)

// Observer receives activity notifications for the diagnostics
// socket's counters. A nil Observer is fine; Server checks before
// calling each method.
type Observer interface {
	SessionOpened(remote string)
	SessionClosed(remote string)
	BytesReceived(n int64)
	BytesSent(n int64)
}

// Server holds the configuration shared by every accepted connection.
type Server struct {
	Root     string
	Logger   *slog.Logger
	Observer Observer
}

// Serve accepts connections on listener until ctx is cancelled,
// handling each on its own goroutine. It blocks until every
// in-flight connection has finished.
func (srv *Server) Serve(ctx context.Context, listener net.Listener) error {
	logger := srv.logger()

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Error("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.handleConnection(conn)
		}()
	}

	wg.Wait()
	return nil
}

func (srv *Server) logger() *slog.Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// handleConnection dispatches messages on conn until the peer
// disconnects or a protocol error forces the connection closed. It
// owns a single *session local to this goroutine.
func (srv *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := srv.logger().With("remote", remote)

	if srv.Observer != nil {
		srv.Observer.SessionOpened(remote)
		defer srv.Observer.SessionClosed(remote)
	}

	sess := &session{root: srv.Root}
	defer sess.closeFile()

	for {
		header, err := wire.Decode(conn)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				logger.Error("decoding message header", "error", err)
			}
			return
		}

		var handleErr error
		switch header.Type {
		case wire.Read:
			handleErr = srv.handleRead(conn, logger, header)
		case wire.WritePath:
			handleErr = srv.handleWritePath(conn, logger, sess, header)
		case wire.Write:
			handleErr = srv.handleWrite(conn, sess, header)
		case wire.Heartbeat:
			handleErr = srv.handleHeartbeat(conn, header)
		default:
			// Unknown types are ignored: their payload is read and
			// discarded so the stream stays in sync, and the session
			// continues.
			logger.Warn("unknown message type ignored", "type", uint32(header.Type), "length", header.Length)
			if _, err := io.CopyN(io.Discard, conn, int64(header.Length)); err != nil {
				handleErr = fmt.Errorf("discarding unknown message payload: %w", err)
			}
		}

		if handleErr != nil {
			if !netutil.IsExpectedCloseError(handleErr) {
				logger.Error("handling message", "type", header.Type, "error", handleErr)
			}
			return
		}
	}
}

// handleWritePath opens (or re-opens) the file named by the message
// body, resetting the session's write cursor to zero. A second
// WRITE_PATH on the same connection is therefore idempotent: the
// file restarts from the beginning.
func (srv *Server) handleWritePath(conn net.Conn, logger *slog.Logger, sess *session, header wire.Header) error {
	path, err := readPathBody(conn, header.Length)
	if err != nil {
		if errors.Is(err, errOversizePath) {
			logger.Warn("oversize path discarded, session continues", "length", header.Length)
			return nil
		}
		return err
	}
	return sess.openForWrite(path)
}

// handleWrite reads exactly one chunk's worth of data and appends it
// at the session's current cursor. A length other than wire.ChunkSize
// cannot be safely skipped without desyncing the stream, so it is
// treated as fatal for this connection. If no file is open (a stray
// WRITE with no prior WRITE_PATH), the payload is still read in full
// to keep the stream in sync, then discarded.
func (srv *Server) handleWrite(conn net.Conn, sess *session, header wire.Header) error {
	if header.Length != wire.ChunkSize {
		return fmt.Errorf("write chunk length %d != %d", header.Length, wire.ChunkSize)
	}

	buf := make([]byte, header.Length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("reading write payload: %w", err)
	}
	if srv.Observer != nil {
		srv.Observer.BytesReceived(int64(len(buf)))
	}

	return sess.writeChunk(buf)
}

// handleRead opens the file named by the message body and streams it
// back as one READ response: a header carrying the file size followed
// by all of the file's bytes. The client issues one READ per opened
// file and consumes this stream chunk by chunk as it reads stripes.
func (srv *Server) handleRead(conn net.Conn, logger *slog.Logger, header wire.Header) error {
	path, err := readPathBody(conn, header.Length)
	if err != nil {
		if errors.Is(err, errOversizePath) {
			logger.Warn("oversize path discarded, session continues", "length", header.Length)
			return wire.Encode(conn, wire.Header{Type: wire.Read, Length: 0})
		}
		return err
	}

	f, size, err := openForRead(srv.Root, path)
	if err != nil {
		logger.Debug("read open failed", "path", path, "error", err)
		return wire.Encode(conn, wire.Header{Type: wire.Read, Length: 0})
	}
	defer f.Close()

	if err := wire.Encode(conn, wire.Header{Type: wire.Read, Length: uint64(size)}); err != nil {
		return err
	}

	n, err := io.Copy(conn, f)
	if err != nil {
		return fmt.Errorf("streaming read payload: %w", err)
	}
	if srv.Observer != nil {
		srv.Observer.BytesSent(n)
	}
	return nil
}

// handleHeartbeat reads and discards any body, then echoes the header
// back so the client can confirm liveness.
func (srv *Server) handleHeartbeat(conn net.Conn, header wire.Header) error {
	if header.Length > 0 {
		if _, err := io.CopyN(io.Discard, conn, int64(header.Length)); err != nil {
			return fmt.Errorf("discarding heartbeat payload: %w", err)
		}
	}
	return wire.Encode(conn, header)
}

// errOversizePath is returned by readPathBody when length exceeds
// maxPathLength. The oversize payload has already been drained from
// conn by the time it is returned, so the caller can discard this one
// message and keep the connection alive per spec.md §4.1/§7.
var errOversizePath = errors.New("server: oversize path")

// maxPathLength matches spec.md §4.1: paths longer than CHUNK_SIZE−1
// are rejected.
const maxPathLength = wire.ChunkSize - 1

// readPathBody reads length bytes from conn and returns them as a
// path string. A path over maxPathLength is still fully drained from
// conn — so the byte stream stays in sync — but reported as
// errOversizePath instead of being decoded, letting the caller discard
// the one bad message and continue the session.
func readPathBody(conn net.Conn, length uint64) (string, error) {
	if length > maxPathLength {
		if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
			return "", fmt.Errorf("discarding oversize path body: %w", err)
		}
		return "", errOversizePath
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", fmt.Errorf("reading path body: %w", err)
	}
	return string(buf), nil
}
