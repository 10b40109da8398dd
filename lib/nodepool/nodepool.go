// Package nodepool manages the client's set of N persistent
// connections to storage nodes, marking a node down on any send or
// receive failure. There is no reconnect; recovery after a node goes
// down relies on parity.
package nodepool

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/stripefs/stripefs/lib/wire"
)

// Slot is one configured storage node: its connection (or down), and
// the send/receive helpers that mark it down atomically on failure.
type Slot struct {
	Address string

	mu   sync.Mutex
	conn net.Conn
	down bool
}

// Down reports whether the slot has been marked down.
func (s *Slot) Down() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// MarkDown stamps the slot as down. Idempotent.
func (s *Slot) MarkDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return
	}
	s.down = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// SendHeader encodes and writes h. A failure marks the slot down.
func (s *Slot) SendHeader(h wire.Header) error {
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	if err := wire.Encode(conn, h); err != nil {
		s.MarkDown()
		return fmt.Errorf("sending header to %s: %w", s.Address, err)
	}
	return nil
}

// RecvHeader reads and decodes a Header. A failure marks the slot down.
func (s *Slot) RecvHeader() (wire.Header, error) {
	conn, err := s.liveConn()
	if err != nil {
		return wire.Header{}, err
	}
	h, err := wire.Decode(conn)
	if err != nil {
		s.MarkDown()
		return wire.Header{}, fmt.Errorf("receiving header from %s: %w", s.Address, err)
	}
	return h, nil
}

// SendAll writes the entirety of data. A short write or error marks
// the slot down.
func (s *Slot) SendAll(data []byte) error {
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		s.MarkDown()
		return fmt.Errorf("sending data to %s: %w", s.Address, err)
	}
	return nil
}

// RecvFull reads exactly len(buf) bytes. A short read or error marks
// the slot down.
func (s *Slot) RecvFull(buf []byte) error {
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		s.MarkDown()
		return fmt.Errorf("receiving data from %s: %w", s.Address, err)
	}
	return nil
}

// Conn exposes the underlying connection for callers (the read
// pipeline) that need to issue their own partial reads instead of
// RecvFull's all-or-nothing semantics. Returns an error if the slot is
// down.
func (s *Slot) Conn() (net.Conn, error) {
	return s.liveConn()
}

func (s *Slot) liveConn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, fmt.Errorf("node %s is down", s.Address)
	}
	return s.conn, nil
}

// Pool is the ordered set of node slots a client mount talks to. Node
// index N-1 is the parity node when len(Slots) >= 2.
type Pool struct {
	Slots  []*Slot
	logger *slog.Logger
}

// Dial connects to every address in order, failing fast on the first
// connection error — this is fatal at client startup, before any node
// slot exists to mark down.
func Dial(addresses []string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("at least one storage node address is required")
	}

	slots := make([]*Slot, len(addresses))
	for i, addr := range addresses {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			// Unwind previously opened connections before failing.
			for j := 0; j < i; j++ {
				_ = slots[j].conn.Close()
			}
			return nil, fmt.Errorf("connecting to node %d (%s): %w", i, addr, err)
		}
		slots[i] = &Slot{Address: addr, conn: conn}
	}

	logger.Info("connected to storage nodes", "count", len(slots))
	return &Pool{Slots: slots, logger: logger}, nil
}

// N returns the number of configured nodes.
func (p *Pool) N() int {
	return len(p.Slots)
}

// DownCount returns how many nodes are currently marked down.
func (p *Pool) DownCount() int {
	count := 0
	for _, s := range p.Slots {
		if s.Down() {
			count++
		}
	}
	return count
}

// Close tears down every live connection.
func (p *Pool) Close() error {
	var firstErr error
	for _, s := range p.Slots {
		s.mu.Lock()
		if !s.down && s.conn != nil {
			if err := s.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.down = true
		s.mu.Unlock()
	}
	return firstErr
}
