// Package wire implements stripefs's framed message protocol between
// a client and a storage node.
//
// Every message begins with a fixed 16-byte [Header]: a 4-byte type
// tag, 4 bytes of padding, and an 8-byte little-endian length. The
// payload, if any, follows immediately with no further framing.
// Header size is stable within a build; both endpoints are assumed
// same architecture, so encoding is host-native little-endian.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ChunkSize is the fixed size of every chunk transferred over the
// wire: exactly one MessageType.WRITE payload, and the unit the
// server streams READ responses in.
const ChunkSize = 1 << 20 // 1 MiB

// HeaderSize is the on-wire size of a Header.
const HeaderSize = 16

// MessageType identifies the kind of message a Header describes.
type MessageType uint32

const (
	// Read requests the contents of a file. Payload is the UTF-8
	// path. The server responds with a Header whose Length is the
	// file size, followed by that many bytes.
	Read MessageType = iota
	// WritePath opens a file for truncating write on the connection.
	// Payload is the UTF-8 path. No reply.
	WritePath
	// Write carries exactly ChunkSize bytes appended at the
	// connection's current cursor. No reply.
	Write
	// Heartbeat is echoed back verbatim by the server.
	Heartbeat
)

func (t MessageType) String() string {
	switch t {
	case Read:
		return "READ"
	case WritePath:
		return "WRITE_PATH"
	case Write:
		return "WRITE"
	case Heartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// Header is the fixed-size record that precedes every message and
// every server response.
type Header struct {
	Type MessageType
	// Length is the payload byte count that follows, except on a
	// server's response to Read (where it is the file size) and on
	// failure responses (where it is zero).
	Length uint64
}

// Encode writes h to w as a 16-byte record.
func Encode(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint64(buf[8:16], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// Decode reads a 16-byte record from r into a Header. It blocks until
// the full header is available, matching the original protocol's
// "wait for all bytes" receive semantics.
func Decode(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:   MessageType(binary.LittleEndian.Uint32(buf[0:4])),
		Length: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}
