package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	original := Header{Type: Write, Length: ChunkSize}

	var buf bytes.Buffer
	if err := Encode(&buf, original); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if buf.Len() != HeaderSize {
		t.Fatalf("encoded header is %d bytes, want %d", buf.Len(), HeaderSize)
	}

	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestDecodeShortRead(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{1, 2, 3}))
	if err == nil {
		t.Fatal("expected error decoding truncated header")
	}
	if err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestMessageTypeString(t *testing.T) {
	cases := map[MessageType]string{
		Read:      "READ",
		WritePath: "WRITE_PATH",
		Write:     "WRITE",
		Heartbeat: "HEARTBEAT",
	}
	for mt, want := range cases {
		if got := mt.String(); got != want {
			t.Errorf("MessageType(%d).String() = %q, want %q", mt, got, want)
		}
	}
}

func TestZeroLengthFailureResponse(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, Header{Type: Read, Length: 0}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Length != 0 {
		t.Errorf("expected zero length, got %d", decoded.Length)
	}
}
