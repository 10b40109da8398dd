package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath joins a client-supplied relative path onto root and
// rejects anything that would escape it. The cleaned path is rejected
// if it is empty or any of its segments is "..", then the joined
// result is confirmed to stay lexically inside root — the source
// implementation concatenated paths without any such check.
func resolvePath(root, relative string) (string, error) {
	cleaned := filepath.Clean(relative)
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("empty path")
	}

	for _, segment := range strings.Split(cleaned, string(filepath.Separator)) {
		if segment == ".." {
			return "", fmt.Errorf("path %q escapes storage root", relative)
		}
	}

	full := filepath.Join(root, cleaned)
	rootClean := filepath.Clean(root)
	if full != rootClean && !strings.HasPrefix(full, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root", relative)
	}

	return full, nil
}

// session holds the per-connection state the server session state
// machine needs: a private file handle and append cursor, owned
// entirely by the goroutine handling this connection. Nothing here is
// shared across connections — see SPEC_FULL.md §9 on the global file
// map this replaces.
type session struct {
	root string

	file   *os.File
	cursor int64
}

// openForWrite closes any previously open file on this session and
// opens path for truncating write, resetting the cursor to zero. A
// second WRITE_PATH on the same connection is therefore idempotent:
// it restarts the file from scratch.
func (s *session) openForWrite(relative string) error {
	s.closeFile()

	full, err := resolvePath(s.root, relative)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %q: %w", relative, err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening %q for write: %w", relative, err)
	}

	s.file = f
	s.cursor = 0
	return nil
}

// writeChunk writes data at the session's current cursor and advances
// it. If no file is open, the payload is silently discarded, matching
// the original's tolerance for a stray WRITE with no prior
// WRITE_PATH.
func (s *session) writeChunk(data []byte) error {
	if s.file == nil {
		return nil
	}
	n, err := s.file.WriteAt(data, s.cursor)
	if err != nil {
		return fmt.Errorf("writing %d bytes at offset %d: %w", len(data), s.cursor, err)
	}
	s.cursor += int64(n)
	return nil
}

// openForRead resolves and opens path relative to root for reading.
// The caller is responsible for closing the returned file.
func openForRead(root, relative string) (*os.File, int64, error) {
	full, err := resolvePath(root, relative)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	return f, info.Size(), nil
}

func (s *session) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}
