package fsadapter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/stripefs/stripefs/lib/pipeline"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// localFilePath returns the path of name's local mirror file under
// root. stripefs is a flat namespace, so name never contains a
// separator; FUSE itself never passes one to Lookup/Create.
func localFilePath(root, name string) string {
	return filepath.Join(root, name)
}

// fileNode represents one striped file. Its identity is just a name;
// all byte-level state lives either in the local mirror (size,
// existence) or behind an open handle (a read session or a local
// write descriptor).
type fileNode struct {
	gofuse.Inode
	options *Options
	name    string
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, handle gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := os.Stat(localFilePath(f.options.LocalRoot, f.name))
	if err != nil {
		return syscall.ENOENT
	}
	out.Mode = syscall.S_IFREG | 0o644
	out.Size = uint64(info.Size())
	return 0
}

// Open rejects read-write access outright (syscall.EACCES); a
// write-only open bypasses striping entirely and returns a handle onto
// the local mirror file, per SPEC_FULL.md §4.8 and the resolved Open
// Question 2 in §9 — actual data still reaches the storage nodes on
// each Write call via C6, but Open itself never contacts them. A
// read-only open drives C7 instead.
func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDWR:
		return nil, 0, syscall.EACCES

	case syscall.O_WRONLY:
		localPath := localFilePath(f.options.LocalRoot, f.name)
		local, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			f.options.Logger.Error("local open failed", "name", f.name, "error", err)
			return nil, 0, syscall.EIO
		}
		return &writeHandle{options: f.options, name: f.name, local: local}, 0, 0

	default:
		// The wire protocol pads every stripe to full chunks, so no
		// live node's on-disk byte count can ever reveal an unaligned
		// tail's true length. The local mirror file's stat is the only
		// authoritative record of it — the same way the kernel, not the
		// storage daemon, tracked EOF in the original filesystem.
		info, err := os.Stat(localFilePath(f.options.LocalRoot, f.name))
		if err != nil {
			return nil, 0, syscall.ENOENT
		}
		rs, err := pipeline.Open(f.options.Pool, f.name, info.Size())
		if err != nil {
			f.options.Logger.Error("striped open failed", "name", f.name, "error", err)
			return nil, 0, syscall.EIO
		}
		return &readHandle{options: f.options, name: f.name, rs: rs}, 0, 0
	}
}

// readHandle serves reads from an open pipeline.ReadSession.
type readHandle struct {
	options *Options
	name    string
	rs      *pipeline.ReadSession
}

var _ gofuse.FileReader = (*readHandle)(nil)
var _ gofuse.FileReleaser = (*readHandle)(nil)

func (h *readHandle) Read(ctx context.Context, dest []byte, offset int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.rs.Read(dest, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		h.options.Logger.Error("striped read failed", "name", h.name, "offset", offset, "error", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *readHandle) Release(ctx context.Context) syscall.Errno {
	h.rs.Close()
	return 0
}

// writeHandle mirrors a write-only open's bytes into the local file
// (so Getattr/Readdir can answer without the network) and forwards
// the same bytes through C6. Only offset-zero writes are supported;
// per the resolved Open Question 1, anything else is a hard error
// rather than a silent local-only fallback.
type writeHandle struct {
	mu      sync.Mutex
	options *Options
	name    string
	local   *os.File
}

var _ gofuse.FileWriter = (*writeHandle)(nil)
var _ gofuse.FileFlusher = (*writeHandle)(nil)
var _ gofuse.FileReleaser = (*writeHandle)(nil)

func (h *writeHandle) Write(ctx context.Context, data []byte, offset int64) (uint32, syscall.Errno) {
	if offset != 0 {
		return 0, syscall.EINVAL
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.local.WriteAt(data, 0); err != nil {
		h.options.Logger.Error("local mirror write failed", "name", h.name, "error", err)
		return 0, syscall.EIO
	}
	if err := h.local.Truncate(int64(len(data))); err != nil {
		h.options.Logger.Error("local mirror truncate failed", "name", h.name, "error", err)
		return 0, syscall.EIO
	}

	if _, err := pipeline.Write(h.options.Pool, h.name, data, 0); err != nil {
		if errors.Is(err, pipeline.ErrNodeDown) || errors.Is(err, pipeline.ErrTooManyFailures) {
			h.options.Logger.Error("striped write failed", "name", h.name, "error", err)
			return 0, syscall.EIO
		}
		h.options.Logger.Error("striped write rejected", "name", h.name, "error", err)
		return 0, syscall.EINVAL
	}

	return uint32(len(data)), 0
}

func (h *writeHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.local.Sync(); err != nil {
		h.options.Logger.Error("local mirror sync failed", "name", h.name, "error", err)
		return syscall.EIO
	}
	return 0
}

func (h *writeHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.local.Close(); err != nil {
		return syscall.EIO
	}
	return 0
}
