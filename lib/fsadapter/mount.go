// Package fsadapter exposes a striped filesystem mount, translating
// FUSE's Open/Read/Write/Readdir into calls against lib/pipeline. File
// existence and directory listing are served from a local mirror
// directory (LocalRoot): no network round trip is needed just to
// answer "what files are there", since the storage nodes themselves
// keep no directory structure (see SPEC_FULL.md §6, on-disk layout).
package fsadapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/stripefs/stripefs/lib/nodepool"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// LocalRoot is a local directory mirroring the set of files that
	// exist, used to answer Readdir/Lookup without contacting any
	// storage node.
	LocalRoot string

	// Pool is the dialed set of storage-node connections the read and
	// write pipelines stripe across.
	Pool *nodepool.Pool

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a default
	// stderr text logger is used.
	Logger *slog.Logger
}

// Mount mounts the striped filesystem at options.Mountpoint. The
// caller must call Unmount on the returned *fuse.Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.LocalRoot == "" {
		return nil, fmt.Errorf("local root is required")
	}
	if options.Pool == nil {
		return nil, fmt.Errorf("node pool is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}
	if err := os.MkdirAll(options.LocalRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating local root %s: %w", options.LocalRoot, err)
	}

	root := &rootNode{options: &options}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "stripefs",
			Name:       "stripefs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("stripefs mounted", "mountpoint", options.Mountpoint, "nodes", options.Pool.N())
	return server, nil
}

// rootNode is the filesystem root. It is also the sole directory:
// stripefs is a flat namespace, matching the local-root mirror it
// reads directory entries from.
type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)
var _ gofuse.NodeCreater = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	localPath := localFilePath(r.options.LocalRoot, name)
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, syscall.ENOENT
	}

	node := &fileNode{options: r.options, name: name}
	child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o644
	out.Size = uint64(info.Size())
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(r.options.LocalRoot)
	if err != nil {
		r.options.Logger.Error("readdir failed", "error", err)
		return nil, syscall.EIO
	}

	dirEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dirEntries = append(dirEntries, fuse.DirEntry{Name: entry.Name(), Mode: syscall.S_IFREG})
	}
	return &sliceDirStream{entries: dirEntries}, 0
}

// Create handles O_CREAT opens, matching the write-only bypass
// documented in SPEC_FULL.md §4.8/§9: the local mirror file is what
// Readdir and Lookup see, and is also where write-only data is
// mirrored so Getattr can report a size without a network round trip
// (see file.go's writeHandle).
func (r *rootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE == syscall.O_RDWR {
		return nil, nil, 0, syscall.EACCES
	}

	localPath := localFilePath(r.options.LocalRoot, name)
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		r.options.Logger.Error("create failed", "name", name, "error", err)
		return nil, nil, 0, syscall.EIO
	}

	node := &fileNode{options: r.options, name: name}
	child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o644

	handle := &writeHandle{options: r.options, name: name, local: f}
	return child, handle, 0, 0
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
