package fsadapter

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stripefs/stripefs/lib/nodepool"
	serverpkg "github.com/stripefs/stripefs/lib/server"
)

// fuseAvailable checks whether /dev/fuse is accessible. Tests that need
// a real FUSE mount call this and skip if the device is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

// testMount starts an n-node in-process storage cluster, mounts a
// stripefs filesystem against it, and returns the mountpoint, local
// root, and node pool for direct manipulation.
func testMount(t *testing.T, n int) (mountpoint, localRoot string, pool *nodepool.Pool) {
	t.Helper()
	fuseAvailable(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var addresses []string
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		srv := &serverpkg.Server{Root: t.TempDir()}
		go srv.Serve(ctx, ln)
		addresses = append(addresses, ln.Addr().String())
	}

	pool, err := nodepool.Dial(addresses, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	root := t.TempDir()
	localRoot = filepath.Join(root, "local")
	mountpoint = filepath.Join(root, "mount")

	server, err := Mount(Options{
		Mountpoint: mountpoint,
		LocalRoot:  localRoot,
		Pool:       pool,
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountpoint, localRoot, pool
}

func TestMountEmptyDirListing(t *testing.T) {
	mountpoint, _, _ := testMount(t, 3)

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty mount, got %d entries", len(entries))
	}
}

func TestMountWriteThenReadRoundTrip(t *testing.T) {
	mountpoint, _, _ := testMount(t, 3)

	content := []byte("hello striped world")
	path := filepath.Join(mountpoint, "greeting.txt")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestMountReaddirShowsWrittenFile(t *testing.T) {
	mountpoint, _, _ := testMount(t, 3)

	if err := os.WriteFile(filepath.Join(mountpoint, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mountpoint, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["a.txt"] || !names["b.txt"] {
		t.Errorf("missing expected entries: %v", names)
	}
}

func TestMountGetattrReportsWrittenSize(t *testing.T) {
	mountpoint, _, _ := testMount(t, 3)

	content := bytes.Repeat([]byte("x"), 4096)
	path := filepath.Join(mountpoint, "sized.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Errorf("Size = %d, want %d", info.Size(), len(content))
	}
}

func TestMountLookupMissingFileFails(t *testing.T) {
	mountpoint, _, _ := testMount(t, 3)

	_, err := os.ReadFile(filepath.Join(mountpoint, "nonexistent"))
	if err == nil {
		t.Fatal("expected error reading nonexistent file")
	}
	if !os.IsNotExist(err) {
		t.Errorf("expected ENOENT, got: %v", err)
	}
}

func TestMountReadWriteOpenRejected(t *testing.T) {
	mountpoint, _, _ := testMount(t, 3)

	path := filepath.Join(mountpoint, "rw.txt")
	if err := os.WriteFile(path, []byte("seed"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := os.OpenFile(path, os.O_RDWR, 0); err == nil {
		t.Fatal("expected error opening file read-write")
	}
}

func TestMountSurvivesSingleNodeFailure(t *testing.T) {
	mountpoint, _, pool := testMount(t, 3)

	// The content fits in one FUSE write request, since writeHandle
	// rejects any write at a non-zero offset.
	content := bytes.Repeat([]byte("y"), 4096)
	path := filepath.Join(mountpoint, "resilient.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	pool.Slots[0].MarkDown()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after node failure: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("degraded read did not reconstruct original content")
	}
}
