// Package fsck implements the offline fixity auditor: given the local
// root directories of every storage node in a cluster, it verifies the
// RAID-4 parity invariant (the XOR of all N nodes' chunks in a stripe
// is the zero chunk) directly against on-disk files, and reports a
// BLAKE3 digest per node's copy of each file as a lightweight
// non-parity integrity signal (SPEC_FULL.md §10, §11).
//
// The auditor never talks to a running server; it reads the same
// on-disk chunk-concatenation layout the server itself writes (see
// SPEC_FULL.md §6, "On-disk layout"), mirroring the server's own
// storage access pattern rather than reconstructing it via the wire
// protocol.
package fsck

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/stripefs/stripefs/lib/parity"
	"github.com/stripefs/stripefs/lib/wire"
	"github.com/zeebo/blake3"
)

// Result is the audit outcome for one file across every node root.
type Result struct {
	// Name is the file's path relative to each node's root.
	Name string

	// NodeDigests holds one hex-encoded BLAKE3 digest per root, in
	// the same order as the roots passed to Audit.
	NodeDigests []string

	// SizeMismatch is true when the roots do not agree on the file's
	// on-disk size (itself always a multiple of wire.ChunkSize per
	// the on-disk layout invariant). Stripe-level checking is skipped
	// when this is set, since chunk boundaries cannot be trusted.
	SizeMismatch bool

	// BadStripes lists the stripe indices whose N chunks did not XOR
	// to zero. Always empty for a single-node cluster (no parity to
	// check).
	BadStripes []int64
}

// Clean reports whether the file showed no size mismatch and no bad
// stripes.
func (r Result) Clean() bool {
	return !r.SizeMismatch && len(r.BadStripes) == 0
}

// Audit walks the file list found in roots[0] and checks the parity
// invariant and per-node digests for each file across every root. The
// roots must be given in the same stripe order the client wrote with;
// roots[0] is also used as the authoritative file list, since node
// storage carries no directory metadata of its own beyond the files
// present on disk.
func Audit(roots []string) ([]Result, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("fsck: at least one storage root is required")
	}

	entries, err := os.ReadDir(roots[0])
	if err != nil {
		return nil, fmt.Errorf("fsck: listing %s: %w", roots[0], err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	results := make([]Result, 0, len(names))
	for _, name := range names {
		result, err := auditFile(roots, name)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func auditFile(roots []string, name string) (Result, error) {
	n := len(roots)
	files := make([]*os.File, n)
	sizes := make([]int64, n)

	for i, root := range roots {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			return Result{}, fmt.Errorf("fsck: opening %s on node %d: %w", name, i, err)
		}
		defer f.Close()
		files[i] = f

		info, err := f.Stat()
		if err != nil {
			return Result{}, fmt.Errorf("fsck: statting %s on node %d: %w", name, i, err)
		}
		sizes[i] = info.Size()
	}

	result := Result{Name: name, NodeDigests: make([]string, n)}
	for i := 1; i < n; i++ {
		if sizes[i] != sizes[0] {
			result.SizeMismatch = true
			break
		}
	}

	hashers := make([]*blake3.Hasher, n)
	for i := range hashers {
		hashers[i] = blake3.New()
	}

	stripeCount := int64(0)
	if !result.SizeMismatch {
		stripeCount = sizes[0] / wire.ChunkSize
	}

	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = make([]byte, wire.ChunkSize)
	}
	accum := make([]byte, wire.ChunkSize)

	for s := int64(0); s < stripeCount; s++ {
		for i, f := range files {
			if _, err := io.ReadFull(f, bufs[i]); err != nil {
				return Result{}, fmt.Errorf("fsck: reading stripe %d of %s on node %d: %w", s, name, i, err)
			}
			hashers[i].Write(bufs[i])
		}

		if n > 1 {
			for i := range accum {
				accum[i] = 0
			}
			parity.Compute(accum, bufs)
			if !isZero(accum) {
				result.BadStripes = append(result.BadStripes, s)
			}
		}
	}

	// Hash whatever remains of each file beyond the parity-checkable
	// region (only relevant when SizeMismatch skipped stripe walking).
	for i, f := range files {
		if _, err := io.Copy(hashers[i], f); err != nil {
			return Result{}, fmt.Errorf("fsck: hashing remainder of %s on node %d: %w", name, i, err)
		}
	}

	for i, h := range hashers {
		result.NodeDigests[i] = hex.EncodeToString(h.Sum(nil))
	}

	return result, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
