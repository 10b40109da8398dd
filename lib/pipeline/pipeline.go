// Package pipeline implements the client-side striping engine: the
// write pipeline decomposes a buffer into parity-protected stripes
// and dispatches them across a node pool; the read pipeline drives
// per-node streaming reads into a shared ring buffer and reconstructs
// any chunk whose node is down.
package pipeline

import "errors"

// ErrNodeDown is returned when the single node in an N=1 cluster is
// unreachable.
var ErrNodeDown = errors.New("pipeline: node is down")

// ErrTooManyFailures is returned when more than one node is down at
// once, which parity cannot recover from.
var ErrTooManyFailures = errors.New("pipeline: more than one node is down")

// ErrUnsupportedOffset is returned for any write that does not start
// at offset zero.
var ErrUnsupportedOffset = errors.New("pipeline: only offset-zero writes are supported")
