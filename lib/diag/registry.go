// Package diag implements the diagnostics socket shared by
// stripefs-server and stripefs-client: a Unix domain socket that
// answers a single-shot CBOR {"action": "status"} request with a
// snapshot of activity counters. It is optional and carries no data-
// path state — only counters, per SPEC_FULL.md §9's resolution that
// the diagnostics registry is the sole cross-session shared state.
package diag

import (
	"sync"

	"github.com/stripefs/stripefs/lib/clock"
)

// Registry accumulates activity counters for one process (a server
// node or a client mount) and answers Snapshot queries. It implements
// server.Observer so a *server.Server can report directly into it.
type Registry struct {
	clock     clock.Clock
	startedAt int64 // unix nanoseconds, set at construction

	mu            sync.Mutex
	sessions      int
	bytesReceived int64
	bytesSent     int64
}

// NewRegistry creates a Registry that measures uptime against c.
func NewRegistry(c clock.Clock) *Registry {
	return &Registry{
		clock:     c,
		startedAt: c.Now().UnixNano(),
	}
}

// SessionOpened records a newly accepted connection or opened file
// session. remote is accepted for interface compatibility with
// server.Observer but is not itself tracked, in keeping with the
// registry carrying only counters.
func (r *Registry) SessionOpened(remote string) {
	r.mu.Lock()
	r.sessions++
	r.mu.Unlock()
}

// SessionClosed records that a previously opened session has ended.
func (r *Registry) SessionClosed(remote string) {
	r.mu.Lock()
	if r.sessions > 0 {
		r.sessions--
	}
	r.mu.Unlock()
}

// BytesReceived adds n to the received-bytes counter.
func (r *Registry) BytesReceived(n int64) {
	r.mu.Lock()
	r.bytesReceived += n
	r.mu.Unlock()
}

// BytesSent adds n to the sent-bytes counter.
func (r *Registry) BytesSent(n int64) {
	r.mu.Lock()
	r.bytesSent += n
	r.mu.Unlock()
}

// Snapshot is the CBOR-encoded status response body.
type Snapshot struct {
	Sessions      int     `cbor:"sessions"`
	BytesReceived int64   `cbor:"bytes_received"`
	BytesSent     int64   `cbor:"bytes_sent"`
	UptimeSeconds float64 `cbor:"uptime_seconds"`
}

// Snapshot returns the current counter values.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	uptime := r.clock.Now().UnixNano() - r.startedAt
	return Snapshot{
		Sessions:      r.sessions,
		BytesReceived: r.bytesReceived,
		BytesSent:     r.bytesSent,
		UptimeSeconds: float64(uptime) / 1e9,
	}
}
