// Package fdreg tracks the scheduler's descriptor interest set.
//
// Every descriptor the event loop watches is registered here with an owner
// tag and readable/writable interest flags. Updates are O(1); the loop
// takes an O(n) snapshot for each multiplexer call. A descriptor must be
// deregistered before it is closed so the multiplexer never observes a
// closed fd.
package fdreg

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Owner identifies which subsystem a descriptor belongs to.
type Owner uint8

const (
	OwnerNone Owner = iota
	OwnerListener
	OwnerClient
	OwnerClientFile // the per-client filter-pipe descriptor
	OwnerJobStatus
	OwnerBrowse
	OwnerCGI
	OwnerSelfPipe
)

func (o Owner) String() string {
	switch o {
	case OwnerListener:
		return "listener"
	case OwnerClient:
		return "client"
	case OwnerClientFile:
		return "client-file"
	case OwnerJobStatus:
		return "job-status-pipe"
	case OwnerBrowse:
		return "browse"
	case OwnerCGI:
		return "cgi"
	case OwnerSelfPipe:
		return "self-pipe"
	default:
		return "none"
	}
}

// Entry is a registered descriptor's interest state.
type Entry struct {
	Owner    Owner
	Readable bool
	Writable bool
}

// Registry is the interest set. Not safe for concurrent use; only the
// scheduler thread touches it.
type Registry struct {
	entries map[int]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[int]*Entry)}
}

// Register adds a descriptor with no interest flags set. Double
// registration is an invariant violation.
func (r *Registry) Register(fd int, owner Owner) {
	if _, ok := r.entries[fd]; ok {
		panic(fmt.Sprintf("fdreg: fd %d already registered", fd))
	}
	r.entries[fd] = &Entry{Owner: owner}
}

// Deregister removes a descriptor. Must precede close(fd). Removing an
// unknown fd is an invariant violation.
func (r *Registry) Deregister(fd int) {
	if _, ok := r.entries[fd]; !ok {
		panic(fmt.Sprintf("fdreg: fd %d not registered", fd))
	}
	delete(r.entries, fd)
}

// SetReadable flips read interest for fd. Unknown fds are ignored so
// callers can clear interest for descriptors torn down earlier in the
// same tick.
func (r *Registry) SetReadable(fd int, on bool) {
	if e, ok := r.entries[fd]; ok {
		e.Readable = on
	}
}

// SetWritable flips write interest for fd.
func (r *Registry) SetWritable(fd int, on bool) {
	if e, ok := r.entries[fd]; ok {
		e.Writable = on
	}
}

// Contains reports whether fd is registered.
func (r *Registry) Contains(fd int) bool {
	_, ok := r.entries[fd]
	return ok
}

// Lookup returns the entry for fd.
func (r *Registry) Lookup(fd int) (Entry, bool) {
	e, ok := r.entries[fd]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int { return len(r.entries) }

// Snapshot produces the poll set for descriptors with any interest,
// ordered by fd for deterministic diagnostics.
func (r *Registry) Snapshot() []unix.PollFd {
	fds := make([]unix.PollFd, 0, len(r.entries))
	for fd, e := range r.entries {
		var events int16
		if e.Readable {
			events |= unix.POLLIN
		}
		if e.Writable {
			events |= unix.POLLOUT
		}
		if events == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i].Fd < fds[j].Fd })
	return fds
}

// Dump returns a diagnostic view of the whole registry, keyed by fd.
func (r *Registry) Dump() map[int]Entry {
	out := make(map[int]Entry, len(r.entries))
	for fd, e := range r.entries {
		out[fd] = *e
	}
	return out
}
