// Package mux wraps poll(2) as the scheduler's single blocking wait.
// Level-triggered readiness only; interest snapshots come from the fd
// registry and a fresh snapshot is passed on every call.
package mux

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Ready describes one descriptor poll reported ready.
type Ready struct {
	FD       int
	Readable bool
	Writable bool
}

// Wait blocks on the snapshot for up to timeoutSec seconds. An
// interrupted wait returns an empty ready set and no error; the loop
// treats it as a zero-work tick. Any other poll failure is returned for
// the caller to escalate.
func Wait(set []unix.PollFd, timeoutSec int64) ([]Ready, error) {
	if timeoutSec < 0 {
		timeoutSec = 0
	}
	timeoutMs := int(timeoutSec * 1000)

	n, err := unix.Poll(set, timeoutMs)
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return nil, nil
		}
		return nil, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]Ready, 0, n)
	for _, pfd := range set {
		if pfd.Revents == 0 {
			continue
		}
		ready = append(ready, Ready{
			FD: int(pfd.Fd),
			// HUP and ERR surface as readable so owners observe EOF or
			// the failure on their next read.
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
		})
	}
	return ready, nil
}

// ReadySet indexes a ready list by descriptor. The scheduler clears bits
// locally (job status pipes) without touching the registry.
type ReadySet map[int]Ready

// NewReadySet builds the index.
func NewReadySet(ready []Ready) ReadySet {
	set := make(ReadySet, len(ready))
	for _, r := range ready {
		set[r.FD] = r
	}
	return set
}

// Readable reports read-readiness for fd.
func (s ReadySet) Readable(fd int) bool { return s[fd].Readable }

// Writable reports write-readiness for fd.
func (s ReadySet) Writable(fd int) bool { return s[fd].Writable }

// Clear drops fd from the local snapshot.
func (s ReadySet) Clear(fd int) { delete(s, fd) }
