// Package sigbridge converts asynchronous signal delivery into events the
// scheduler loop observes synchronously.
//
// A feeder goroutine is the only signal receiver; it writes one tagged
// byte per signal to a non-blocking self-pipe whose read end is registered
// with the multiplexer. The loop drains the pipe at the top of each
// iteration into latched flags. Application state is never touched from
// the signal path.
package sigbridge

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	tagChld byte = 'c'
	tagHup  byte = 'h'
	tagTerm byte = 't'
)

// Latches are the loop-visible signal flags.
type Latches struct {
	DeadChildren  bool
	NeedReload    bool
	StopScheduler bool
}

// Bridge owns the self-pipe and the latch state. Drain, Hold and Release
// are called from the scheduler thread only.
type Bridge struct {
	log     *zap.Logger
	readFD  int
	writeFD int
	sigCh   chan os.Signal

	holdCount int
	pending   Latches
}

// New installs the process signal disposition: CHLD/HUP/TERM feed the
// self-pipe, PIPE is ignored process-wide. When runAsUser is set, HUP is
// treated as a graceful stop instead of a reload.
func New(log *zap.Logger, runAsUser bool) (*Bridge, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "self-pipe")
	}

	b := &Bridge{
		log:     log.Named("sigbridge"),
		readFD:  fds[0],
		writeFD: fds[1],
		sigCh:   make(chan os.Signal, 16),
	}

	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(b.sigCh, syscall.SIGCHLD, syscall.SIGHUP, syscall.SIGTERM)

	go func() {
		for sig := range b.sigCh {
			switch sig {
			case syscall.SIGCHLD:
				b.wake(tagChld)
			case syscall.SIGHUP:
				if runAsUser {
					b.wake(tagTerm)
				} else {
					b.wake(tagHup)
				}
			case syscall.SIGTERM:
				b.wake(tagTerm)
			}
		}
	}()

	return b, nil
}

// wake writes one tag byte. EAGAIN means the pipe already holds unread
// wake-ups; duplicates are harmless, so the byte is dropped.
func (b *Bridge) wake(tag byte) {
	_, err := unix.Write(b.writeFD, []byte{tag})
	if err != nil && err != unix.EAGAIN && err != unix.EINTR {
		b.log.Error("self-pipe write failed", zap.Error(err))
	}
}

// ReadFD returns the pipe end to register readable with the multiplexer.
func (b *Bridge) ReadFD() int { return b.readFD }

// Kick injects a latch without a kernel signal; the admin API uses this
// for operator-initiated reload/stop.
func (b *Bridge) Kick(sig syscall.Signal) {
	select {
	case b.sigCh <- sig:
	default:
	}
}

// Drain empties the self-pipe into the pending latches and returns them.
// While a hold is in effect the pipe still drains but the latches stay
// pending, so critical sections never observe a half-applied flag set.
func (b *Bridge) Drain() Latches {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(b.readFD, buf)
		if n > 0 {
			for _, tag := range buf[:n] {
				switch tag {
				case tagChld:
					b.pending.DeadChildren = true
				case tagHup:
					b.pending.NeedReload = true
				case tagTerm:
					b.pending.StopScheduler = true
				}
			}
		}
		if err != nil || n < len(buf) {
			break
		}
	}

	if b.holdCount > 0 {
		return Latches{}
	}

	out := b.pending
	b.pending = Latches{}
	return out
}

// Hold brackets a critical section; latches are withheld until the
// matching Release. Calls nest.
func (b *Bridge) Hold() { b.holdCount++ }

// Release undoes one Hold. Releasing below zero is an invariant
// violation.
func (b *Bridge) Release() {
	if b.holdCount == 0 {
		panic("sigbridge: release without hold")
	}
	b.holdCount--
}

// Close stops signal delivery and releases the pipe.
func (b *Bridge) Close() {
	signal.Stop(b.sigCh)
	close(b.sigCh)
	unix.Close(b.readFD)
	unix.Close(b.writeFD)
}
