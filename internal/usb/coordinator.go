package usb

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/pkg/sidechan"
)

// Backend exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
	// ExitStop tells the scheduler the printer should stop.
	ExitStop = 4
)

const (
	printBufferSize = 8192
	bulkTimeout     = 60 * time.Second
	ctrlTimeout     = 5 * time.Second
	readCadence     = 250 * time.Millisecond
	sideBudget      = time.Second

	// Shutdown grace periods: side-channel thread, reader thread, and the
	// extra window after clearing waitEOF.
	waitSideDelay  = 3 * time.Second
	waitEOFDelay   = 7 * time.Second
	waitAbortDelay = time.Second
)

// Coordinator runs one job through an open printer: the main goroutine
// writes, a reader goroutine drains the back-channel, and a side-channel
// goroutine answers driver commands. A single I/O lock serialises access
// around the writer's input wait; stop flags plus bounded waits on done
// channels replace asynchronous cancellation.
type Coordinator struct {
	log  *zap.Logger
	link Link
	back *sidechan.BackChannel
	side sidechan.Conn

	printFD int

	// ioFree holds the I/O lock token. Empty = held. The writer holds the
	// lock by default and hands it off around its input poll.
	ioFree chan struct{}

	readStop    atomic.Bool
	sideStop    atomic.Bool
	waitEOF     atomic.Bool
	drainOutput atomic.Bool

	readDone chan struct{}
	sideDone chan struct{}

	// Writer-side buffer state, touched only while the I/O lock is held
	// (the soft-reset path flushes it under the same lock).
	buf        []byte
	printBytes int
	totalBytes int64
}

// NewCoordinator wires a coordinator to an open link. side may be nil
// when the invoker passed no side-channel descriptor.
func NewCoordinator(log *zap.Logger, link Link, printFD int, back *sidechan.BackChannel, side sidechan.Conn) *Coordinator {
	c := &Coordinator{
		log:      log.Named("coordinator"),
		link:     link,
		back:     back,
		side:     side,
		printFD:  printFD,
		ioFree:   make(chan struct{}, 1),
		readDone: make(chan struct{}),
		sideDone: make(chan struct{}),
		buf:      make([]byte, printBufferSize),
	}
	return c
}

// releaseIO hands the I/O lock to whoever waits for it.
func (c *Coordinator) releaseIO() {
	c.ioFree <- struct{}{}
}

// acquireIO blocks until the lock is free and takes it.
func (c *Coordinator) acquireIO() {
	<-c.ioFree
}

// TotalBytes reports bytes delivered to the bulk-out endpoint.
func (c *Coordinator) TotalBytes() int64 { return c.totalBytes }

// Run streams copies of the job and shuts the helper goroutines down.
// isFile enables the per-copy rewind for spooled (seekable) input.
func (c *Coordinator) Run(copies int, isFile bool) int {
	if c.side != nil {
		go c.sideChannelLoop()
	} else {
		close(c.sideDone)
	}

	if c.link.Bidirectional() {
		go c.readLoop()
	} else {
		close(c.readDone)
	}

	status := ExitOK
	for status == ExitOK && copies > 0 {
		copies--
		c.log.Info("sending data to printer", zap.Int("copies_left", copies))

		if isFile {
			if _, err := unix.Seek(c.printFD, 0, 0); err != nil {
				c.log.Error("rewind failed", zap.Error(err))
				status = ExitFailed
				break
			}
		}

		status = c.writeCopy()
	}

	c.log.Info("job data sent", zap.Int64("bytes", c.totalBytes))
	c.shutdown()
	return status
}

// writeCopy is the per-copy writer loop: wait for input with the I/O lock
// released, then push the buffer to the bulk-out endpoint.
func (c *Coordinator) writeCopy() int {
	for {
		// Input wait timeout: 100ms while residue remains from a partial
		// bulk write, zero while a drain poll is active, infinite
		// otherwise.
		timeoutMs := -1
		if c.printBytes > 0 {
			timeoutMs = 100
		} else if c.drainOutput.Load() {
			timeoutMs = 0
		}

		pfd := []unix.PollFd{{Fd: int32(c.printFD), Events: unix.POLLIN}}
		if c.printBytes > 0 {
			// Nothing to read until the residue drains.
			pfd[0].Events = 0
		}

		c.releaseIO()
		n, err := unix.Poll(pfd, timeoutMs)
		c.acquireIO()

		if err != nil {
			if err == unix.EINTR && c.totalBytes == 0 {
				c.log.Debug("interrupted before any bytes were written, aborting")
				return ExitOK
			}
			if err != unix.EAGAIN && err != unix.EINTR {
				c.log.Error("input wait failed", zap.Error(err))
				return ExitFailed
			}
		}

		// A finished drain request gets its deferred reply once the
		// outbound queue is empty.
		if c.drainOutput.Load() && n == 0 && c.printBytes == 0 {
			c.drainOutput.Store(false)
			if werr := sidechan.Write(c.side, sidechan.CmdDrainOutput, sidechan.StatusOK, nil, sideBudget); werr != nil {
				c.log.Debug("drain reply failed", zap.Error(werr))
			}
		}

		if n > 0 && pfd[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			rn, rerr := unix.Read(c.printFD, c.buf)
			switch {
			case rerr == unix.EAGAIN || rerr == unix.EINTR:
				rn = 0
			case rerr != nil:
				c.log.Error("job data read failed", zap.Error(rerr))
				return ExitFailed
			case rn == 0:
				// End of job data for this copy.
				return ExitOK
			}
			c.printBytes = rn
			c.log.Debug("read job data", zap.Int("bytes", rn))
		}

		if c.printBytes > 0 {
			if status := c.bulkWrite(); status != ExitOK {
				return status
			}
		}
	}
}

// bulkWrite pushes the pending buffer to the device, applying the
// transfer error policy: timeouts are ignored, a stall and an interrupt
// each earn one retry, anything else is fatal to the job.
func (c *Coordinator) bulkWrite() int {
	chunk := c.buf[:c.printBytes]

	ctx, cancel := context.WithTimeout(context.Background(), bulkTimeout)
	n, err := c.link.Write(ctx, chunk)
	cancel()

	switch classify(err) {
	case xferTimeout:
		c.log.Debug("bulk write timeout, keeping residue")
		err = nil
	case xferStall:
		c.log.Debug("bulk write stalled, retrying once")
		n, err = c.retryWrite(chunk)
	case xferInterrupted:
		c.log.Debug("bulk write interrupted, retrying once")
		n, err = c.retryWrite(chunk)
	}

	if err != nil && classify(err) != xferTimeout {
		c.log.Error("bulk write failed", zap.Error(err))
		return ExitFailed
	}

	if n > 0 {
		// Consume only what the device took; the residue drains on the
		// next pass.
		copy(c.buf, c.buf[n:c.printBytes])
		c.printBytes -= n
		c.totalBytes += int64(n)
		c.log.Debug("wrote job data", zap.Int("bytes", n))
	}
	return ExitOK
}

func (c *Coordinator) retryWrite(chunk []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), bulkTimeout)
	defer cancel()
	return c.link.Write(ctx, chunk)
}

// shutdown implements the bounded teardown: side-channel first (close the
// descriptor, release the lock, 3s), then the reader (7s, then clear
// waitEOF so the reader leaves once its current transfer returns, and give
// it one more second). The pending transfer itself is not cancelled.
func (c *Coordinator) shutdown() {
	if c.side != nil {
		if closer, ok := c.side.(interface{ Close() error }); ok {
			closer.Close()
		}
		c.releaseIO()
		c.sideStop.Store(true)

		select {
		case <-c.sideDone:
		case <-time.After(waitSideDelay):
			c.log.Debug("side-channel thread did not exit in time")
		}
	}

	c.readStop.Store(true)

	select {
	case <-c.readDone:
	case <-time.After(waitEOFDelay):
		c.log.Debug("read thread still active, aborting the pending read")
		c.waitEOF.Store(false)

		select {
		case <-c.readDone:
		case <-time.After(waitAbortDelay):
			c.log.Debug("read thread abandoned")
		}
	}
}
