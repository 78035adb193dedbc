package usb

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/pkg/sidechan"
)

// sideChannelLoop answers driver commands one at a time with a one-second
// read budget. Budget expiry loops; any other read error ends the thread
// (the descriptor was closed by shutdown).
func (c *Coordinator) sideChannelLoop() {
	defer close(c.sideDone)

	for !c.sideStop.Load() {
		cmd, _, _, err := sidechan.Read(c.side, sideBudget)
		if errors.Is(err, sidechan.ErrTimeout) {
			continue
		}
		if err != nil {
			c.log.Debug("side-channel read ended", zap.Error(err))
			return
		}

		c.handleSideCommand(cmd)
	}
}

func (c *Coordinator) handleSideCommand(cmd sidechan.Command) {
	reply := func(status sidechan.Status, data []byte) {
		if err := sidechan.Write(c.side, cmd, status, data, sideBudget); err != nil {
			c.log.Debug("side-channel reply failed", zap.Error(err))
		}
	}

	switch cmd {
	case sidechan.CmdSoftReset:
		c.log.Debug("side-channel soft reset")
		c.softReset()
		reply(sidechan.StatusOK, nil)

	case sidechan.CmdDrainOutput:
		// Deferred: the writer replies once its outbound queue is empty.
		c.log.Debug("side-channel drain output")
		c.drainOutput.Store(true)

	case sidechan.CmdGetBidi:
		bidi := byte(0)
		if c.link.Bidirectional() {
			bidi = 1
		}
		reply(sidechan.StatusOK, []byte{bidi})

	case sidechan.CmdGetDeviceID:
		ctx, cancel := context.WithTimeout(context.Background(), ctrlTimeout)
		id, err := c.link.DeviceID(ctx)
		cancel()
		if err != nil {
			c.log.Debug("device-id fetch failed", zap.Error(err))
			reply(sidechan.StatusIOError, nil)
			return
		}
		reply(sidechan.StatusOK, []byte(id))

	case sidechan.CmdGetState:
		reply(sidechan.StatusOK, []byte{sidechan.StateOnline})

	case sidechan.CmdGetConnected:
		connected := byte(0)
		if c.link.Connected() {
			connected = 1
		}
		reply(sidechan.StatusOK, []byte{connected})

	default:
		c.log.Debug("unknown side-channel command", zap.Int("command", int(cmd)))
		reply(sidechan.StatusNotImplemented, nil)
	}
}

// softReset waits for the writer to release the I/O lock, flushes any
// job data pending on the input descriptor, resets the device, and hands
// the lock back.
func (c *Coordinator) softReset() {
	c.acquireIO()

	// Flush bytes waiting on the job input fd.
	c.printBytes = 0
	flush := make([]byte, 2048)
	pfd := []unix.PollFd{{Fd: int32(c.printFD), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, 0)
		if err != nil || n <= 0 {
			break
		}
		if rn, rerr := unix.Read(c.printFD, flush); rerr != nil || rn <= 0 {
			break
		}
	}

	if err := c.link.Reset(); err != nil {
		c.log.Error("device reset failed", zap.Error(err))
	}

	c.releaseIO()
}
