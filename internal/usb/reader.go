package usb

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// readLoop drains the bulk-in endpoint on a fixed cadence and forwards
// whatever the device says to the back-channel. Transfer errors are
// recoverable here: the device may simply have nothing to say.
func (c *Coordinator) readLoop() {
	defer close(c.readDone)

	buf := make([]byte, 512)

	for c.waitEOF.Load() || !c.readStop.Load() {
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), bulkTimeout)
		n, err := c.link.Read(ctx, buf)
		cancel()

		if n > 0 {
			c.log.Debug("read back-channel data", zap.Int("bytes", n))
			c.back.Write(buf[:n])
		} else {
			switch classify(err) {
			case xferTimeout:
				c.log.Debug("bulk read timeout")
			case xferStall:
				c.log.Debug("bulk read stalled")
			case xferInterrupted:
				c.log.Debug("bulk read interrupted")
			case xferFatal:
				if err != nil {
					c.log.Debug("bulk read failed", zap.Error(err))
				}
			}
		}

		// Throttle to one pass per cadence window when the device had
		// nothing for us.
		if (err != nil || n == 0) && (c.waitEOF.Load() || !c.readStop.Load()) {
			if left := readCadence - time.Since(start); left > 0 {
				time.Sleep(left)
			}
		}
	}
}
