// Package sidechan implements the driver/backend side-channel protocol.
//
// The scheduler hands every backend a socketpair on a well-known file
// descriptor. Drivers send one command frame at a time and read back one
// response frame; both directions use a fixed four-byte header (command,
// status, big-endian data length) followed by the data bytes.
package sidechan

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// FD is the descriptor number the backend inherits the side-channel
// socketpair on.
const FD = 4

// BackChannelFD carries device-to-host data back to the driver.
const BackChannelFD = 3

// MaxDataLen bounds a single frame's payload.
const MaxDataLen = 2048

// Command identifies a side-channel request.
type Command byte

const (
	CmdNone        Command = iota
	CmdSoftReset           // reset the device, flushing pending job data
	CmdDrainOutput         // reply once all buffered output reached the device
	CmdGetBidi             // is the connection bidirectional?
	CmdGetDeviceID         // IEEE-1284 device ID
	CmdGetState            // device state
	CmdGetConnected        // is the device open?
)

// Status is the response disposition.
type Status byte

const (
	StatusNone Status = iota
	StatusOK
	StatusIOError
	StatusTimeout
	StatusNotImplemented
)

// Device state byte for CmdGetState responses.
const (
	StateOffline byte = 0
	StateOnline  byte = 1
)

var (
	ErrTimeout  = errors.New("sidechan: read timed out")
	ErrTooLarge = errors.New("sidechan: frame data too large")
)

// Conn is the minimal deadline-capable stream the protocol runs over.
// Both *os.File (the inherited socketpair end) and net.Conn satisfy it.
type Conn interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Read consumes one frame within the given budget. A deadline expiry is
// reported as ErrTimeout so callers can loop; any other error means the
// channel is gone.
func Read(c Conn, budget time.Duration) (Command, Status, []byte, error) {
	if err := c.SetReadDeadline(time.Now().Add(budget)); err != nil {
		return CmdNone, StatusNone, nil, errors.Wrap(err, "set deadline")
	}

	var header [4]byte
	if _, err := io.ReadFull(c, header[:]); err != nil {
		if os.IsTimeout(err) {
			return CmdNone, StatusNone, nil, ErrTimeout
		}
		return CmdNone, StatusNone, nil, errors.Wrap(err, "read header")
	}

	datalen := int(binary.BigEndian.Uint16(header[2:]))
	if datalen > MaxDataLen {
		return CmdNone, StatusNone, nil, ErrTooLarge
	}

	var data []byte
	if datalen > 0 {
		data = make([]byte, datalen)
		if _, err := io.ReadFull(c, data); err != nil {
			if os.IsTimeout(err) {
				return CmdNone, StatusNone, nil, ErrTimeout
			}
			return CmdNone, StatusNone, nil, errors.Wrap(err, "read data")
		}
	}

	return Command(header[0]), Status(header[1]), data, nil
}

// Write emits one frame within the given budget.
func Write(c Conn, cmd Command, status Status, data []byte, budget time.Duration) error {
	if len(data) > MaxDataLen {
		return ErrTooLarge
	}

	if err := c.SetWriteDeadline(time.Now().Add(budget)); err != nil {
		return errors.Wrap(err, "set deadline")
	}

	frame := make([]byte, 4+len(data))
	frame[0] = byte(cmd)
	frame[1] = byte(status)
	binary.BigEndian.PutUint16(frame[2:], uint16(len(data)))
	copy(frame[4:], data)

	if _, err := c.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}
