// Package usb implements the USB printer backend: device discovery and
// open, IEEE-1284 device-ID handling, and the three-thread coordinator
// that streams a job to the bulk-out endpoint while draining the
// back-channel and serving side-channel commands.
package usb

import (
	"context"

	"github.com/pkg/errors"
)

// Link is the open printer connection the coordinator drives. The gousb
// binding implements it; tests substitute fakes.
type Link interface {
	// Write streams to the bulk-out endpoint.
	Write(ctx context.Context, p []byte) (int, error)
	// Read drains the bulk-in endpoint. ErrNoBulkIn for uni-directional
	// printers.
	Read(ctx context.Context, p []byte) (int, error)
	// DeviceID fetches the IEEE-1284 device ID, header stripped.
	DeviceID(ctx context.Context) (string, error)
	// Reset issues a device-level soft reset.
	Reset() error
	// Bidirectional reports protocol >= 2.
	Bidirectional() bool
	// Connected reports whether the device handle is open.
	Connected() bool
}

// ErrNoBulkIn marks reads on a uni-directional printer.
var ErrNoBulkIn = errors.New("usb: no bulk-in endpoint")
