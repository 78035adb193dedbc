package usb

import (
	"context"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

// transferClass sorts bulk-transfer failures into the recovery buckets
// the writer and reader act on.
type transferClass int

const (
	xferOK transferClass = iota
	// xferTimeout: the transfer window elapsed; bytes so far still count.
	xferTimeout
	// xferStall: endpoint pipe stalled; one retry.
	xferStall
	// xferInterrupted: transfer aborted by a signal; one retry.
	xferInterrupted
	// xferFatal: everything else; fatal to the job.
	xferFatal
)

func (c transferClass) String() string {
	switch c {
	case xferOK:
		return "ok"
	case xferTimeout:
		return "timeout"
	case xferStall:
		return "stall"
	case xferInterrupted:
		return "interrupted"
	default:
		return "fatal"
	}
}

// classify maps a transfer error onto its recovery bucket. Context
// deadline expiry is the timeout case: the per-transfer budget, not the
// device, decided.
func classify(err error) transferClass {
	if err == nil {
		return xferOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xferTimeout
	}

	var usbErr gousb.Error
	if errors.As(err, &usbErr) {
		switch usbErr {
		case gousb.ErrorTimeout:
			return xferTimeout
		case gousb.ErrorPipe:
			return xferStall
		case gousb.ErrorInterrupted:
			return xferInterrupted
		}
	}
	return xferFatal
}
