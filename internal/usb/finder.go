package usb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Predicate inspects a candidate printer and returns true to accept it;
// false keeps the search going.
type Predicate func(p *Printer, uri, deviceID string) bool

// ErrNoPrinter means the enumeration finished without an accepted match.
var ErrNoPrinter = errors.New("usb: no matching printer found")

// Find enumerates USB printers and offers every printer-class interface
// of every device to the predicate, in enumeration order: each candidate
// interface is opened, its device URI composed from the IEEE-1284 device
// ID, and on rejection its claims are released so the same device's next
// interface can be tried. The first accepted printer is returned open;
// a device is closed only once all of its interfaces were rejected.
func Find(log *zap.Logger, usbctx *gousb.Context, pred Predicate) (*Printer, error) {
	var found *Printer

	devs, err := usbctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if found != nil {
			return false
		}
		if desc.Vendor == 0 || desc.Product == 0 {
			return false
		}
		return len(findSettings(desc)) > 0
	})
	if err != nil && len(devs) == 0 {
		return nil, errors.Wrap(err, "enumerate devices")
	}

	for _, dev := range devs {
		if found != nil {
			dev.Close()
			continue
		}

		dev.ControlTimeout = ctrlTimeout

		for _, sel := range findSettings(dev.Desc) {
			p, err := openPrinter(log, dev, sel)
			if err != nil {
				log.Debug("candidate open failed",
					zap.String("device", fmt.Sprintf("%s:%s", dev.Desc.Vendor, dev.Desc.Product)),
					zap.Int("interface", sel.ifaceIndex),
					zap.Error(err))
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), ctrlTimeout)
			deviceID, err := p.DeviceID(ctx)
			cancel()
			if err != nil {
				log.Debug("device-id fetch failed", zap.Error(err))
				deviceID = ""
			}

			uri := MakeDeviceURI(deviceID, p.SerialNumber(), p.InterfaceNumber())

			if pred(p, uri, deviceID) {
				found = p
				break
			}
			p.release()
		}

		if found == nil {
			dev.Close()
		}
	}

	if found == nil {
		return nil, ErrNoPrinter
	}
	return found, nil
}

// WaitFor retries Find until a printer matching the requested URI shows
// up, polling on the given interval. This is the backend's behaviour when
// the printer is off or unplugged at job start.
func WaitFor(log *zap.Logger, usbctx *gousb.Context, requested string, interval time.Duration) *Printer {
	for {
		p, err := Find(log, usbctx, func(_ *Printer, uri, _ string) bool {
			return MatchURI(requested, uri)
		})
		if err == nil {
			return p
		}

		log.Info("waiting for printer to become available",
			zap.String("uri", requested))
		time.Sleep(interval)
	}
}
