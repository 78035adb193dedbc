package usb

import (
	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Standard request SET_CONFIGURATION.
const reqSetConfiguration = 9

// openPrinter runs the open sequence against an already-opened device
// handle:
//
//  1. read the current configuration and switch only when it differs —
//     some vendors accept SET_CONFIGURATION and then silently drop the
//     next job, so a redundant set is never issued; BUSY is swallowed,
//     other failures are logged and tolerated for single-configuration
//     devices,
//  2. move the kernel driver out of the way (a failed probe aborts),
//  3. claim the interface (BUSY means a concurrent opener: fatal),
//  4. select the alternate setting only when the interface has more than
//     one (single-alt devices mishandle SET_INTERFACE).
//
// Any failure after the handle exists releases the claims; the caller
// owns the handle and may try the device's next interface.
func openPrinter(log *zap.Logger, dev *gousb.Device, sel selection) (*Printer, error) {
	p := &Printer{log: log, dev: dev, sel: sel}

	current, err := dev.ActiveConfigNum()
	if err != nil {
		log.Debug("GET_CONFIGURATION failed, assuming unconfigured", zap.Error(err))
		current = 0
	}

	if current != sel.confNum {
		if _, err := dev.Control(
			gousb.ControlOut|gousb.ControlStandard|gousb.ControlDevice,
			reqSetConfiguration, uint16(sel.confNum), 0, nil); err != nil {
			if !errors.Is(err, gousb.ErrorBusy) {
				log.Debug("SET_CONFIGURATION failed",
					zap.Int("config", sel.confNum),
					zap.Error(err))
			}
		}
	}

	// Probe-and-detach: the kernel's usblp driver has to let go of the
	// interface. The handle re-attaches it on release.
	if err := dev.SetAutoDetach(true); err != nil {
		p.release()
		return nil, errors.Wrap(err, "kernel driver probe")
	}
	p.detached = true

	cfg, err := dev.Config(sel.confNum)
	if err != nil {
		p.release()
		return nil, errors.Wrapf(err, "claim configuration %d", sel.confNum)
	}
	p.cfg = cfg

	alt := 0
	if sel.numAlts > 1 {
		alt = sel.altNum
	}

	intf, err := cfg.Interface(sel.ifaceNum, alt)
	if err != nil {
		p.release()
		if errors.Is(err, gousb.ErrorBusy) {
			return nil, errors.Wrapf(err, "interface %d busy (concurrent opener)", sel.ifaceNum)
		}
		return nil, errors.Wrapf(err, "claim interface %d alt %d", sel.ifaceNum, alt)
	}
	p.intf = intf

	out, err := intf.OutEndpoint(sel.writeEndp)
	if err != nil {
		p.release()
		return nil, errors.Wrapf(err, "bulk-out endpoint %d", sel.writeEndp)
	}
	p.out = out

	if sel.protocol >= ProtocolBi && sel.readEndp >= 0 {
		in, err := intf.InEndpoint(sel.readEndp)
		if err != nil {
			// Bi-directional on paper only; carry on uni-directional.
			log.Debug("bulk-in endpoint unavailable", zap.Error(err))
		} else {
			p.in = in
		}
	}

	return p, nil
}
