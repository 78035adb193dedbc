package usb

import (
	"context"
	"sort"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/printd-dev/printd/pkg/ieee1284"
)

// Printer protocols per the USB printer class.
const (
	ProtocolUni = 1
	ProtocolBi  = 2
)

// selection pins one (configuration, interface, alt-setting, endpoints)
// tuple chosen by the finder.
type selection struct {
	confNum     int
	ifaceNum    int
	altNum      int
	numAlts     int
	protocol    int
	readEndp    int // endpoint number, -1 when absent
	writeEndp   int
	ifaceIndex  int // position of the interface within the configuration
}

// Printer is an open USB printer binding. It implements Link.
type Printer struct {
	log *zap.Logger

	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	in  *gousb.InEndpoint // nil for uni-directional matches
	out *gousb.OutEndpoint

	sel      selection
	detached bool // kernel-driver auto-detach was enabled on the handle
}

func (p *Printer) Write(ctx context.Context, b []byte) (int, error) {
	return p.out.WriteContext(ctx, b)
}

func (p *Printer) Read(ctx context.Context, b []byte) (int, error) {
	if p.in == nil {
		return 0, ErrNoBulkIn
	}
	return p.in.ReadContext(ctx, b)
}

func (p *Printer) Bidirectional() bool {
	return p.sel.protocol >= ProtocolBi
}

func (p *Printer) Connected() bool {
	return p.dev != nil
}

func (p *Printer) Reset() error {
	return p.dev.Reset()
}

// DeviceID issues the class-specific GET_DEVICE_ID control read and
// strips the length header, with the vendor endianness accommodation
// handled by the codec.
func (p *Printer) DeviceID(ctx context.Context) (string, error) {
	buf := make([]byte, 1024)

	n, err := p.dev.Control(
		gousb.ControlIn|gousb.ControlClass|gousb.ControlInterface,
		0, // GET_DEVICE_ID
		uint16(p.sel.confNum),
		uint16(p.sel.ifaceIndex<<8|p.sel.altNum),
		buf)
	if err != nil {
		return "", errors.Wrap(err, "GET_DEVICE_ID")
	}

	return ieee1284.ParseLengthPrefixed(buf[:n])
}

// SerialNumber reads the device's string descriptor serial, the fallback
// when the device ID carries none.
func (p *Printer) SerialNumber() string {
	sn, err := p.dev.SerialNumber()
	if err != nil {
		return ""
	}
	return sn
}

// Interface number exposed in the device URI.
func (p *Printer) InterfaceNumber() int { return p.sel.ifaceIndex }

// release gives back the interface and configuration claims but keeps
// the device handle open, so the finder can try the device's next
// printer-class interface.
func (p *Printer) release() {
	if p.intf != nil {
		p.intf.Close()
		p.intf = nil
	}
	if p.cfg != nil {
		if err := p.cfg.Close(); err != nil {
			p.log.Debug("config release failed", zap.Error(err))
		}
		p.cfg = nil
	}
	p.in = nil
	p.out = nil
}

// Close releases the claims and closes the handle. Kernel driver
// re-attachment rides on the auto-detach mechanism and is best-effort.
func (p *Printer) Close() {
	p.release()
	if p.dev != nil {
		if err := p.dev.Close(); err != nil {
			p.log.Debug("device close failed", zap.Error(err))
		}
		p.dev = nil
	}
}

// findSettings scans a device descriptor for every qualifying
// printer-class interface: class 7, subclass 1, protocol 1 (uni) or 2
// (bi), the higher protocol preferred within an interface, a bulk-out
// endpoint required. One selection per interface, in enumeration order;
// the finder offers each in turn.
func findSettings(desc *gousb.DeviceDesc) []selection {
	var sels []selection

	confNums := make([]int, 0, len(desc.Configs))
	for num := range desc.Configs {
		confNums = append(confNums, num)
	}
	sort.Ints(confNums)

	for _, confNum := range confNums {
		conf := desc.Configs[confNum]

		for ifaceIndex, iface := range conf.Interfaces {
			protocol := 0
			var cand selection

			for _, alt := range iface.AltSettings {
				if alt.Class != gousb.ClassPrinter || alt.SubClass != 1 {
					continue
				}
				if alt.Protocol != ProtocolUni && alt.Protocol != ProtocolBi {
					continue
				}
				if int(alt.Protocol) < protocol {
					continue
				}

				readEndp, writeEndp := -1, -1
				eps := make([]gousb.EndpointDesc, 0, len(alt.Endpoints))
				for _, ep := range alt.Endpoints {
					eps = append(eps, ep)
				}
				sort.Slice(eps, func(i, j int) bool { return eps[i].Number < eps[j].Number })

				for _, ep := range eps {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn {
						if readEndp < 0 {
							readEndp = ep.Number
						}
					} else if writeEndp < 0 {
						writeEndp = ep.Number
					}
				}

				// A printer we cannot write to is no printer.
				if writeEndp < 0 {
					continue
				}

				protocol = int(alt.Protocol)
				cand = selection{
					confNum:    confNum,
					ifaceNum:   alt.Number,
					altNum:     alt.Alternate,
					numAlts:    len(iface.AltSettings),
					protocol:   protocol,
					readEndp:   readEndp,
					writeEndp:  writeEndp,
					ifaceIndex: ifaceIndex,
				}
			}

			if protocol > 0 {
				sels = append(sels, cand)
			}
		}
	}

	return sels
}
