//go:build linux

package scheduler

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/internal/model"
)

// Printer type flags carried in browse packets.
const (
	printerTypeShared = 0x1
	printerTypeRemote = 0x2
)

// browser owns the UDP socket printers are advertised and discovered on.
type browser struct {
	fd   int
	port int
}

func openBrowser(port int) (*browser, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "browse socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "SO_REUSEADDR")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "SO_BROADCAST")
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind browse port %d", port)
	}

	return &browser{fd: fd, port: port}, nil
}

// sendBrowseList advertises every shared local printer with one datagram:
//
//	<type-hex> <state-hex> <uri> "<location>" "<info>" "<make-model>"
func (s *Scheduler) sendBrowseList() {
	now := s.clk.Now()
	dest := &unix.SockaddrInet4{Port: s.browse.port, Addr: [4]byte{255, 255, 255, 255}}

	for _, p := range s.catalog.Printers() {
		if p.Remote || !p.Shared {
			continue
		}

		ptype := printerTypeShared
		packet := fmt.Sprintf("%x %x %s %q %q %q",
			ptype, int(p.State), p.URI, p.Location, p.Info, p.MakeModel)

		if err := unix.Sendto(s.browse.fd, []byte(packet), 0, dest); err != nil {
			s.log.Debug("browse send failed", zap.String("printer", p.Name), zap.Error(err))
		}
		p.BrowseTime = now
	}
}

// recvBrowse drains advertisements from other schedulers and upserts the
// remote printers they describe.
func (s *Scheduler) recvBrowse() {
	buf := make([]byte, 2048)
	for {
		n, _, err := unix.Recvfrom(s.browse.fd, buf, 0)
		if err != nil || n == 0 {
			return
		}
		s.applyBrowsePacket(string(buf[:n]))
	}
}

func (s *Scheduler) applyBrowsePacket(packet string) {
	fields := splitBrowsePacket(packet)
	if len(fields) < 3 {
		s.log.Debug("malformed browse packet", zap.String("packet", packet))
		return
	}

	stateVal, err := strconv.ParseInt(fields[1], 16, 32)
	if err != nil {
		s.log.Debug("malformed browse state", zap.String("packet", packet))
		return
	}

	uri := fields[2]
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" {
		return
	}
	name := path.Base(u.Path)

	// Our own advertisement looped back: local printers win.
	if p, ok := s.catalog.Printer(name); ok && !p.Remote {
		return
	}

	p := &model.Printer{
		Name:      name,
		URI:       uri,
		Remote:    true,
		Shared:    true,
		Accepting: true,
		State:     model.PrinterState(stateVal),
	}
	if len(fields) > 3 {
		p.Location = fields[3]
	}
	if len(fields) > 4 {
		p.Info = fields[4]
	}
	if len(fields) > 5 {
		p.MakeModel = fields[5]
	}
	p.BrowseTime = s.clk.Now()

	s.catalog.AddPrinter(p)
}

// expireBrowsedPrinters drops remote printers that stopped advertising.
func (s *Scheduler) expireBrowsedPrinters() {
	now := s.clk.Now()
	for _, p := range s.catalog.Printers() {
		if p.Remote && p.BrowseTime+s.cfg.BrowseTimeout < now {
			s.log.Info("remote printer timed out", zap.String("printer", p.Name))
			s.catalog.RemovePrinter(p.Name)
		}
	}
}

// splitBrowsePacket tokenises a browse packet, honouring double quotes.
func splitBrowsePacket(packet string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false

	for _, r := range packet {
		switch {
		case r == '"':
			if inQuote {
				fields = append(fields, cur.String())
				cur.Reset()
			}
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}
