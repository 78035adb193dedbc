//go:build linux

package scheduler

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Listener is one configured accept socket. Immutable after configuration
// load and always registered readable while accepting is enabled.
type Listener struct {
	Addr string
	FD   int
}

// openListener creates a non-blocking TCP listen socket on addr.
func openListener(addr string) (*Listener, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen address %q", addr)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", addr)
	}

	var (
		fd  int
		sa  unix.Sockaddr
		ip4 = tcpAddr.IP.To4()
	)

	if ip4 != nil || tcpAddr.IP == nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return nil, errors.Wrap(err, "socket")
		}
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return nil, errors.Wrap(err, "socket")
		}
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "SO_REUSEADDR")
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind %q", addr)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "listen %q", addr)
	}

	return &Listener{Addr: addr, FD: fd}, nil
}

// acceptClients accepts up to the per-tick bound from one listener, so a
// connect storm cannot starve the rest of the loop.
func (s *Scheduler) acceptClients(lis *Listener) {
	for i := 0; i < s.cfg.MaxClientsPerTick; i++ {
		if len(s.clients) >= s.cfg.MaxClients {
			s.log.Warn("client limit reached, deferring accepts",
				zap.Int("max_clients", s.cfg.MaxClients))
			return
		}

		fd, _, err := unix.Accept4(lis.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR && err != unix.ECONNABORTED {
				s.log.Error("accept failed", zap.String("listener", lis.Addr), zap.Error(err))
			}
			return
		}

		s.addClient(fd)
	}
}

// pauseListening removes accept interest during a reload quiesce.
func (s *Scheduler) pauseListening() {
	if !s.listening {
		return
	}
	for _, lis := range s.listeners {
		s.reg.SetReadable(lis.FD, false)
	}
	s.listening = false
	s.log.Info("listeners paused")
}

// resumeListening restores accept interest after a reload.
func (s *Scheduler) resumeListening() {
	if s.listening {
		return
	}
	for _, lis := range s.listeners {
		s.reg.SetReadable(lis.FD, true)
	}
	s.listening = true
	s.log.Info("listeners resumed")
}
