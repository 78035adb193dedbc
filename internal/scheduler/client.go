//go:build linux

package scheduler

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/internal/fdreg"
	"github.com/printd-dev/printd/internal/mux"
	"github.com/printd-dev/printd/internal/protocol"
)

// ClientState is the connection's position in the request cycle.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientReading
	ClientWriting
	ClientWaiting
)

// Client is one accepted connection. Exactly one owner at a time: created
// on accept, destroyed on peer close, idle timeout, or reload quiesce.
type Client struct {
	fd       int
	state    ClientState
	activity int64
	proto    *protocol.Conn
	out      []byte

	// filePipe carries output from a helper child feeding this client;
	// -1 when none. fileReady latches readiness while the client's own
	// socket is not yet writable (backpressure).
	filePipe  int
	pipePID   int
	fileReady bool

	keepAlive bool
	// closing marks a client that gets torn down once its output drains
	// (QUIT, protocol error, or reload last-request).
	closing bool
}

func (s *Scheduler) addClient(fd int) {
	c := &Client{
		fd:        fd,
		state:     ClientIdle,
		activity:  s.clk.Now(),
		proto:     protocol.NewConn(s.cfg.SpoolDir),
		filePipe:  -1,
		keepAlive: true,
	}
	s.clients[fd] = c

	s.reg.Register(fd, fdreg.OwnerClient)
	s.reg.SetReadable(fd, true)

	s.log.Debug("client accepted", zap.Int("fd", fd), zap.Int("clients", len(s.clients)))
}

// closeClient tears the connection down: deregister before close so the
// multiplexer never sees a dead descriptor.
func (s *Scheduler) closeClient(c *Client) {
	c.proto.Abort()

	if c.filePipe >= 0 {
		if s.reg.Contains(c.filePipe) {
			s.reg.Deregister(c.filePipe)
		}
		unix.Close(c.filePipe)
		c.filePipe = -1
	}

	s.reg.Deregister(c.fd)
	unix.Close(c.fd)
	delete(s.clients, c.fd)

	s.log.Debug("client closed", zap.Int("fd", c.fd), zap.Int("clients", len(s.clients)))
}

// readClient advances the read side. Returns false when the client was
// closed and must not be touched again this tick.
func (s *Scheduler) readClient(c *Client) bool {
	buf := make([]byte, 4096)
	n, err := unix.Read(c.fd, buf)

	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		if !c.proto.Processable() {
			return true
		}
		// No new bytes, but the parser still has buffered work.
		n = 0
	case err != nil:
		s.log.Debug("client read failed", zap.Int("fd", c.fd), zap.Error(err))
		s.closeClient(c)
		return false
	case n == 0:
		// Peer closed.
		s.closeClient(c)
		return false
	}

	c.state = ClientReading
	c.activity = s.clk.Now()

	resp, closeAfter, err := c.proto.Feed(buf[:n], s)
	if len(resp) > 0 {
		c.out = append(c.out, resp...)
	}
	if err != nil {
		s.log.Debug("client protocol error", zap.Int("fd", c.fd), zap.Error(err))
		c.closing = true
	}
	if closeAfter {
		c.closing = true
	}

	if len(c.out) > 0 {
		c.state = ClientWriting
		s.reg.SetWritable(c.fd, true)
	} else if c.closing {
		s.closeClient(c)
		return false
	} else {
		c.state = ClientIdle
	}
	return true
}

// pumpFilePipe moves helper-child output into the client's write buffer
// once the client socket is writable again.
func (s *Scheduler) pumpFilePipe(c *Client) {
	buf := make([]byte, 4096)
	n, err := unix.Read(c.filePipe, buf)

	if n > 0 {
		c.out = append(c.out, buf[:n]...)
		s.reg.SetWritable(c.fd, true)
	}

	if (err != nil && err != unix.EAGAIN && err != unix.EINTR) || n == 0 {
		// Helper finished; drop the pipe.
		if s.reg.Contains(c.filePipe) {
			s.reg.Deregister(c.filePipe)
		}
		unix.Close(c.filePipe)
		c.filePipe = -1
		c.pipePID = 0
		c.fileReady = false
		return
	}

	// Re-arm and wait for the next readiness round.
	c.fileReady = false
	s.reg.SetReadable(c.filePipe, true)
}

// writeClient advances the write side. Returns false when the client was
// closed.
func (s *Scheduler) writeClient(c *Client) bool {
	if c.filePipe >= 0 && c.fileReady {
		s.pumpFilePipe(c)
	}

	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err == unix.EAGAIN || err == unix.EINTR {
			return true
		}
		if err != nil {
			s.log.Debug("client write failed", zap.Int("fd", c.fd), zap.Error(err))
			s.closeClient(c)
			return false
		}
		c.out = c.out[n:]
		c.activity = s.clk.Now()
	}

	s.reg.SetWritable(c.fd, false)
	if c.closing {
		s.closeClient(c)
		return false
	}
	c.state = ClientWaiting
	return true
}

// serviceClients runs the per-tick client order: read before write before
// idle-close, so a pending write is never missed in the tick its read
// completed.
func (s *Scheduler) serviceClients(ready mux.ReadySet) {
	for _, c := range s.clientList() {
		if _, alive := s.clients[c.fd]; !alive {
			continue
		}

		if ready.Readable(c.fd) || c.proto.Processable() {
			if !s.readClient(c) {
				continue
			}
		}

		if c.filePipe >= 0 && ready.Readable(c.filePipe) {
			// Track pending helper output separately and stop watching the
			// pipe until the client drains; the helper is produced-for only
			// as fast as the peer consumes.
			c.fileReady = true
			if !ready.Writable(c.fd) {
				s.reg.SetReadable(c.filePipe, false)
			}
		}

		if ready.Writable(c.fd) && (c.filePipe < 0 || c.fileReady) {
			if !s.writeClient(c) {
				continue
			}
		}

		if s.clk.Now()-c.activity > s.cfg.Timeout && c.pipePID == 0 {
			s.log.Debug("closing idle client",
				zap.Int("fd", c.fd),
				zap.Int64("timeout", s.cfg.Timeout))
			s.closeClient(c)
		}
	}
}

// clientList snapshots the client set; closures during iteration mutate
// the live map.
func (s *Scheduler) clientList() []*Client {
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}
