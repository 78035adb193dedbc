//go:build linux

package scheduler

import (
	"bytes"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// drainCGI consumes log lines from helper children sharing the CGI pipe
// and forwards them to the daemon log.
func (s *Scheduler) drainCGI() {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(s.cgiRead, buf)
		if n > 0 {
			s.cgiPartial = append(s.cgiPartial, buf[:n]...)
		}
		if err != nil || n < len(buf) {
			break
		}
	}

	for {
		idx := bytes.IndexByte(s.cgiPartial, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string(s.cgiPartial[:idx]), "\r")
		s.cgiPartial = s.cgiPartial[idx+1:]
		if line != "" {
			s.log.Info("cgi", zap.String("line", line))
		}
	}
}

// CGIWriteFD is the write end helper children inherit.
func (s *Scheduler) CGIWriteFD() int { return s.cgiWrite }
