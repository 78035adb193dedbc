//go:build linux

package scheduler

import "go.uber.org/zap"

// maxTimeout caps the poll timeout at one day, guaranteeing at least one
// periodic check even in total idleness and sidestepping platform
// timeout-argument limits.
const maxTimeout = 86400

// busyClientFloor keeps the loop on a one-second cadence once the client
// population is large enough that optimising the timeout stops paying.
const busyClientFloor = 50

// jobTick is the rescan cadence while any job is pending or processing.
const jobTick = 10

// selectTimeout computes the poll timeout for the next wait, in seconds.
// prevReady is the ready count the previous wait returned.
func (s *Scheduler) selectTimeout(prevReady int) int64 {
	// Buffered client input the parser can act on must be processed now.
	for _, c := range s.clients {
		if c.proto.Processable() {
			return 0
		}
	}

	// Recent activity or many clients: a one-second floor beats deadline
	// arithmetic.
	if prevReady > 0 || len(s.clients) > busyClientFloor {
		return 1
	}

	now := s.clk.Now()
	timeout := now + maxTimeout
	why := "do nothing"

	for _, c := range s.clients {
		if c.activity+s.cfg.Timeout < timeout {
			timeout = c.activity + s.cfg.Timeout
			why = "timeout a client connection"
		}
	}

	if s.cfg.Browsing && s.browse != nil {
		for _, p := range s.catalog.Printers() {
			if p.Remote {
				if p.BrowseTime+s.cfg.BrowseTimeout < timeout {
					timeout = p.BrowseTime + s.cfg.BrowseTimeout
					why = "browse timeout a printer"
				}
			} else if p.Shared && s.cfg.BrowseInterval > 0 {
				if p.BrowseTime+s.cfg.BrowseInterval < timeout {
					timeout = p.BrowseTime + s.cfg.BrowseInterval
					why = "send browse update"
				}
			}
		}
	}

	if timeout > now+jobTick && s.catalog.ActiveJobCount() > 0 {
		timeout = now + jobTick
		why = "process active jobs"
	}

	if s.needReload && s.reloadTime+s.cfg.ReloadTimeout < timeout {
		timeout = s.reloadTime + s.cfg.ReloadTimeout
		why = "reload configuration"
	}

	if s.cfg.RootCertDuration > 0 && s.rootCertTime+s.cfg.RootCertDuration < timeout {
		timeout = s.rootCertTime + s.cfg.RootCertDuration
		why = "update root certificate"
	}

	// Relative, plus one second so the event has fired by the time we
	// wake, clamped to [1, maxTimeout].
	rel := timeout - now + 1
	if rel < 1 {
		rel = 1
	} else if rel > maxTimeout {
		rel = maxTimeout
	}

	s.log.Debug("select timeout", zap.Int64("seconds", rel), zap.String("why", why))
	return rel
}
