//go:build linux

package scheduler

import (
	"fmt"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/internal/model"
)

// processChildren reaps every exited child without blocking and records
// each exit against its pipeline slot.
func (s *Scheduler) processChildren() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}

		s.recordExit(pid, ws)
	}

}

// exitCode collapses a wait status into the scheduler's status integer:
// the exit code for normal exits, the signal number for signalled ones.
// Termination by the cancel signal counts as a clean exit since that is
// how job cancellation works.
func exitCode(ws unix.WaitStatus) (code int, signalled bool) {
	if ws.Signaled() {
		if ws.Signal() == syscall.SIGTERM {
			return 0, false
		}
		return int(ws.Signal()), true
	}
	return ws.ExitStatus(), false
}

func (s *Scheduler) recordExit(pid int, ws unix.WaitStatus) {
	code, signalled := exitCode(ws)

	if code != 0 {
		if signalled {
			s.log.Error("child crashed",
				zap.Int("pid", pid),
				zap.Int("signal", code))
		} else {
			s.log.Error("child stopped",
				zap.Int("pid", pid),
				zap.Int("status", code))
		}
	} else {
		s.log.Debug("child exited cleanly", zap.Int("pid", pid))
	}

	job, slot := s.catalog.FindJobByPID(pid)
	if job == nil {
		// Not a pipeline child (CGI helper or the like); nothing to record.
		return
	}

	var message string
	var allReaped bool

	s.catalog.UpdateJob(job.ID, func(j *model.Job) {
		// Mark the slot done and write its exit status exactly once.
		j.Procs[slot] = -pid
		j.ExitStatus[slot] = code

		if code != 0 && j.Disposition == 0 {
			filter := "?"
			if slot < len(j.Filters) && len(j.Filters[slot]) > 0 {
				filter = filepath.Base(j.Filters[slot][0])
			}

			if j.LastSlot(slot) {
				// Backend failed: the printer must stop.
				j.Disposition = -code
			} else {
				// Filter failed: the job fails, the printer continues.
				j.Disposition = code
			}

			if signalled {
				message = fmt.Sprintf("The process %q terminated unexpectedly on signal %d", filter, code)
			} else {
				message = fmt.Sprintf("The process %q stopped unexpectedly with status %d", filter, code)
			}
		}

		allReaped = j.LiveProcs() == 0
	})

	if message != "" {
		s.catalog.SetPrinterState(job.PrinterName, model.PrinterProcessing, message, s.clk.Now())
	}

	// A job whose every slot has been reaped transitions within this
	// iteration.
	if allReaped {
		s.finalizeJob(job)
	}
}
