//go:build linux

// Package pipeline launches a job's filter chain: the configured filters
// connected stdin-to-stdout, terminated by the device backend. Every
// child shares the job's status pipe as stderr; the backend additionally
// inherits the back-channel pipe and the side-channel socketpair on
// well-known descriptors. The scheduler reaps the children itself, so no
// Wait is ever issued here.
package pipeline

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Launch describes one pipeline to start.
type Launch struct {
	// Slots are the per-slot argvs; the last slot is the backend.
	Slots [][]string
	// SpoolFile feeds the first slot's stdin.
	SpoolFile string
	// Env is appended to the inherited environment (PRINTER, DEVICE_URI…).
	Env []string
}

// Result is the running pipeline's handles. StatusPipe is the read end
// the scheduler registers with the multiplexer; SideChannel is the driver
// end of the backend's side-channel socketpair.
type Result struct {
	PIDs        []int
	StatusPipe  *os.File
	SideChannel *os.File
}

// Start launches every slot. On any failure the already-started children
// are killed and all descriptors are released.
func Start(log *zap.Logger, launch Launch) (res *Result, err error) {
	if len(launch.Slots) == 0 {
		return nil, errors.New("pipeline: no slots")
	}

	var parentFiles []*os.File // closed on return, success or not
	var childFiles []*os.File  // child ends, closed once children hold them
	var started []*exec.Cmd

	defer func() {
		for _, f := range childFiles {
			f.Close()
		}
		if err == nil {
			return
		}
		for _, f := range parentFiles {
			f.Close()
		}
		for _, cmd := range started {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}()

	spool, err := os.Open(launch.SpoolFile)
	if err != nil {
		return nil, errors.Wrap(err, "open spool file")
	}
	childFiles = append(childFiles, spool)

	statusRead, statusWrite, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "status pipe")
	}
	childFiles = append(childFiles, statusWrite)

	// Back-channel: backend writes fd 3, filters read fd 3.
	bcRead, bcWrite, err := os.Pipe()
	if err != nil {
		statusRead.Close()
		return nil, errors.Wrap(err, "back-channel pipe")
	}
	childFiles = append(childFiles, bcRead, bcWrite)

	// Side-channel: one socketpair end for the backend, one shared by the
	// filters, both on the same descriptor number.
	scFds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		statusRead.Close()
		return nil, errors.Wrap(err, "side-channel socketpair")
	}
	scBackend := os.NewFile(uintptr(scFds[0]), "side-channel-backend")
	scDriver := os.NewFile(uintptr(scFds[1]), "side-channel-driver")
	childFiles = append(childFiles, scBackend)

	parentFiles = append(parentFiles, statusRead, scDriver)

	env := append(os.Environ(), launch.Env...)
	res = &Result{StatusPipe: statusRead, SideChannel: scDriver}

	stdin := spool
	last := len(launch.Slots) - 1

	for i, argv := range launch.Slots {
		var stdout, nextRead *os.File
		if i == last {
			null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
			if err != nil {
				return nil, errors.Wrap(err, "open null device")
			}
			childFiles = append(childFiles, null)
			stdout = null
		} else {
			var thisWrite *os.File
			nextRead, thisWrite, err = os.Pipe()
			if err != nil {
				return nil, errors.Wrap(err, "slot pipe")
			}
			childFiles = append(childFiles, nextRead, thisWrite)
			stdout = thisWrite
		}

		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdin = stdin
		cmd.Stdout = stdout
		cmd.Stderr = statusWrite
		cmd.Env = env
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid:   true,
			Pdeathsig: syscall.SIGKILL,
		}

		// ExtraFiles[0] lands on descriptor 3 (sidechan.BackChannelFD)
		// and ExtraFiles[1] on 4 (sidechan.FD).
		if i == last {
			cmd.ExtraFiles = []*os.File{bcWrite, scBackend}
		} else {
			cmd.ExtraFiles = []*os.File{bcRead, scDriver}
		}

		if err := cmd.Start(); err != nil {
			return nil, errors.Wrapf(err, "start %q", argv[0])
		}
		started = append(started, cmd)
		res.PIDs = append(res.PIDs, cmd.Process.Pid)

		log.Debug("pipeline slot started",
			zap.Int("slot", i),
			zap.String("command", argv[0]),
			zap.Int("pid", cmd.Process.Pid))

		if nextRead != nil {
			stdin = nextRead
		}
	}

	return res, nil
}

// Cancel sends SIGTERM to every live slot's process group. The reaper
// observes the exits; a cancelled child's SIGTERM status is treated as a
// clean exit there.
func Cancel(pids []int) {
	for _, pid := range pids {
		if pid > 0 {
			_ = syscall.Kill(-pid, syscall.SIGTERM)
		}
	}
}

// Kill escalates to SIGKILL for pipelines that ignored Cancel.
func Kill(pids []int) {
	for _, pid := range pids {
		if pid > 0 {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}
}
