//go:build linux

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/internal/certs"
	"github.com/printd-dev/printd/internal/clock"
	"github.com/printd-dev/printd/internal/config"
	"github.com/printd-dev/printd/internal/fdreg"
	"github.com/printd-dev/printd/internal/model"
	"github.com/printd-dev/printd/internal/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		Listen:            []string{"127.0.0.1:0"},
		Timeout:           300,
		ReloadTimeout:     60,
		MaxClients:        100,
		MaxClientsPerTick: 10,
		BrowseInterval:    30,
		BrowseTimeout:     300,
		RootCertDuration:  300,
		SpoolDir:          "/tmp",
	}
}

// bareScheduler builds a loop without sockets for unit-level tests.
func bareScheduler(t *testing.T) (*Scheduler, *clock.Fake) {
	t.Helper()

	clk := &clock.Fake{Current: 1000}
	store, err := certs.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	s := &Scheduler{
		log:             zap.NewNop(),
		cfg:             testConfig(),
		clk:             clk,
		catalog:         model.NewCatalog(zap.NewNop()),
		reg:             fdreg.New(),
		certs:           store,
		clients:         make(map[int]*Client),
		jobPipes:        make(map[int]*jobPipe),
		cancelRequested: make(map[int64]bool),
		cgiRead:         -1,
		cgiWrite:        -1,
		rootCertTime:    clk.Current,
		lastCheckJobs:   clk.Current,
	}
	return s, clk
}

func addProcessingJob(t *testing.T, s *Scheduler, printer string, procs []int) *model.Job {
	t.Helper()

	s.catalog.AddPrinter(&model.Printer{
		Name:      printer,
		URI:       "usb://EPSON/Stylus",
		Accepting: true,
		Shared:    true,
		State:     model.PrinterProcessing,
		History:   &model.History{},
	})

	job, err := s.catalog.NewJob(printer, 1, "", s.clk.Now())
	require.NoError(t, err)

	job.Filters = [][]string{{"/usr/lib/printd/filter/pstops"}, {"/usr/lib/printd/filter/rastertoepson"}, {"/usr/lib/printd/backend/usb"}}
	job.Procs = append([]int(nil), procs...)
	job.ExitStatus = make([]int, len(procs))
	s.catalog.SetJobState(job.ID, model.JobProcessing)
	return job
}

func exitStatus(code int) unix.WaitStatus { return unix.WaitStatus(code << 8) }
func sigStatus(sig int) unix.WaitStatus   { return unix.WaitStatus(sig) }

func TestReaperFilterCrashKeepsPrinterRunning(t *testing.T) {
	s, _ := bareScheduler(t)
	job := addProcessingJob(t, s, "deskjet", []int{101, 102, 103})

	// Middle filter dies on signal 11.
	s.recordExit(102, sigStatus(11))

	assert.Equal(t, -102, job.Procs[1])
	assert.Equal(t, 11, job.ExitStatus[1])
	assert.Equal(t, 11, job.Disposition)

	p, _ := s.catalog.Printer("deskjet")
	assert.Contains(t, p.StateMessage, "rastertoepson")
	assert.Contains(t, p.StateMessage, "signal 11")

	// Remaining slots exit cleanly; the job aborts, the printer recovers.
	s.recordExit(101, exitStatus(0))
	s.recordExit(103, exitStatus(0))

	assert.Equal(t, model.JobAborted, job.State)
	p, _ = s.catalog.Printer("deskjet")
	assert.Equal(t, model.PrinterIdle, p.State)
}

func TestReaperBackendFailureStopsPrinter(t *testing.T) {
	s, _ := bareScheduler(t)
	job := addProcessingJob(t, s, "deskjet", []int{201, 202, 203})

	s.recordExit(201, exitStatus(0))
	s.recordExit(202, exitStatus(0))
	// Backend (last slot) exits with status 2.
	s.recordExit(203, exitStatus(2))

	assert.Equal(t, -2, job.Disposition)
	assert.Equal(t, model.JobStopped, job.State)

	p, _ := s.catalog.Printer("deskjet")
	assert.Equal(t, model.PrinterStopped, p.State)
	assert.Contains(t, p.StateMessage, "usb")
	assert.Contains(t, p.StateMessage, "status 2")
}

func TestReaperCancelSignalCountsAsClean(t *testing.T) {
	s, _ := bareScheduler(t)
	job := addProcessingJob(t, s, "deskjet", []int{301, 302, 303})
	s.cancelRequested[job.ID] = true

	s.recordExit(301, sigStatus(15)) // SIGTERM from the cancel
	s.recordExit(302, sigStatus(15))
	s.recordExit(303, sigStatus(15))

	assert.Equal(t, 0, job.Disposition)
	assert.Equal(t, model.JobCancelled, job.State)

	p, _ := s.catalog.Printer("deskjet")
	assert.Equal(t, model.PrinterIdle, p.State)
}

func TestReaperDispositionWrittenOnce(t *testing.T) {
	s, _ := bareScheduler(t)
	job := addProcessingJob(t, s, "deskjet", []int{401, 402, 403})

	s.recordExit(401, exitStatus(3))
	assert.Equal(t, 3, job.Disposition)

	// A later backend failure must not overwrite the first disposition.
	s.recordExit(403, exitStatus(2))
	assert.Equal(t, 3, job.Disposition)
	assert.Equal(t, 2, job.ExitStatus[2])
}

func TestReaperUnknownPIDIgnored(t *testing.T) {
	s, _ := bareScheduler(t)
	addProcessingJob(t, s, "deskjet", []int{501})

	s.recordExit(999, exitStatus(1))

	assert.Equal(t, 1, s.catalog.ProcessingCount())
}

func TestSelectTimeoutBounds(t *testing.T) {
	s, clk := bareScheduler(t)

	// Idle daemon with only the cert deadline: duration + 1.
	assert.Equal(t, int64(301), s.selectTimeout(0))

	// Previous wait was busy: one-second floor.
	assert.Equal(t, int64(1), s.selectTimeout(3))

	// Past-due deadline clamps up to 1.
	clk.Advance(10_000)
	assert.Equal(t, int64(1), s.selectTimeout(0))

	// No deadlines at all: one-day cap.
	s.cfg.RootCertDuration = 0
	got := s.selectTimeout(0)
	assert.GreaterOrEqual(t, got, int64(1))
	assert.LessOrEqual(t, got, int64(86400))
	assert.Equal(t, int64(86400), got)
}

func TestSelectTimeoutPartialLineDoesNotSpin(t *testing.T) {
	s, _ := bareScheduler(t)

	c := &Client{fd: 1, proto: protocol.NewConn(t.TempDir()), activity: s.clk.Now()}
	s.clients[1] = c

	// A half-received line is not processable: the loop must sleep on a
	// real deadline instead of polling with a zero timeout.
	_, _, err := c.proto.Feed([]byte("STATU"), s)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, s.selectTimeout(0), int64(1))
}

func TestSelectTimeoutClientIdleDeadline(t *testing.T) {
	s, _ := bareScheduler(t)
	s.cfg.RootCertDuration = 0

	s.clients[1] = &Client{fd: 1, proto: protocol.NewConn(t.TempDir()), activity: s.clk.Now() - 100}

	// Client times out in 200s; +1 for the post-deadline wake.
	assert.Equal(t, int64(201), s.selectTimeout(0))
}

func TestSelectTimeoutActiveJobTick(t *testing.T) {
	s, _ := bareScheduler(t)
	s.cfg.RootCertDuration = 0
	addProcessingJob(t, s, "deskjet", []int{601})

	assert.Equal(t, int64(11), s.selectTimeout(0))
}

func TestSelectTimeoutManyClientsFloor(t *testing.T) {
	s, _ := bareScheduler(t)
	for fd := 10; fd < 10+busyClientFloor+1; fd++ {
		s.clients[fd] = &Client{fd: fd, proto: protocol.NewConn(t.TempDir()), activity: s.clk.Now()}
	}

	assert.Equal(t, int64(1), s.selectTimeout(0))
}

func TestCertRotationCadence(t *testing.T) {
	s, clk := bareScheduler(t)

	first, err := s.certs.Current()
	require.NoError(t, err)

	// Simulate an idle hour: sleep exactly what selectTimeout asks, then
	// run the rotation check the loop would run.
	rotations := 0
	prev := first
	start := clk.Now()
	for clk.Now() < start+3600 {
		timeout := s.selectTimeout(0)
		assert.Equal(t, s.cfg.RootCertDuration+1, timeout)

		clk.Advance(timeout)
		s.maybeRotateCert(clk.Now())

		cur, err := s.certs.Current()
		require.NoError(t, err)
		require.NotEqual(t, prev, cur, "each interval rotates exactly once")
		prev = cur
		rotations++
	}

	assert.Equal(t, rotations, int(3600/(s.cfg.RootCertDuration+1))+1)
}

func TestReloadWaitsForQuiesce(t *testing.T) {
	s, clk := bareScheduler(t)

	reloads := 0
	s.reload = func() (*config.Config, error) {
		reloads++
		return testConfig(), nil
	}

	job := addProcessingJob(t, s, "deskjet", []int{701})

	s.needReload = true
	s.reloadTime = clk.Now()

	// A processing job blocks the reload.
	require.NoError(t, s.tryReload())
	assert.Equal(t, 0, reloads)
	assert.True(t, s.needReload)

	// Job finishes: reload fires.
	s.recordExit(701, exitStatus(0))
	assert.Equal(t, model.JobCompleted, job.State)

	require.NoError(t, s.tryReload())
	assert.Equal(t, 1, reloads)
	assert.False(t, s.needReload)
}

func TestReloadFiresAfterTimeout(t *testing.T) {
	s, clk := bareScheduler(t)

	reloads := 0
	s.reload = func() (*config.Config, error) {
		reloads++
		return testConfig(), nil
	}

	addProcessingJob(t, s, "deskjet", []int{801})
	s.needReload = true
	s.reloadTime = clk.Now()

	require.NoError(t, s.tryReload())
	assert.Equal(t, 0, reloads)

	clk.Advance(s.cfg.ReloadTimeout)
	require.NoError(t, s.tryReload())
	assert.Equal(t, 1, reloads)
}

func TestReloadFailureIsFatal(t *testing.T) {
	s, _ := bareScheduler(t)

	s.reload = func() (*config.Config, error) {
		return nil, assert.AnError
	}
	s.needReload = true
	s.reloadTime = s.clk.Now()

	assert.Error(t, s.tryReload())
}

func TestSubmitAndCancel(t *testing.T) {
	s, _ := bareScheduler(t)

	s.catalog.AddPrinter(&model.Printer{
		Name:      "deskjet",
		URI:       "usb://EPSON/Stylus",
		Accepting: true,
		State:     model.PrinterStopped, // keep checkJobs from launching a real pipeline
		History:   &model.History{},
	})

	id, err := s.Submit("deskjet", 2, "")
	require.NoError(t, err)

	job, ok := s.catalog.Job(id)
	require.True(t, ok)
	assert.Equal(t, model.JobPending, job.State)

	require.NoError(t, s.Cancel(id))
	assert.Equal(t, model.JobCancelled, job.State)

	assert.ErrorIs(t, s.Cancel(9999), model.ErrJobNotFound)
	_, err = s.Submit("ghost", 1, "")
	assert.ErrorIs(t, err, model.ErrPrinterNotFound)
}

func TestHoldRelease(t *testing.T) {
	s, _ := bareScheduler(t)

	s.catalog.AddPrinter(&model.Printer{
		Name:      "deskjet",
		URI:       "usb://EPSON/Stylus",
		Accepting: true,
		State:     model.PrinterStopped,
		History:   &model.History{},
	})

	id, err := s.Submit("deskjet", 1, "")
	require.NoError(t, err)

	require.NoError(t, s.Hold(id))
	job, _ := s.catalog.Job(id)
	assert.Equal(t, model.JobHeld, job.State)

	assert.Error(t, s.Hold(id)) // already held

	require.NoError(t, s.Release(id))
	assert.Equal(t, model.JobPending, job.State)
}

func TestStatusLines(t *testing.T) {
	s, _ := bareScheduler(t)

	s.catalog.AddPrinter(&model.Printer{
		Name:      "deskjet",
		URI:       "usb://EPSON/Stylus",
		Accepting: true,
		State:     model.PrinterStopped,
		History:   &model.History{},
	})
	_, err := s.Submit("deskjet", 1, "")
	require.NoError(t, err)

	lines := s.StatusLines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "printer deskjet stopped")
	assert.Contains(t, lines[1], "job 1 deskjet pending")
}

func TestBrowsePacketRoundTrip(t *testing.T) {
	s, _ := bareScheduler(t)
	s.cfg.Browsing = true

	s.applyBrowsePacket(`1 3 ipp://server.local/printers/laser "Lab" "Floor 2 laser" "EPSON Stylus"`)

	p, ok := s.catalog.Printer("laser")
	require.True(t, ok)
	assert.True(t, p.Remote)
	assert.Equal(t, model.PrinterIdle, p.State)
	assert.Equal(t, "Lab", p.Location)
	assert.Equal(t, "Floor 2 laser", p.Info)
	assert.Equal(t, "EPSON Stylus", p.MakeModel)

	// Expiry removes it once the timeout passes.
	s.clk.(*clock.Fake).Advance(s.cfg.BrowseTimeout + 1)
	s.expireBrowsedPrinters()
	_, ok = s.catalog.Printer("laser")
	assert.False(t, ok)
}

func TestBrowsePacketDoesNotShadowLocalPrinter(t *testing.T) {
	s, _ := bareScheduler(t)

	s.catalog.AddPrinter(&model.Printer{
		Name:    "laser",
		URI:     "usb://EPSON/Stylus",
		State:   model.PrinterIdle,
		History: &model.History{},
	})

	s.applyBrowsePacket(`1 3 ipp://server.local/printers/laser "x" "y" "z"`)

	p, _ := s.catalog.Printer("laser")
	assert.False(t, p.Remote)
	assert.Equal(t, "usb://EPSON/Stylus", p.URI)
}

func TestSplitBrowsePacket(t *testing.T) {
	fields := splitBrowsePacket(`1 3 ipp://h/p/x "two words" "" "a b c"`)
	assert.Equal(t, []string{"1", "3", "ipp://h/p/x", "two words", "", "a b c"}, fields)
}

func TestSplitDeviceURI(t *testing.T) {
	host, resource, options := splitDeviceURI("usb://EPSON/Stylus%20Photo?serial=A1&interface=1")
	assert.Equal(t, "EPSON", host)
	assert.Equal(t, "Stylus Photo", resource)
	assert.Equal(t, "serial=A1&interface=1", options)
}
