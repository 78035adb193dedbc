//go:build linux

// Package scheduler is the daemon's reactor: one thread multiplexing
// listeners, clients, job status pipes, the browse socket, the CGI pipe,
// and the signal self-pipe, with an adaptive wake-up deadline. All model
// mutation happens here; children run in parallel but communicate only
// through pipes and signals.
package scheduler

import (
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/internal/certs"
	"github.com/printd-dev/printd/internal/clock"
	"github.com/printd-dev/printd/internal/config"
	"github.com/printd-dev/printd/internal/fdreg"
	"github.com/printd-dev/printd/internal/model"
	"github.com/printd-dev/printd/internal/mux"
	"github.com/printd-dev/printd/internal/pipeline"
	"github.com/printd-dev/printd/internal/sigbridge"
)

// ReloadFunc re-reads the configuration. A reload failure is fatal to the
// process.
type ReloadFunc func() (*config.Config, error)

// Scheduler owns the event loop state. Apart from the catalog's internal
// lock and the dispatch queue, nothing here is shared across goroutines.
type Scheduler struct {
	log     *zap.Logger
	cfg     *config.Config
	clk     clock.Clock
	catalog *model.Catalog
	bridge  *sigbridge.Bridge
	reg     *fdreg.Registry
	certs   *certs.Store
	reload  ReloadFunc

	listeners []*Listener
	listening bool
	clients   map[int]*Client

	jobPipes        map[int]*jobPipe
	cancelRequested map[int64]bool

	browse            *browser
	cgiRead, cgiWrite int
	cgiPartial        []byte

	prevReady     int
	needReload    bool
	reloadTime    int64
	lastCheckJobs int64
	rootCertTime  int64
	stopping      bool

	// dispatched carries closures from other goroutines (the admin API)
	// into the loop; the bridge kick wakes the poll.
	dispatchMu sync.Mutex
	dispatched []func()
}

// New builds the scheduler: listeners bound, self-pipe and CGI pipe
// registered, browse socket opened when enabled, and the configured
// printers loaded into the catalog.
func New(
	log *zap.Logger,
	cfg *config.Config,
	clk clock.Clock,
	catalog *model.Catalog,
	bridge *sigbridge.Bridge,
	certStore *certs.Store,
	reload ReloadFunc,
) (*Scheduler, error) {
	s := &Scheduler{
		log:             log.Named("scheduler"),
		cfg:             cfg,
		clk:             clk,
		catalog:         catalog,
		bridge:          bridge,
		reg:             fdreg.New(),
		certs:           certStore,
		reload:          reload,
		clients:         make(map[int]*Client),
		jobPipes:        make(map[int]*jobPipe),
		cancelRequested: make(map[int64]bool),
		cgiRead:         -1,
		cgiWrite:        -1,
		rootCertTime:    clk.Now(),
		lastCheckJobs:   clk.Now(),
	}

	// The self-pipe read end is always registered readable.
	s.reg.Register(bridge.ReadFD(), fdreg.OwnerSelfPipe)
	s.reg.SetReadable(bridge.ReadFD(), true)

	for _, addr := range cfg.Listen {
		lis, err := openListener(addr)
		if err != nil {
			s.shutdown()
			return nil, err
		}
		s.listeners = append(s.listeners, lis)
		s.reg.Register(lis.FD, fdreg.OwnerListener)
		s.reg.SetReadable(lis.FD, true)
		s.log.Info("listening", zap.String("addr", addr))
	}
	s.listening = true

	var cgiFds [2]int
	if err := unix.Pipe2(cgiFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		s.shutdown()
		return nil, errors.Wrap(err, "cgi pipe")
	}
	s.cgiRead, s.cgiWrite = cgiFds[0], cgiFds[1]
	s.reg.Register(s.cgiRead, fdreg.OwnerCGI)
	s.reg.SetReadable(s.cgiRead, true)

	if cfg.Browsing {
		b, err := openBrowser(cfg.BrowsePort)
		if err != nil {
			s.shutdown()
			return nil, err
		}
		s.browse = b
		s.reg.Register(b.fd, fdreg.OwnerBrowse)
		s.reg.SetReadable(b.fd, true)
	}

	s.applyConfig(cfg)
	return s, nil
}

// applyConfig syncs the catalog's local printers with the configuration.
// Remote (browsed) printers are untouched.
func (s *Scheduler) applyConfig(cfg *config.Config) {
	s.cfg = cfg

	wanted := make(map[string]bool, len(cfg.Printers))
	for _, pc := range cfg.Printers {
		wanted[pc.Name] = true

		if existing, ok := s.catalog.Printer(pc.Name); ok && !existing.Remote {
			s.catalog.UpdatePrinter(pc.Name, func(p *model.Printer) {
				p.URI = pc.URI
				p.Info = pc.Info
				p.Location = pc.Location
				p.Shared = pc.Shared
				p.FilterChain = pc.FilterArgv()
			})
			continue
		}

		s.catalog.AddPrinter(&model.Printer{
			Name:        pc.Name,
			URI:         pc.URI,
			Info:        pc.Info,
			Location:    pc.Location,
			Shared:      pc.Shared,
			Accepting:   true,
			State:       model.PrinterIdle,
			FilterChain: pc.FilterArgv(),
		})
		s.log.Info("printer configured", zap.String("printer", pc.Name), zap.String("uri", pc.URI))
	}

	for _, p := range s.catalog.Printers() {
		if !p.Remote && !wanted[p.Name] {
			s.log.Info("printer removed", zap.String("printer", p.Name))
			s.catalog.RemovePrinter(p.Name)
		}
	}
}

// SharedPrinterCount supports the lazy-start decision in main.
func (s *Scheduler) SharedPrinterCount() int {
	n := 0
	for _, p := range s.catalog.Printers() {
		if p.Shared && !p.Remote {
			n++
		}
	}
	return n
}

// PendingWork reports whether any job is queued or running.
func (s *Scheduler) PendingWork() bool {
	return s.catalog.ActiveJobCount() > 0
}

// Dispatch hands a closure to the loop thread and wakes the poll. The
// CHLD kick is a spare wake-up; the reaper tolerates it.
func (s *Scheduler) Dispatch(fn func()) {
	s.dispatchMu.Lock()
	s.dispatched = append(s.dispatched, fn)
	s.dispatchMu.Unlock()
	s.bridge.Kick(unix.SIGCHLD)
}

func (s *Scheduler) runDispatched() {
	s.dispatchMu.Lock()
	fns := s.dispatched
	s.dispatched = nil
	s.dispatchMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Run drives the loop until a stop latch or a fatal error.
func (s *Scheduler) Run() error {
	defer s.shutdown()

	s.log.Info("scheduler running",
		zap.Int("printers", len(s.catalog.Printers())),
		zap.Bool("browsing", s.cfg.Browsing))

	s.checkJobs()

	for !s.stopping {
		if err := s.iterate(); err != nil {
			s.log.Error("scheduler shutting down due to program error", zap.Error(err))
			return err
		}
	}

	s.log.Info("scheduler shutting down normally")
	return nil
}

// Stop latches a graceful stop from another goroutine.
func (s *Scheduler) Stop() {
	s.bridge.Kick(unix.SIGTERM)
}

// Reload kicks SIGHUP from another goroutine. Like a real HUP it latches a
// configuration reload, or a graceful stop when the bridge runs as a
// non-root user.
func (s *Scheduler) Reload() {
	s.bridge.Kick(unix.SIGHUP)
}

// iterate is one loop turn, in the canonical order: signals, reaper,
// reload, wait, accept, clients, job pipes, CGI, browse, job rescan, cert
// rotation.
func (s *Scheduler) iterate() error {
	latches := s.bridge.Drain()

	if latches.StopScheduler {
		s.stopping = true
		return nil
	}

	if latches.DeadChildren {
		s.processChildren()
	}

	s.runDispatched()

	if latches.NeedReload && !s.needReload {
		s.needReload = true
		s.reloadTime = s.clk.Now()
		s.log.Info("reload requested")
	}
	if s.needReload {
		if err := s.tryReload(); err != nil {
			return err
		}
	}

	timeout := s.selectTimeout(s.prevReady)

	snapshot := s.reg.Snapshot()
	ready, err := mux.Wait(snapshot, timeout)
	if err != nil {
		s.dumpState(err)
		return err
	}
	s.prevReady = len(ready)

	rs := mux.NewReadySet(ready)

	if s.listening {
		for _, lis := range s.listeners {
			if rs.Readable(lis.FD) {
				s.acceptClients(lis)
			}
		}
	}

	s.serviceClients(rs)

	// Job status pipes: clear each ready bit from the local snapshot
	// before applying, so a job removed mid-tick cannot alias a reused
	// descriptor.
	for fd, jp := range s.jobPipesSnapshot() {
		if rs.Readable(fd) {
			rs.Clear(fd)
			s.updateJob(jp)
		}
	}

	if s.cgiRead >= 0 && rs.Readable(s.cgiRead) {
		s.drainCGI()
	}

	if s.cfg.Browsing && s.browse != nil {
		if rs.Readable(s.browse.fd) {
			s.recvBrowse()
		}
		s.browseTick()
	}

	now := s.clk.Now()
	if now-s.lastCheckJobs >= jobTick {
		s.checkJobs()
		s.lastCheckJobs = now
	}

	s.maybeRotateCert(now)

	return nil
}

// maybeRotateCert rotates the root certificate once per configured
// interval.
func (s *Scheduler) maybeRotateCert(now int64) {
	if s.cfg.RootCertDuration <= 0 || now-s.rootCertTime < s.cfg.RootCertDuration {
		return
	}
	if err := s.certs.Rotate(); err != nil {
		s.log.Error("root certificate rotation failed", zap.Error(err))
	}
	s.rootCertTime = now
}

// browseTick advertises and expires printers on their deadlines.
func (s *Scheduler) browseTick() {
	now := s.clk.Now()
	due := false
	for _, p := range s.catalog.Printers() {
		if !p.Remote && p.Shared && p.BrowseTime+s.cfg.BrowseInterval <= now {
			due = true
			break
		}
	}
	if due {
		s.sendBrowseList()
	}
	s.expireBrowsedPrinters()
}

// tryReload runs the quiesce protocol: idle clients closed, active ones
// marked last-request, listeners paused; the reload itself fires once no
// clients remain and no job is processing, or after ReloadTimeout.
func (s *Scheduler) tryReload() error {
	for _, c := range s.clientList() {
		if c.state == ClientIdle || c.state == ClientWaiting {
			s.closeClient(c)
		} else {
			c.keepAlive = false
			c.closing = true
		}
	}
	s.pauseListening()

	quiesced := len(s.clients) == 0 && s.catalog.ProcessingCount() == 0
	expired := s.clk.Now()-s.reloadTime >= s.cfg.ReloadTimeout
	if !quiesced && !expired {
		return nil
	}

	cfg, err := s.reload()
	if err != nil {
		return errors.Wrap(err, "configuration reload")
	}

	s.applyConfig(cfg)
	s.needReload = false
	s.resumeListening()
	s.log.Info("configuration reloaded")
	return nil
}

// jobPipesSnapshot copies the pipe map; updateJob mutates the original.
func (s *Scheduler) jobPipesSnapshot() map[int]*jobPipe {
	out := make(map[int]*jobPipe, len(s.jobPipes))
	for fd, jp := range s.jobPipes {
		out[fd] = jp
	}
	return out
}

// dumpState logs everything a postmortem needs when the multiplexer
// fails: the full interest set and every tracked descriptor.
func (s *Scheduler) dumpState(cause error) {
	s.log.Error("multiplexer failed", zap.Error(cause))
	s.log.Error("interest set", zap.String("registry", spew.Sdump(s.reg.Dump())))

	for _, lis := range s.listeners {
		s.log.Error("listener", zap.String("addr", lis.Addr), zap.Int("fd", lis.FD))
	}
	for fd, c := range s.clients {
		s.log.Error("client",
			zap.Int("fd", fd),
			zap.Int("state", int(c.state)),
			zap.Int("file", c.filePipe))
	}
	for fd, jp := range s.jobPipes {
		s.log.Error("job pipe", zap.Int("fd", fd), zap.Int64("job", jp.jobID))
	}
	if s.browse != nil {
		s.log.Error("browse socket", zap.Int("fd", s.browse.fd))
	}
	s.log.Error("cgi pipe", zap.Int("fd", s.cgiRead))
	s.log.Error("self pipe", zap.Int("fd", s.bridge.ReadFD()))
}

// shutdown closes every descriptor the loop owns and terminates running
// pipelines.
func (s *Scheduler) shutdown() {
	for _, c := range s.clientList() {
		s.closeClient(c)
	}

	for _, jp := range s.jobPipesSnapshot() {
		s.closeJobPipe(jp)
	}

	for _, job := range s.catalog.Jobs() {
		if job.State == model.JobProcessing {
			pipeline.Cancel(job.Procs)
		}
	}

	for _, lis := range s.listeners {
		if s.reg.Contains(lis.FD) {
			s.reg.Deregister(lis.FD)
		}
		unix.Close(lis.FD)
	}
	s.listeners = nil

	if s.browse != nil {
		if s.reg.Contains(s.browse.fd) {
			s.reg.Deregister(s.browse.fd)
		}
		unix.Close(s.browse.fd)
		s.browse = nil
	}

	if s.cgiRead >= 0 {
		if s.reg.Contains(s.cgiRead) {
			s.reg.Deregister(s.cgiRead)
		}
		unix.Close(s.cgiRead)
		unix.Close(s.cgiWrite)
		s.cgiRead, s.cgiWrite = -1, -1
	}

	if s.reg.Contains(s.bridge.ReadFD()) {
		s.reg.Deregister(s.bridge.ReadFD())
	}
}
