//go:build linux

package scheduler

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/printd-dev/printd/internal/fdreg"
	"github.com/printd-dev/printd/internal/model"
	"github.com/printd-dev/printd/internal/pipeline"
)

// jobPipe tracks the scheduler-side handles of a running pipeline.
type jobPipe struct {
	jobID       int64
	statusPipe  *os.File
	sideChannel *os.File
	partial     []byte // status line carried across reads
}

// Submit implements protocol.Sink: enqueue a spooled file and run a
// CheckJobs pass at once, so the job starts immediately when its printer is
// idle and otherwise waits for a later pass.
func (s *Scheduler) Submit(printer string, copies int, spoolPath string) (int64, error) {
	p, ok := s.catalog.Printer(printer)
	if !ok {
		return 0, model.ErrPrinterNotFound
	}
	if !p.Accepting {
		return 0, errors.Errorf("printer %q is not accepting jobs", printer)
	}

	job, err := s.catalog.NewJob(printer, copies, spoolPath, s.clk.Now())
	if err != nil {
		return 0, err
	}

	s.log.Info("job queued",
		zap.Int64("job", job.ID),
		zap.String("printer", printer),
		zap.Int("copies", copies))

	s.checkJobs()
	return job.ID, nil
}

// Cancel implements protocol.Sink: TERM the pipeline and let the reaper
// observe the exits; a pending job cancels immediately.
func (s *Scheduler) Cancel(id int64) error {
	job, ok := s.catalog.Job(id)
	if !ok {
		return model.ErrJobNotFound
	}

	switch job.State {
	case model.JobProcessing:
		s.cancelRequested[id] = true
		pipeline.Cancel(job.Procs)
	case model.JobPending, model.JobHeld:
		s.catalog.SetJobState(id, model.JobCancelled)
		s.releaseJob(job)
	default:
		return errors.Errorf("job %d already %s", id, job.State)
	}

	s.log.Info("job cancelled", zap.Int64("job", id))
	return nil
}

// Hold implements the hold operation for pending jobs.
func (s *Scheduler) Hold(id int64) error {
	job, ok := s.catalog.Job(id)
	if !ok {
		return model.ErrJobNotFound
	}
	if job.State != model.JobPending {
		return errors.Errorf("job %d is %s, not pending", id, job.State)
	}
	s.catalog.SetJobState(id, model.JobHeld)
	return nil
}

// Release implements the release operation for held jobs.
func (s *Scheduler) Release(id int64) error {
	job, ok := s.catalog.Job(id)
	if !ok {
		return model.ErrJobNotFound
	}
	if job.State != model.JobHeld {
		return errors.Errorf("job %d is %s, not held", id, job.State)
	}
	s.catalog.SetJobState(id, model.JobPending)
	s.checkJobs()
	return nil
}

// StatusLines implements protocol.Sink.
func (s *Scheduler) StatusLines() []string {
	printers := s.catalog.PrinterViews()
	sort.Slice(printers, func(i, j int) bool { return printers[i].Name < printers[j].Name })

	jobs := s.catalog.JobViews()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	lines := make([]string, 0, len(printers)+len(jobs))
	for _, p := range printers {
		line := fmt.Sprintf("printer %s %s", p.Name, p.State)
		if p.StateMessage != "" {
			line += " " + strconv.Quote(p.StateMessage)
		}
		lines = append(lines, line)
	}
	for _, j := range jobs {
		lines = append(lines, fmt.Sprintf("job %d %s %s", j.ID, j.Printer, j.State))
	}
	return lines
}

// checkJobs starts pending jobs whose printer is ready and cancels jobs
// whose printer vanished. Runs on submission and every ten seconds.
func (s *Scheduler) checkJobs() {
	busy := make(map[string]bool)
	for _, job := range s.catalog.Jobs() {
		if job.State == model.JobProcessing {
			busy[job.PrinterName] = true
		}
	}

	jobs := s.catalog.Jobs()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	for _, job := range jobs {
		if job.State != model.JobPending {
			continue
		}

		p, ok := s.catalog.Printer(job.PrinterName)
		if !ok {
			s.log.Error("cancelling job for removed printer",
				zap.Int64("job", job.ID),
				zap.String("printer", job.PrinterName))
			s.catalog.SetJobState(job.ID, model.JobCancelled)
			s.releaseJob(job)
			continue
		}

		if p.State != model.PrinterIdle || busy[p.Name] {
			continue
		}

		if err := s.startJob(job, p); err != nil {
			s.log.Error("job start failed", zap.Int64("job", job.ID), zap.Error(err))
			s.catalog.SetJobState(job.ID, model.JobAborted)
			s.releaseJob(job)
			continue
		}
		busy[p.Name] = true
	}
}

// startJob launches the filter pipeline and registers the status pipe.
func (s *Scheduler) startJob(job *model.Job, p *model.Printer) error {
	hostname, resource, options := splitDeviceURI(p.URI)

	backendArgv := []string{
		s.backendPath(p.URI),
		p.URI,
		hostname,
		resource,
		options,
		"0", // job data arrives on the backend's stdin
		strconv.Itoa(job.Copies),
	}

	slots := make([][]string, 0, len(p.FilterChain)+1)
	slots = append(slots, p.FilterChain...)
	slots = append(slots, backendArgv)

	// Signals are held across the spawn so a CHLD latch cannot be
	// observed while the job's proc table is half-built.
	if s.bridge != nil {
		s.bridge.Hold()
		defer s.bridge.Release()
	}

	res, err := pipeline.Start(s.log, pipeline.Launch{
		Slots:     slots,
		SpoolFile: job.SpoolFile,
		Env: []string{
			"PRINTER=" + p.Name,
			"DEVICE_URI=" + p.URI,
			fmt.Sprintf("JOB_ID=%d", job.ID),
		},
	})
	if err != nil {
		return err
	}

	statusFD := int(res.StatusPipe.Fd())
	s.catalog.UpdateJob(job.ID, func(j *model.Job) {
		j.Filters = slots
		j.Procs = res.PIDs
		j.ExitStatus = make([]int, len(res.PIDs))
		j.Disposition = 0
		j.StatusPipe = statusFD
	})
	s.jobPipes[statusFD] = &jobPipe{
		jobID:       job.ID,
		statusPipe:  res.StatusPipe,
		sideChannel: res.SideChannel,
	}
	s.reg.Register(statusFD, fdreg.OwnerJobStatus)
	s.reg.SetReadable(statusFD, true)

	s.catalog.SetJobState(job.ID, model.JobProcessing)
	s.catalog.SetPrinterState(p.Name, model.PrinterProcessing, "", s.clk.Now())

	s.log.Info("job started",
		zap.Int64("job", job.ID),
		zap.String("printer", p.Name),
		zap.Ints("pids", res.PIDs))
	return nil
}

// updateJob applies buffered status lines from a job's pipeline. Filters
// report with the classic stderr prefixes (STATE:, ERROR:, INFO:, PAGE:,
// DEBUG:).
func (s *Scheduler) updateJob(jp *jobPipe) {
	buf := make([]byte, 4096)
	n, err := jp.statusPipe.Read(buf)
	if n > 0 {
		jp.partial = append(jp.partial, buf[:n]...)
		s.applyStatusLines(jp)
	}
	if err != nil || n == 0 {
		// EOF: all pipeline write ends are gone.
		s.closeJobPipe(jp)
	}
}

func (s *Scheduler) applyStatusLines(jp *jobPipe) {
	job, ok := s.catalog.Job(jp.jobID)
	if !ok {
		return
	}

	for {
		idx := strings.IndexByte(string(jp.partial), '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string(jp.partial[:idx]), "\r")
		jp.partial = jp.partial[idx+1:]

		prefix, rest, _ := strings.Cut(line, ":")
		rest = strings.TrimSpace(rest)

		switch strings.ToUpper(strings.TrimSpace(prefix)) {
		case "STATE", "INFO":
			s.catalog.SetPrinterState(job.PrinterName, model.PrinterProcessing, rest, s.clk.Now())
		case "ERROR":
			s.log.Error("filter reported error",
				zap.Int64("job", job.ID),
				zap.String("message", rest))
			s.catalog.SetPrinterState(job.PrinterName, model.PrinterProcessing, rest, s.clk.Now())
		case "PAGE":
			s.log.Info("page", zap.Int64("job", job.ID), zap.String("page", rest))
		case "DEBUG":
			s.log.Debug("filter", zap.Int64("job", job.ID), zap.String("message", rest))
		default:
			s.log.Debug("filter output", zap.Int64("job", job.ID), zap.String("line", line))
		}
	}
}

// closeJobPipe releases a pipeline's scheduler-side descriptors.
func (s *Scheduler) closeJobPipe(jp *jobPipe) {
	if s.reg.Contains(int(jp.statusPipe.Fd())) {
		s.reg.Deregister(int(jp.statusPipe.Fd()))
	}
	delete(s.jobPipes, int(jp.statusPipe.Fd()))
	jp.statusPipe.Close()
	if jp.sideChannel != nil {
		jp.sideChannel.Close()
	}

	s.catalog.UpdateJob(jp.jobID, func(j *model.Job) {
		j.StatusPipe = -1
	})
}

// finalizeJob runs once every pipeline slot is reaped: set the terminal
// state, release resources, and stop the printer on backend failure.
func (s *Scheduler) finalizeJob(job *model.Job) {
	if job.StatusPipe >= 0 {
		if jp, ok := s.jobPipes[job.StatusPipe]; ok {
			s.closeJobPipe(jp)
		}
	}

	now := s.clk.Now()
	cancelled := s.cancelRequested[job.ID]
	delete(s.cancelRequested, job.ID)

	var state model.JobState
	switch {
	case cancelled:
		state = model.JobCancelled
	case job.Disposition < 0:
		state = model.JobStopped
	case job.Disposition > 0:
		state = model.JobAborted
	default:
		state = model.JobCompleted
	}
	s.catalog.SetJobState(job.ID, state)

	if job.Disposition < 0 && !cancelled {
		// Backend failure: the printer stops; its state message was set by
		// the reaper.
		s.catalog.SetPrinterState(job.PrinterName, model.PrinterStopped, "", now)
	} else if p, ok := s.catalog.Printer(job.PrinterName); ok && p.State == model.PrinterProcessing {
		s.catalog.SetPrinterState(job.PrinterName, model.PrinterIdle, "", now)
	}

	s.releaseJob(job)

	s.log.Info("job finished",
		zap.Int64("job", job.ID),
		zap.String("state", state.String()),
		zap.Int("disposition", job.Disposition))
}

// releaseJob removes the spool file of a terminal job.
func (s *Scheduler) releaseJob(job *model.Job) {
	if job.SpoolFile != "" {
		if err := os.Remove(job.SpoolFile); err != nil && !os.IsNotExist(err) {
			s.log.Warn("spool cleanup failed",
				zap.Int64("job", job.ID),
				zap.Error(err))
		}
	}
}

// backendPath maps a device URI scheme to its backend executable.
func (s *Scheduler) backendPath(uri string) string {
	scheme, _, _ := strings.Cut(uri, ":")
	return s.cfg.ServerRoot + "/backend/" + scheme
}

// splitDeviceURI extracts the hostname, resource, and option parts a
// backend receives as positional arguments.
func splitDeviceURI(raw string) (hostname, resource, options string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", ""
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), u.RawQuery
}
