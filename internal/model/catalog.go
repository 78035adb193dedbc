package model

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrPrinterNotFound = errors.New("printer not found")
	ErrJobNotFound     = errors.New("job not found")
)

// EventKind tags catalogue change notifications.
type EventKind int

const (
	EventPrinter EventKind = iota
	EventJob
)

// Event is a catalogue change, carrying a snapshot so consumers never
// touch live model objects.
type Event struct {
	Kind    EventKind
	Printer PrinterView
	Job     JobView
	History []HistoryEntry
}

// Catalog owns the in-memory printer and job collections. The scheduler
// thread is the sole writer; the admin API and the mirror service read
// snapshots under the lock. Entities are addressed by stable identifiers
// (name, id) rather than pointers, so a removed entity simply stops
// resolving.
type Catalog struct {
	log *zap.Logger

	mu       sync.RWMutex
	printers map[string]*Printer
	jobs     map[int64]*Job
	ids      *idAllocator

	events chan Event
}

func NewCatalog(log *zap.Logger) *Catalog {
	return &Catalog{
		log:      log.Named("catalog"),
		printers: make(map[string]*Printer),
		jobs:     make(map[int64]*Job),
		ids:      newIDAllocator(),
		events:   make(chan Event, 256),
	}
}

// Events exposes the change stream for the mirror service.
func (c *Catalog) Events() <-chan Event { return c.events }

// publish is non-blocking: a slow or absent mirror never stalls the
// scheduler.
func (c *Catalog) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("event channel full, dropping", zap.Int("kind", int(ev.Kind)))
	}
}

// AddPrinter registers or replaces a printer definition.
func (c *Catalog) AddPrinter(p *Printer) {
	c.mu.Lock()
	if p.History == nil {
		p.History = &History{}
	}
	c.printers[p.Name] = p
	view := p.View()
	c.mu.Unlock()

	c.publish(Event{Kind: EventPrinter, Printer: view})
}

// RemovePrinter drops a printer from the catalogue.
func (c *Catalog) RemovePrinter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.printers, name)
}

// Printer resolves a printer by name for scheduler-thread use.
func (c *Catalog) Printer(name string) (*Printer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.printers[name]
	return p, ok
}

// Printers returns the live printer objects for scheduler-thread
// iteration.
func (c *Catalog) Printers() []*Printer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Printer, 0, len(c.printers))
	for _, p := range c.printers {
		out = append(out, p)
	}
	return out
}

// PrinterViews snapshots all printers.
func (c *Catalog) PrinterViews() []PrinterView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PrinterView, 0, len(c.printers))
	for _, p := range c.printers {
		out = append(out, p.View())
	}
	return out
}

// PrinterHistory returns the newest n history entries for a printer.
func (c *Catalog) PrinterHistory(name string, n int) ([]HistoryEntry, error) {
	c.mu.RLock()
	p, ok := c.printers[name]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrPrinterNotFound
	}
	return p.History.Read(n), nil
}

// SetPrinterState updates state and message, appends to history, and
// publishes the change.
func (c *Catalog) SetPrinterState(name string, state PrinterState, message string, now int64) {
	c.mu.Lock()
	p, ok := c.printers[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.State = state
	if message != "" {
		p.StateMessage = message
		p.History.Append(HistoryEntry{Time: now, Message: message})
	}
	view := p.View()
	hist := p.History.Read(0)
	c.mu.Unlock()

	c.publish(Event{Kind: EventPrinter, Printer: view, History: hist})
}

// NewJob queues a job against a printer and returns it.
func (c *Catalog) NewJob(printer string, copies int, spool string, now int64) (*Job, error) {
	c.mu.Lock()
	p, ok := c.printers[printer]
	if !ok {
		c.mu.Unlock()
		return nil, ErrPrinterNotFound
	}

	job := &Job{
		ID:          c.ids.alloc(),
		PrinterName: p.Name,
		State:       JobPending,
		Copies:      copies,
		SpoolFile:   spool,
		StatusPipe:  -1,
		Submitted:   now,
	}
	c.jobs[job.ID] = job
	view := job.View()
	c.mu.Unlock()

	c.publish(Event{Kind: EventJob, Job: view})
	return job, nil
}

// Job resolves a job by id for scheduler-thread use.
func (c *Catalog) Job(id int64) (*Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[id]
	return j, ok
}

// Jobs returns the live job objects for scheduler-thread iteration.
func (c *Catalog) Jobs() []*Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j)
	}
	return out
}

// JobViews snapshots all jobs.
func (c *Catalog) JobViews() []JobView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]JobView, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.View())
	}
	return out
}

// UpdateJob runs fn on a job under the catalogue's write lock, keeping
// scheduler-thread field writes ordered against snapshot readers.
func (c *Catalog) UpdateJob(id int64, fn func(*Job)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[id]; ok {
		fn(j)
	}
}

// UpdatePrinter runs fn on a printer under the catalogue's write lock.
func (c *Catalog) UpdatePrinter(name string, fn func(*Printer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.printers[name]; ok {
		fn(p)
	}
}

// SetJobState transitions a job and publishes the change.
func (c *Catalog) SetJobState(id int64, state JobState) {
	c.mu.Lock()
	j, ok := c.jobs[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	j.State = state
	view := j.View()
	c.mu.Unlock()

	c.publish(Event{Kind: EventJob, Job: view})
}

// FindJobByPID locates the Processing job whose pipeline owns pid,
// returning the job and the slot index.
func (c *Catalog) FindJobByPID(pid int) (*Job, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, j := range c.jobs {
		if j.State != JobProcessing {
			continue
		}
		if slot := j.SlotForPID(pid); slot >= 0 {
			return j, slot
		}
	}
	return nil, -1
}

// ProcessingCount reports how many jobs hold live pipelines.
func (c *Catalog) ProcessingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, j := range c.jobs {
		if j.State == JobProcessing {
			n++
		}
	}
	return n
}

// ActiveJobCount counts jobs in Pending or Processing, the set that keeps
// the scheduler on a short wake-up cadence.
func (c *Catalog) ActiveJobCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, j := range c.jobs {
		if j.State == JobPending || j.State == JobProcessing {
			n++
		}
	}
	return n
}

// RemoveJob deletes a terminal job and recycles its ID.
func (c *Catalog) RemoveJob(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[id]; !ok {
		return
	}
	delete(c.jobs, id)
	c.ids.release(id)
}
