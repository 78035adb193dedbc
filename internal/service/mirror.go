// Package service hosts the daemon's background services around the
// scheduler core.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/printd-dev/printd/internal/model"
)

// PrinterStore persists printer snapshots.
type PrinterStore interface {
	SavePrinter(ctx context.Context, view model.PrinterView, history []model.HistoryEntry) error
}

// JobStore persists job snapshots.
type JobStore interface {
	SaveJob(ctx context.Context, view model.JobView) error
}

// Mirror drains catalogue change events into the stores. Strictly
// best-effort: a slow or down store costs log lines, never scheduler
// time.
type Mirror struct {
	log      *zap.Logger
	printers PrinterStore
	jobs     JobStore
	timeout  time.Duration
}

func NewMirror(log *zap.Logger, printers PrinterStore, jobs JobStore) *Mirror {
	return &Mirror{
		log:      log.Named("mirror"),
		printers: printers,
		jobs:     jobs,
		timeout:  3 * time.Second,
	}
}

// Run applies events until the context ends or the channel closes.
func (m *Mirror) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ctx, ev)
		}
	}
}

func (m *Mirror) apply(ctx context.Context, ev model.Event) {
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case model.EventPrinter:
		err = m.printers.SavePrinter(opCtx, ev.Printer, ev.History)
	case model.EventJob:
		err = m.jobs.SaveJob(opCtx, ev.Job)
	}

	if err != nil {
		m.log.Warn("mirror write failed", zap.Error(err))
	}
}
