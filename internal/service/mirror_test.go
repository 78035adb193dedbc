package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/printd-dev/printd/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	printers []model.PrinterView
	jobs     []model.JobView
	err      error
}

func (f *fakeStore) SavePrinter(_ context.Context, view model.PrinterView, _ []model.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.printers = append(f.printers, view)
	return nil
}

func (f *fakeStore) SaveJob(_ context.Context, view model.JobView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, view)
	return nil
}

func (f *fakeStore) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.printers), len(f.jobs)
}

func TestMirrorAppliesEvents(t *testing.T) {
	store := &fakeStore{}
	m := NewMirror(zap.NewNop(), store, store)

	events := make(chan model.Event, 4)
	events <- model.Event{Kind: model.EventPrinter, Printer: model.PrinterView{Name: "deskjet"}}
	events <- model.Event{Kind: model.EventJob, Job: model.JobView{ID: 1, State: "pending"}}
	close(events)

	m.Run(context.Background(), events)

	printers, jobs := store.counts()
	assert.Equal(t, 1, printers)
	assert.Equal(t, 1, jobs)
	assert.Equal(t, "deskjet", store.printers[0].Name)
}

func TestMirrorSurvivesStoreFailures(t *testing.T) {
	store := &fakeStore{err: errors.New("redis down")}
	m := NewMirror(zap.NewNop(), store, store)

	events := make(chan model.Event, 2)
	events <- model.Event{Kind: model.EventJob, Job: model.JobView{ID: 1}}
	close(events)

	// Must not panic or block.
	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror stalled on a failing store")
	}
}

func TestMirrorStopsOnContext(t *testing.T) {
	m := NewMirror(zap.NewNop(), &fakeStore{}, &fakeStore{})

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan model.Event)

	done := make(chan struct{})
	go func() {
		m.Run(ctx, events)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not stop on context cancel")
	}
	require.True(t, true)
}
