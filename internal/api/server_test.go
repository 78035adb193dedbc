package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/printd-dev/printd/internal/model"
)

// fakeController runs dispatched closures inline.
type fakeController struct {
	cancelled []int64
	held      []int64
	released  []int64
	reloads   int
	stops     int
	cancelErr error
}

func (f *fakeController) Dispatch(fn func()) { fn() }

func (f *fakeController) Cancel(id int64) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeController) Hold(id int64) error {
	f.held = append(f.held, id)
	return nil
}

func (f *fakeController) Release(id int64) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakeController) Reload() { f.reloads++ }
func (f *fakeController) Stop()  { f.stops++ }

func testCatalog(t *testing.T) *model.Catalog {
	t.Helper()
	cat := model.NewCatalog(zap.NewNop())
	cat.AddPrinter(&model.Printer{
		Name:      "deskjet",
		URI:       "usb://HP/DeskJet%20990C",
		Shared:    true,
		Accepting: true,
		State:     model.PrinterIdle,
		History:   &model.History{},
	})
	cat.SetPrinterState("deskjet", model.PrinterIdle, "ready to print", 10)

	_, err := cat.NewJob("deskjet", 1, "", 20)
	require.NoError(t, err)
	return cat
}

func testServer(t *testing.T) (*Server, *fakeController) {
	t.Helper()
	ctrl := &fakeController{}
	s := NewServer(zap.NewNop(), "127.0.0.1:0", testCatalog(t), ctrl)
	return s, ctrl
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	s, _ := testServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/ping")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestListPrinters(t *testing.T) {
	s, _ := testServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/printers")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Total-Count"))

	var printers []model.PrinterView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &printers))
	require.Len(t, printers, 1)
	assert.Equal(t, "deskjet", printers[0].Name)
	assert.Equal(t, "idle", printers[0].State)
}

func TestGetPrinter(t *testing.T) {
	s, _ := testServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/printers/deskjet")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/printers/ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrinterHistory(t *testing.T) {
	s, _ := testServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/printers/deskjet/history")
	require.Equal(t, http.StatusOK, w.Code)

	var hist []model.HistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, "ready to print", hist[0].Message)

	w = doRequest(t, s, http.MethodGet, "/api/printers/ghost/history")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAndGetJobs(t *testing.T) {
	s, _ := testServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Total-Count"))

	w = doRequest(t, s, http.MethodGet, "/api/jobs/1")
	require.Equal(t, http.StatusOK, w.Code)

	var job model.JobView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "pending", job.State)

	w = doRequest(t, s, http.MethodGet, "/api/jobs/99")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/jobs/xyz")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobControlOps(t *testing.T) {
	s, ctrl := testServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/jobs/1/cancel")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, ctrl.cancelled)

	w = doRequest(t, s, http.MethodPost, "/api/jobs/1/hold")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, ctrl.held)

	w = doRequest(t, s, http.MethodPost, "/api/jobs/1/release")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1}, ctrl.released)
}

func TestCancelNotFound(t *testing.T) {
	s, ctrl := testServer(t)
	ctrl.cancelErr = model.ErrJobNotFound

	w := doRequest(t, s, http.MethodPost, "/api/jobs/7/cancel")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestControlEndpoints(t *testing.T) {
	s, ctrl := testServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/control/reload")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, ctrl.reloads)

	w = doRequest(t, s, http.MethodPost, "/api/control/stop")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, ctrl.stops)
}
