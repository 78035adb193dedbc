// Package api serves the localhost admin/status surface: printer and job
// listings, history, and operator job control.
package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/printd-dev/printd/internal/model"
)

// Catalog is the read surface the handlers consume.
type Catalog interface {
	PrinterViews() []model.PrinterView
	JobViews() []model.JobView
	PrinterHistory(name string, n int) ([]model.HistoryEntry, error)
}

// Controller routes mutations onto the scheduler thread. Dispatch runs
// the closure on the loop; the job operations must only be called from
// inside such a closure.
type Controller interface {
	Dispatch(fn func())
	Cancel(id int64) error
	Hold(id int64) error
	Release(id int64) error
	Reload()
	Stop()
}

// Server is the admin HTTP server.
type Server struct {
	log     *zap.Logger
	addr    string
	catalog Catalog
	ctrl    Controller
	httpSrv *http.Server
}

func NewServer(log *zap.Logger, addr string, catalog Catalog, ctrl Controller) *Server {
	return &Server{
		log:     log.Named("api"),
		addr:    addr,
		catalog: catalog,
		ctrl:    ctrl,
	}
}

// Router builds the gin engine; split out so tests can drive it with
// httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())
	r.Use(secure.New(secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
	}))

	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type"},
			ExposeHeaders:    []string{"X-Total-Count"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(RequestID())
	r.Use(ZapLogger(s.log))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	s.registerPrinters(r)
	s.registerJobs(r)
	s.registerControl(r)

	return r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,

		MaxHeaderBytes: 1 << 15,

		ErrorLog: zap.NewStdLog(s.log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	s.log.Info("admin API listening", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
