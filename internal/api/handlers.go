package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/printd-dev/printd/internal/model"
)

// dispatchTimeout bounds how long a handler waits for the scheduler loop
// to pick up a control operation.
const dispatchTimeout = 5 * time.Second

var errDispatchTimeout = errors.New("scheduler did not respond in time")

func (s *Server) registerPrinters(r *gin.Engine) {
	r.GET("/api/printers", func(c *gin.Context) {
		printers := s.catalog.PrinterViews()
		sort.Slice(printers, func(i, j int) bool { return printers[i].Name < printers[j].Name })

		c.Header("X-Total-Count", strconv.Itoa(len(printers)))
		c.JSON(http.StatusOK, printers)
	})

	r.GET("/api/printers/:name", func(c *gin.Context) {
		name := c.Param("name")
		for _, p := range s.catalog.PrinterViews() {
			if p.Name == name {
				c.JSON(http.StatusOK, p)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"message": model.ErrPrinterNotFound.Error()})
	})

	r.GET("/api/printers/:name/history", func(c *gin.Context) {
		lines, _ := strconv.Atoi(c.DefaultQuery("lines", "0"))

		hist, err := s.catalog.PrinterHistory(c.Param("name"), lines)
		if err != nil {
			_ = c.Error(err)
			if errors.Is(err, model.ErrPrinterNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}

		c.Header("X-Total-Count", strconv.Itoa(len(hist)))
		c.JSON(http.StatusOK, hist)
	})
}

func (s *Server) registerJobs(r *gin.Engine) {
	r.GET("/api/jobs", func(c *gin.Context) {
		jobs := s.catalog.JobViews()
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

		c.Header("X-Total-Count", strconv.Itoa(len(jobs)))
		c.JSON(http.StatusOK, jobs)
	})

	r.GET("/api/jobs/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid id"})
			return
		}

		for _, j := range s.catalog.JobViews() {
			if j.ID == id {
				c.JSON(http.StatusOK, j)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"message": model.ErrJobNotFound.Error()})
	})

	r.POST("/api/jobs/:id/cancel", s.jobOp(func(id int64) error { return s.ctrl.Cancel(id) }))
	r.POST("/api/jobs/:id/hold", s.jobOp(func(id int64) error { return s.ctrl.Hold(id) }))
	r.POST("/api/jobs/:id/release", s.jobOp(func(id int64) error { return s.ctrl.Release(id) }))
}

// jobOp runs a job mutation on the scheduler thread and maps the result.
func (s *Server) jobOp(op func(id int64) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid id"})
			return
		}

		errCh := make(chan error, 1)
		s.ctrl.Dispatch(func() { errCh <- op(id) })

		select {
		case err = <-errCh:
		case <-time.After(dispatchTimeout):
			err = errDispatchTimeout
		}

		if err != nil {
			_ = c.Error(err)
			switch {
			case errors.Is(err, model.ErrJobNotFound):
				c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
			case errors.Is(err, errDispatchTimeout):
				c.JSON(http.StatusGatewayTimeout, gin.H{"message": err.Error()})
			default:
				c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"id": id})
	}
}

func (s *Server) registerControl(r *gin.Engine) {
	r.POST("/api/control/reload", func(c *gin.Context) {
		s.ctrl.Reload()
		c.JSON(http.StatusAccepted, gin.H{"message": "reload requested"})
	})

	r.POST("/api/control/stop", func(c *gin.Context) {
		s.ctrl.Stop()
		c.JSON(http.StatusAccepted, gin.H{"message": "stop requested"})
	})
}
