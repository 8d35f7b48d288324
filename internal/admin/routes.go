package admin

import (
	"context"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// ErrUnknownJob is returned by a Backend for names not in the config.
var ErrUnknownJob = errors.New("unknown job")

// Backend is the daemon surface the admin API drives.
type Backend interface {
	Status() any
	Runs(ctx context.Context, q storage.Query) ([]storage.RunRecord, error)
	RunJob(name string, delay time.Duration) error
	CancelJob(name string) (bool, error)
	Suspend()
	Resume()
	// Metrics returns the current metrics summary as a JSON-able value.
	Metrics(w http.ResponseWriter, r *http.Request) (any, error)
}

// Handler builds the router for cfg. Exposed for tests.
func (s *Service) Handler(cfg Config) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok\n") })

	api := r.Group("/", s.auth(cfg))
	api.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, s.backend.Status()) })
	api.GET("/runs", s.listRuns)
	api.GET("/metrics", func(c *gin.Context) {
		v, err := s.backend.Metrics(c.Writer, c.Request)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, v)
	})
	api.POST("/jobs/:name/run", s.runJob)
	api.POST("/jobs/:name/cancel", s.cancelJob)
	api.POST("/scheduler/suspend", func(c *gin.Context) {
		s.backend.Suspend()
		c.JSON(http.StatusOK, gin.H{"suspended": true})
	})
	api.POST("/scheduler/resume", func(c *gin.Context) {
		s.backend.Resume()
		c.JSON(http.StatusOK, gin.H{"suspended": false})
	})

	if cfg.Pprof {
		dbg := api.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(hpprof.Index))
		dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(hpprof.Profile))
		dbg.POST("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/trace", gin.WrapF(hpprof.Trace))
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			dbg.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
		}
	}
	return r
}

func (s *Service) listRuns(c *gin.Context) {
	q := storage.Query{Name: c.Query("name"), Severity: c.Query("severity")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	runs, err := s.backend.Runs(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Service) runJob(c *gin.Context) {
	name := c.Param("name")
	var delay time.Duration
	if v := c.Query("delay"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delay"})
			return
		}
		delay = d
	}
	if err := s.backend.RunJob(name, delay); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.log.Info("job scheduled via admin", logx.String("job", name), logx.Duration("delay", delay))
	c.JSON(http.StatusAccepted, gin.H{"job": name, "delay": delay.String()})
}

func (s *Service) cancelJob(c *gin.Context) {
	name := c.Param("name")
	ok, err := s.backend.CancelJob(name)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.log.Info("job cancel via admin", logx.String("job", name), logx.Bool("canceled", ok))
	c.JSON(http.StatusOK, gin.H{"job": name, "canceled": ok})
}

func statusFor(err error) int {
	if errors.Is(err, ErrUnknownJob) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func (s *Service) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("admin request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
