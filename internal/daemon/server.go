// Package daemon exposes the scheduler over a local HTTP API, which is what
// the command line talks to.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dohuyhoang93/DirectorySync/internal/config"
	"github.com/dohuyhoang93/DirectorySync/internal/history"
	"github.com/dohuyhoang93/DirectorySync/internal/model"
	"github.com/dohuyhoang93/DirectorySync/internal/report"
	"github.com/dohuyhoang93/DirectorySync/internal/service"
)

// ConfigSource provides the job list and interval, *config.Store in the daemon.
type ConfigSource interface {
	Config() config.Config
}

// JobState is a configured job with the outcome of its last run.
type JobState struct {
	model.Job
	Status     model.Status `json:"status"`
	Diagnostic string       `json:"diagnostic,omitempty"`
	Updated    *time.Time   `json:"updated,omitempty"`
}

type Status struct {
	Running  bool        `json:"running"`
	Interval string      `json:"interval,omitempty"`
	Snapshot []model.Key `json:"snapshot,omitempty"`
	Slots    []string    `json:"slots,omitempty"`
	Jobs     []JobState  `json:"jobs"`
}

type StartRequest struct {
	// Interval overrides the configured one.
	Interval string `json:"interval,omitempty"`
}

type RunRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	// Wait holds the response until the run is over.
	Wait bool `json:"wait,omitempty"`
}

type RunResponse struct {
	Status string `json:"status"` // started | completed | failed
}

type Server struct {
	echo      *echo.Echo
	scheduler *service.Scheduler
	reporter  *report.Reporter
	history   *history.Store
	config    ConfigSource
	buffer    int
}

func NewServer(scheduler *service.Scheduler, reporter *report.Reporter, hist *history.Store, cfg ConfigSource) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.DebugContext(c.Request().Context(), "request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status)
			return nil
		},
	}))

	s := &Server{
		echo:      e,
		scheduler: scheduler,
		reporter:  reporter,
		history:   hist,
		config:    cfg,
		buffer:    cfg.Config().Buffer,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/status", s.handleStatus)
	s.echo.POST("/start", s.handleStart)
	s.echo.POST("/stop", s.handleStop)
	s.echo.POST("/run", s.handleRun)
	s.echo.GET("/jobs", s.handleJobs)
	s.echo.GET("/events", s.handleEvents)
	s.echo.GET("/history", s.handleHistory)
}

// Handler returns the API as a http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve listens on addr until Shutdown is called.
func (s *Server) Serve(addr string) error {
	slog.Info("daemon server started", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server. Event streams end when the reporter is closed,
// so close it first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func jsonError(c echo.Context, code int, err error) error {
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	st := s.scheduler.Snapshot()
	ret := Status{
		Running:  st.Running,
		Snapshot: st.Jobs,
		Slots:    st.Slots,
		Jobs:     []JobState{},
	}
	if st.Running {
		ret.Interval = st.Interval.String()
	}

	latest, err := s.history.Latest(ctx)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	last := make(map[model.Key]history.Run, len(latest))
	for _, r := range latest {
		last[r.Key()] = r
	}

	for _, j := range s.config.Config().Jobs {
		js := JobState{Job: j, Status: model.StatusIdle}
		if r, ok := last[j.Key()]; ok {
			js.Status = r.Status
			js.Diagnostic = r.Diagnostic
			updated := r.StartedAt
			if r.FinishedAt != nil {
				updated = *r.FinishedAt
			}
			js.Updated = &updated
		}
		ret.Jobs = append(ret.Jobs, js)
	}
	return c.JSON(http.StatusOK, ret)
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return jsonError(c, http.StatusBadRequest, err)
		}
	}
	ctx := context.WithoutCancel(c.Request().Context())

	cfg := s.config.Config()
	if req.Interval != "" {
		cfg.Interval = req.Interval
	}
	if err := cfg.Validate(); err != nil {
		s.reporter.Error(ctx, "cannot start sync: "+err.Error())
		return jsonError(c, http.StatusBadRequest, err)
	}
	interval, _ := cfg.IntervalDuration()

	err := s.scheduler.Start(ctx, cfg.Jobs, interval)
	switch {
	case errors.Is(err, service.ErrAlreadyRunning):
		return jsonError(c, http.StatusConflict, err)
	case errors.Is(err, service.ErrNoJobs):
		return jsonError(c, http.StatusBadRequest, err)
	case err != nil:
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "started", "interval": interval.String()})
}

func (s *Server) handleStop(c echo.Context) error {
	if !s.scheduler.IsRunning() {
		return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
	}
	s.scheduler.Stop()
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil || req.Source == "" || req.Destination == "" {
		return jsonError(c, http.StatusBadRequest, errors.New("source and destination required"))
	}
	key := model.Key{Source: req.Source, Destination: req.Destination}
	job, ok := model.Find(s.config.Config().Jobs, key)
	if !ok {
		return jsonError(c, http.StatusNotFound, fmt.Errorf("job %s not configured", key))
	}
	if err := job.Validate(); err != nil {
		return jsonError(c, http.StatusBadRequest, err)
	}

	done := s.scheduler.RunSingle(context.WithoutCancel(c.Request().Context()), job)
	if !req.Wait {
		return c.JSON(http.StatusAccepted, RunResponse{Status: "started"})
	}
	select {
	case ok := <-done:
		if ok {
			return c.JSON(http.StatusOK, RunResponse{Status: "completed"})
		}
		return c.JSON(http.StatusOK, RunResponse{Status: "failed"})
	case <-c.Request().Context().Done():
		return c.Request().Context().Err()
	}
}

func (s *Server) handleJobs(c echo.Context) error {
	jobs := s.config.Config().Jobs
	if jobs == nil {
		jobs = []model.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleHistory(c echo.Context) error {
	n := 20
	if nStr := c.QueryParam("n"); nStr != "" {
		if parsed, err := strconv.Atoi(nStr); err == nil {
			n = parsed
		}
	}
	runs, err := s.history.Recent(c.Request().Context(), n)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, runs)
}

// handleEvents streams reporter events as server-sent events until the
// client goes away or the reporter is closed.
func (s *Server) handleEvents(c echo.Context) error {
	sub := s.reporter.Subscribe(s.buffer)
	defer sub.Unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			env := report.Wrap(ev)
			b, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, b); err != nil {
				slog.DebugContext(ctx, "event stream closed", "error", err)
				return nil
			}
			w.Flush()
		}
	}
}
