// Package ops exposes the operator HTTP surface: health, run
// inspection and manual triggering. Schedule management stays with the
// embedding application; this server is for humans running the engine.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"schedengine/internal/engine"
	"schedengine/internal/partition"
	"schedengine/internal/shared"
	"schedengine/internal/store"
)

// Server serves the operator API.
type Server struct {
	engine *engine.Engine
	repo   *partition.Repository
	log    *slog.Logger

	http *http.Server
}

// New creates the server for an address like ":8080".
func New(addr string, eng *engine.Engine, repo *partition.Repository, log *slog.Logger) *Server {
	s := &Server{engine: eng, repo: repo, log: log}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the gin handler. Exposed separately for tests.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/partitions", s.listPartitions)
	r.GET("/partitions/:partition/schedules/:id/runs", s.listRuns)
	r.POST("/partitions/:partition/schedules/:id/trigger", s.trigger)
	return r
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.log.Info("ops server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listPartitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"partitions": s.repo.Partitions()})
}

type runView struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"scheduleId"`
	Status       string     `json:"status"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
	Output       string     `json:"output,omitempty"`
}

func (s *Server) listRuns(c *gin.Context) {
	h, err := s.repo.Open(c.Request.Context(), c.Param("partition"))
	if err != nil {
		s.renderError(c, err)
		return
	}

	scheduleID := c.Param("id")
	if _, err := h.Schedules.Get(c.Request.Context(), scheduleID); err != nil {
		s.renderError(c, err)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.renderError(c, shared.Wrapf(shared.ErrValidation, "limit %q", raw))
			return
		}
		limit = n
	}

	runs, err := h.Runs.List(c.Request.Context(), scheduleID, store.RunFilter{Limit: limit})
	if err != nil {
		s.renderError(c, err)
		return
	}

	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, runView{
			ID:           r.ID,
			ScheduleID:   r.ScheduleID,
			Status:       string(r.Status),
			ScheduledFor: r.ScheduledFor,
			StartedAt:    r.StartedAt,
			CompletedAt:  r.CompletedAt,
			Error:        r.Error,
			Output:       r.Output,
		})
	}
	c.JSON(http.StatusOK, gin.H{"runs": views})
}

func (s *Server) trigger(c *gin.Context) {
	runID, err := s.engine.TriggerNow(c.Request.Context(), c.Param("partition"), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": runID})
}

func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		status = http.StatusNotFound
	case shared.KindValidation, shared.KindInvalidCron:
		status = http.StatusBadRequest
	case shared.KindInvalidTransition, shared.KindDuplicateAction:
		status = http.StatusConflict
	case shared.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.log.Error("ops request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
