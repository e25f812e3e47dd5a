// Package api exposes the thin operator surface: health, read-only views of
// the pipeline tables, and manual dead letter resolution. Dashboards proper
// live elsewhere.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"alert-relay/internal/deadletter"
	"alert-relay/internal/health"
	"alert-relay/internal/storage"
)

// Stores aggregates the read surfaces the API serves.
type Stores struct {
	Alerts      storage.AlertStore
	Evaluations storage.EvaluationStore
	Queue       storage.QueueStore
	DeadLetters storage.DeadLetterStore
}

// Options configure the ops server.
type Options struct {
	ListenAddr string
	RateLimit  RateLimitConfig
}

// Server is the embedded ops HTTP server.
type Server struct {
	stores      Stores
	monitor     *health.Monitor
	deadLetters *deadletter.Handler
	opts        Options
	logger      zerolog.Logger
	httpServer  *http.Server
}

// NewServer constructs the ops server.
func NewServer(stores Stores, monitor *health.Monitor, deadLetters *deadletter.Handler, opts Options, logger zerolog.Logger) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}

	return &Server{
		stores:      stores,
		monitor:     monitor,
		deadLetters: deadLetters,
		opts:        opts,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), RateLimitMiddleware(s.opts.RateLimit))

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/alerts", s.handleListAlerts)
		v1.GET("/alerts/:id/evaluations", s.handleListEvaluations)
		v1.GET("/queue", s.handleListQueue)
		v1.GET("/deadletters", s.handleListDeadLetters)
		v1.POST("/deadletters/:id/resolve", s.handleResolveDeadLetter)
	}

	return router
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := s.router()

	s.httpServer = &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen_addr", s.opts.ListenAddr).Msg("ops api listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.monitor.Last()

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	limit := parseLimit(c, 50)
	alerts, err := s.stores.Alerts.ListRecentAlerts(c.Request.Context(), limit)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) handleListEvaluations(c *gin.Context) {
	alertID := c.Param("id")
	evals, err := s.stores.Evaluations.ListEvaluationsForAlert(c.Request.Context(), alertID)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert_id": alertID, "evaluations": evals})
}

func (s *Server) handleListQueue(c *gin.Context) {
	limit := parseLimit(c, 50)
	entries, err := s.stores.Queue.ListQueueEntries(c.Request.Context(), limit)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleListDeadLetters(c *gin.Context) {
	limit := parseLimit(c, 50)
	status := c.Query("status")
	entries, err := s.stores.DeadLetters.ListDeadLetters(c.Request.Context(), status, limit)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleResolveDeadLetter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dead letter id"})
		return
	}

	var req resolveRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.deadLetters.Resolve(c.Request.Context(), id, req.ResolvedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found or already resolved"})
			return
		}
		s.serverError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": storage.DeadLetterStatusResolved})
}

func (s *Server) serverError(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func parseLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return fallback
	}
	return limit
}
