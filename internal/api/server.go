package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/backtest"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/executor"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/risk"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/storage"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// TaskService is the executor surface exposed over HTTP.
type TaskService interface {
	Submit(ctx context.Context, req executor.SubmitRequest) (*types.ExecutionTask, error)
	Get(id string) (types.ExecutionTask, error)
	Cancel(ctx context.Context, id string) error
	ApplyExposure(ctx context.Context, u types.ExposureUpdate) error
	Exposure() risk.Exposure
}

type Backtester interface {
	Run(ctx context.Context, strategy *types.Strategy, snapshots []types.ContextSnapshot, progress backtest.ProgressFunc) (*types.BacktestReport, error)
}

// EventSource reads recently published events, newest first.
type EventSource interface {
	RecentEvents(ctx context.Context, n int64) ([]types.Event, error)
}

type EventPublisher interface {
	TryPublish(event types.Event) error
}

// Deps are the collaborators behind the routes. Metrics, Websocket, Events
// and Progress may be nil; their routes are then not registered or silent.
type Deps struct {
	Tasks      TaskService
	Strategies storage.StrategyStore
	Reports    storage.ReportStore
	Backtester Backtester
	Metrics    http.Handler
	Websocket  http.Handler
	Events     EventSource
	Progress   EventPublisher
}

type Server struct {
	deps   Deps
	router *gin.Engine
	srv    *http.Server
}

func NewServer(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		deps:   deps,
		router: router,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Websocket != nil {
		s.router.GET("/ws", gin.WrapH(s.deps.Websocket))
	}

	api := s.router.Group("/api/v1")
	{
		api.POST("/tasks", s.submitTask)
		api.GET("/tasks/:id", s.getTask)
		api.DELETE("/tasks/:id", s.cancelTask)

		api.GET("/exposure", s.getExposure)
		api.POST("/exposure", s.applyExposure)

		api.GET("/strategies", s.listStrategies)
		api.GET("/strategies/:id", s.getStrategy)
		api.PUT("/strategies/:id", s.putStrategy)
		api.POST("/strategies/:id/status", s.transitionStrategy)

		api.GET("/templates", s.listTemplates)
		api.POST("/templates/:name", s.instantiateTemplate)

		api.POST("/backtests", s.runBacktest)
		api.GET("/backtests/:id", s.getBacktest)

		api.GET("/events", s.recentEvents)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("HTTP API listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// writeError maps domain errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	var (
		validation *types.ValidationError
		rejection  *types.RiskRejection
		status     = http.StatusInternalServerError
	)

	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &rejection):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrStrategyNotFound),
		errors.Is(err, types.ErrTaskNotFound),
		errors.Is(err, storage.ErrReportNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrStrategyNotActive),
		errors.Is(err, types.ErrTaskNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, executor.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// EventSourceFunc adapts a function to EventSource
type EventSourceFunc func(ctx context.Context, n int64) ([]types.Event, error)

func (f EventSourceFunc) RecentEvents(ctx context.Context, n int64) ([]types.Event, error) {
	return f(ctx, n)
}
