package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/backtest"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/executor"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/strategies"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

type statusRequest struct {
	Status types.StrategyStatus `json:"status" binding:"required"`
}

type templateRequest struct {
	ID     string            `json:"id" binding:"required"`
	Name   string            `json:"name"`
	Params strategies.Params `json:"params"`
}

type templateInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type backtestRequest struct {
	StrategyID string                  `json:"strategy_id"`
	Strategy   *types.Strategy         `json:"strategy"`
	Snapshots  []types.ContextSnapshot `json:"snapshots" binding:"required"`
}

type backtestResponse struct {
	ID     string                `json:"id"`
	Report *types.BacktestReport `json:"report"`
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) submitTask(c *gin.Context) {
	var req executor.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.StrategyID == "" {
		badRequest(c, errors.New("strategy_id is required"))
		return
	}
	if err := req.Snapshot.Validate(); err != nil {
		writeError(c, &types.ValidationError{Field: "snapshot", Reason: err.Error()})
		return
	}

	task, err := s.deps.Tasks.Submit(c.Request.Context(), req)
	var rejection *types.RiskRejection
	if errors.As(err, &rejection) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": rejection.Code, "task": task})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.deps.Tasks.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Tasks.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	task, err := s.deps.Tasks.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) getExposure(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Tasks.Exposure())
}

func (s *Server) applyExposure(c *gin.Context) {
	var u types.ExposureUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Tasks.ApplyExposure(c.Request.Context(), u); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) listStrategies(c *gin.Context) {
	strategies, err := s.deps.Strategies.ListActive(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, strategies)
}

func (s *Server) getStrategy(c *gin.Context) {
	strategy, err := s.deps.Strategies.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, strategy)
}

func (s *Server) putStrategy(c *gin.Context) {
	var strategy types.Strategy
	if err := c.ShouldBindJSON(&strategy); err != nil {
		badRequest(c, err)
		return
	}

	id := c.Param("id")
	if strategy.ID == "" {
		strategy.ID = id
	}
	if strategy.ID != id {
		badRequest(c, errors.New("strategy id does not match path"))
		return
	}

	// Status only changes through the status endpoint.
	ctx := c.Request.Context()
	now := time.Now().UTC()
	existing, err := s.deps.Strategies.Get(ctx, id)
	switch {
	case err == nil:
		strategy.Status = existing.Status
		strategy.CreatedAt = existing.CreatedAt
		strategy.Version = existing.Version + 1
	case errors.Is(err, types.ErrStrategyNotFound):
		strategy.Status = types.StatusDraft
		strategy.CreatedAt = now
		strategy.Version = 0
	default:
		writeError(c, err)
		return
	}
	strategy.UpdatedAt = now

	if err := strategy.Validate(); err != nil {
		writeError(c, err)
		return
	}

	if err := s.deps.Strategies.Update(ctx, &strategy); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, strategy)
}

func (s *Server) transitionStrategy(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	strategy, err := s.deps.Strategies.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	from := strategy.Status
	if err := strategy.Transition(req.Status, time.Now().UTC()); err != nil {
		writeError(c, err)
		return
	}
	if err := s.deps.Strategies.Update(ctx, strategy); err != nil {
		writeError(c, err)
		return
	}

	log.Info().
		Str("strategy", strategy.ID).
		Str("from", string(from)).
		Str("to", string(strategy.Status)).
		Msg("Strategy status changed")

	c.JSON(http.StatusOK, strategy)
}

func (s *Server) listTemplates(c *gin.Context) {
	var out []templateInfo
	for _, t := range strategies.Templates() {
		out = append(out, templateInfo{Name: t.Name, Description: t.Description})
	}
	c.JSON(http.StatusOK, out)
}

// instantiateTemplate stores a new draft strategy built from a template.
func (s *Server) instantiateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	strategy, err := strategies.Build(c.Param("name"), req.ID, req.Name, req.Params, time.Now().UTC())
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.deps.Strategies.Update(c.Request.Context(), strategy); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, strategy)
}

func (s *Server) runBacktest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	strategy := req.Strategy
	if strategy == nil {
		if req.StrategyID == "" {
			badRequest(c, errors.New("strategy or strategy_id is required"))
			return
		}
		var err error
		if strategy, err = s.deps.Strategies.Get(ctx, req.StrategyID); err != nil {
			writeError(c, err)
			return
		}
	}

	id := uuid.New().String()
	report, err := s.deps.Backtester.Run(ctx, strategy, req.Snapshots, s.progress(id))
	if err != nil {
		writeError(c, err)
		return
	}

	if s.deps.Reports != nil {
		if err := s.deps.Reports.SaveReport(ctx, id, report); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, backtestResponse{ID: id, Report: report})
}

// progress forwards replay progress to the outbound channel. Updates are
// dropped when the channel is full.
func (s *Server) progress(backtestID string) backtest.ProgressFunc {
	if s.deps.Progress == nil {
		return nil
	}
	return func(p backtest.Progress) {
		s.deps.Progress.TryPublish(types.Event{
			ID:        uuid.New().String(),
			Type:      types.EventBacktestProgress,
			Source:    p.StrategyID,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"backtest_id": backtestID,
				"done":        p.Done,
				"total":       p.Total,
				"percent":     p.Percent,
			},
		})
	}
}

func (s *Server) getBacktest(c *gin.Context) {
	if s.deps.Reports == nil {
		writeError(c, errors.New("report store not configured"))
		return
	}
	report, err := s.deps.Reports.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, backtestResponse{ID: c.Param("id"), Report: report})
}

func (s *Server) recentEvents(c *gin.Context) {
	if s.deps.Events == nil {
		c.JSON(http.StatusOK, []types.Event{})
		return
	}

	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit <= 0 {
		badRequest(c, errors.New("invalid limit"))
		return
	}

	events, err := s.deps.Events.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
