package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"ai-trading-engine/internal/engine"
	"ai-trading-engine/internal/model"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	if s.engine.Halted() {
		status = "halted"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"mode":    s.mode,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"tripped": s.risk.Breaker().Tripped,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	account := s.risk.Account()
	breaker := s.risk.Breaker()

	var openCircuits int
	if s.providers != nil {
		for _, h := range s.providers.Health() {
			if h.CircuitOpen {
				openCircuits++
			}
		}
	}

	successResponse(c, gin.H{
		"mode":               s.mode,
		"halted":             s.engine.Halted(),
		"active_lifecycles":  s.engine.ActiveCount(),
		"equity":             account.Equity.String(),
		"realized_pnl_today": account.RealizedPnLToday.String(),
		"daily_loss":         account.DailyLossCounter.String(),
		"breaker_tripped":    breaker.Tripped,
		"open_ai_circuits":   openCircuits,
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	successResponse(c, s.risk.Account())
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.risk.Positions()
	if positions == nil {
		positions = []model.Position{}
	}
	successResponse(c, positions)
}

func (s *Server) handleLimits(c *gin.Context) {
	successResponse(c, s.risk.Limits())
}

// SubmitSignalRequest is the external signal intake payload. Prices are
// decimal strings; float intake would corrupt them.
type SubmitSignalRequest struct {
	ID         string `json:"id"`
	StrategyID string `json:"strategy_id" binding:"required"`
	Instrument string `json:"instrument" binding:"required"`
	Venue      string `json:"venue"`
	Direction  string `json:"direction" binding:"required"`
	Entry      string `json:"entry" binding:"required"`
	Stop       string `json:"stop" binding:"required"`
	Target     string `json:"target"`
}

func (s *Server) handleSubmitSignal(c *gin.Context) {
	var req SubmitSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	entry, err := decimal.NewFromString(req.Entry)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid entry price: "+req.Entry)
		return
	}
	stop, err := decimal.NewFromString(req.Stop)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid stop price: "+req.Stop)
		return
	}
	target := decimal.Zero
	if req.Target != "" {
		if target, err = decimal.NewFromString(req.Target); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid target price: "+req.Target)
			return
		}
	}

	sig := model.Signal{
		ID:         req.ID,
		StrategyID: req.StrategyID,
		Instrument: strings.ToUpper(req.Instrument),
		Venue:      req.Venue,
		Direction:  model.Direction(strings.ToUpper(req.Direction)),
		Entry:      entry,
		Stop:       stop,
		Target:     target,
		CreatedAt:  time.Now().UTC(),
	}
	if sig.ID == "" {
		sig.ID = model.NewSignalID()
	}

	if err := s.engine.SubmitSignal(sig); err != nil {
		switch {
		case errors.Is(err, engine.ErrHalted), errors.Is(err, engine.ErrNotStarted):
			errorResponse(c, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, engine.ErrDuplicateSignal):
			errorResponse(c, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrQueueFull):
			errorResponse(c, http.StatusTooManyRequests, err.Error())
		default:
			errorResponse(c, http.StatusBadRequest, err.Error())
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":   true,
		"signal_id": sig.ID,
	})
}

func (s *Server) handleListSignals(c *gin.Context) {
	records := s.engine.Lifecycles()

	if stateFilter := strings.ToUpper(c.Query("state")); stateFilter != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.State) == stateFilter {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []model.LifecycleRecord{}
	}
	successResponse(c, records)
}

func (s *Server) handleGetSignal(c *gin.Context) {
	rec, ok := s.engine.Lifecycle(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "Signal not found")
		return
	}
	successResponse(c, rec)
}

func (s *Server) handleCancelSignal(c *gin.Context) {
	err := s.engine.CancelSignal(c.Param("id"))
	switch {
	case err == nil:
		successResponse(c, gin.H{"message": "Cancel requested"})
	case errors.Is(err, engine.ErrUnknownSignal):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrSignalTerminal):
		errorResponse(c, http.StatusConflict, err.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCircuit(c *gin.Context) {
	successResponse(c, s.risk.Breaker())
}

func (s *Server) handleCircuitReset(c *gin.Context) {
	breaker := s.risk.Breaker()
	if !breaker.Tripped {
		errorResponse(c, http.StatusConflict, "Circuit breaker is not tripped")
		return
	}
	s.risk.ResetBreaker()
	successResponse(c, gin.H{"message": "Circuit breaker reset"})
}

func (s *Server) handleProviders(c *gin.Context) {
	if s.providers == nil {
		successResponse(c, []model.ProviderHealth{})
		return
	}
	health := s.providers.Health()
	if health == nil {
		health = []model.ProviderHealth{}
	}
	successResponse(c, health)
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(c *gin.Context) {
	var req haltRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator halt"
	}

	if s.engine.Halted() {
		errorResponse(c, http.StatusConflict, "Engine is already halted")
		return
	}
	s.engine.Halt(req.Reason)
	successResponse(c, gin.H{"message": "Engine halted", "reason": req.Reason})
}

func (s *Server) handleResume(c *gin.Context) {
	if !s.engine.Halted() {
		errorResponse(c, http.StatusConflict, "Engine is not halted")
		return
	}
	if err := s.engine.Resume(c.Request.Context()); err != nil {
		errorResponse(c, http.StatusInternalServerError, "Resume failed: "+err.Error())
		return
	}
	successResponse(c, gin.H{"message": "Engine resumed"})
}
