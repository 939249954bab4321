package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/strategy"
)

type listOrdersQuery struct {
	Open   bool   `form:"open"`
	Symbol string `form:"symbol"`
	Limit  int    `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine errors onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, strategy.ErrUnknownStrategy):
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrUnknownOrder):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrNotAcknowledged):
		respondError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, order.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", err.Error())
	case errors.Is(err, errs.GatewayUnavailable):
		respondError(c, http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE", err.Error())
	case errors.Is(err, errs.RejectedByExchange):
		respondError(c, http.StatusBadGateway, "EXCHANGE_REJECTED", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

func (s *Server) getStrategies(c *gin.Context) {
	infos, err := s.Engine.ListStrategies(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": infos})
}

func (s *Server) getStrategy(c *gin.Context) {
	info, err := s.Engine.GetStrategy(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) enableStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.EnableStrategy(c.Request.Context(), id); err != nil {
		respondEngineError(c, err)
		return
	}
	s.log.Info("strategy enabled by operator", zap.String("operator", CurrentOperator(c)), zap.String("strategy", id))
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": true})
}

func (s *Server) disableStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.DisableStrategy(c.Request.Context(), id); err != nil {
		respondEngineError(c, err)
		return
	}
	s.log.Info("strategy disabled by operator", zap.String("operator", CurrentOperator(c)), zap.String("strategy", id))
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": false})
}

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	orders, err := s.Engine.ListOrders(c.Request.Context(), q.Open)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	out := make([]order.Order, 0, len(orders))
	for _, o := range orders {
		if q.Symbol != "" && o.Symbol != q.Symbol {
			continue
		}
		out = append(out, o)
	}
	// most recent last; keep the tail
	if len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.Engine.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.CancelOrder(c.Request.Context(), id); err != nil {
		respondEngineError(c, err)
		return
	}
	s.log.Info("order cancel requested", zap.String("operator", CurrentOperator(c)), zap.String("client_order_id", id))
	c.JSON(http.StatusAccepted, gin.H{"client_order_id": id, "status": "cancel_requested"})
}

func (s *Server) resolveOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.ResolveOrder(c.Request.Context(), id); err != nil {
		respondEngineError(c, err)
		return
	}
	o, err := s.Engine.GetOrder(c.Request.Context(), id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) reconcile(c *gin.Context) {
	report, err := s.Engine.Reconcile(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getReconciliationEvents(c *gin.Context) {
	var q struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	evs, err := s.Engine.ReconciliationEvents(c.Request.Context(), q.Limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Engine.GetPositions(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getBalance(c *gin.Context) {
	bal, err := s.Engine.GetBalance(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (s *Server) getRiskMetrics(c *gin.Context) {
	rm, err := s.Engine.GetRiskMetrics(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, rm)
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not enabled")
		return
	}
	snap := s.Metrics.GetSnapshot()
	resp := gin.H{"metrics": snap}
	if s.Bus != nil {
		resp["bus_dropped"] = s.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}
