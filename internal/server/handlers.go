package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradekit/riskgate/internal/execution"
	"github.com/tradekit/riskgate/internal/risk"
)

const idempotencyKeyHeader = "X-Idempotency-Key"

// admitOrder runs the gate and, on acceptance, forwards the resized order
// to the execution client. Forwarding happens after the gate has
// committed; a forward error is logged but the admission stands — the
// caller retries with the same idempotency key and the gate dedups.
func (s *Server) admitOrder(c *gin.Context) {
	var req risk.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, risk.AdmissionResult{
			Accepted:   false,
			Reason:     risk.ReasonInvalidInput,
			Message:    "malformed order request",
			HTTPStatus: http.StatusBadRequest,
		})
		return
	}

	// Header key wins over the body key.
	if key := c.GetHeader(idempotencyKeyHeader); key != "" {
		req.IdempotencyKey = key
	}
	req.RequestID = c.GetString("request_id")

	res := s.gate.Admit(req)
	if res.Accepted {
		order := execution.Order{
			ID:             uuid.NewString(),
			Symbol:         req.Symbol,
			Side:           req.Side,
			Qty:            res.ResizedQty,
			Price:          req.Price,
			IdempotencyKey: req.IdempotencyKey,
			AdmittedAt:     time.Now().UTC(),
		}
		if err := s.exec.Submit(c.Request.Context(), order); err != nil {
			s.logger.Error("order forwarding failed",
				zap.String("order_id", order.ID),
				zap.String("symbol", order.Symbol),
				zap.Error(err))
		}
	}
	c.JSON(res.HTTPStatus, res)
}

type pnlRequest struct {
	Delta       decimal.Decimal  `json:"delta"`
	MarginLevel *decimal.Decimal `json:"marginLevel,omitempty"`
}

func (s *Server) updatePnL(c *gin.Context) {
	var req pnlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed pnl update"})
		return
	}
	if req.MarginLevel != nil {
		s.gate.UpdateMarginLevel(*req.MarginLevel)
	}
	violations := s.gate.UpdatePnL(req.Delta)
	c.JSON(http.StatusOK, gin.H{"violations": violations})
}

type sizeRequest struct {
	Equity       decimal.Decimal `json:"equity"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	StopPrice    decimal.Decimal `json:"stopPrice"`
	RiskPerTrade decimal.Decimal `json:"riskPerTrade,omitempty"`
}

func (s *Server) sizePosition(c *gin.Context) {
	var req sizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed size request"})
		return
	}
	qty, err := s.gate.Size(req.Equity, req.EntryPrice, req.StopPrice, req.RiskPerTrade)
	if err != nil {
		rej, ok := err.(*risk.Rejection)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sizing failed"})
			return
		}
		c.JSON(rej.Code.HTTPStatus(), gin.H{"error": rej.Message, "reason": rej.Code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qty": qty})
}

func (s *Server) riskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.gate.Status())
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) halt(c *gin.Context) {
	var req haltRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator emergency stop"
	}
	s.gate.EmergencyStop(req.Reason)
	c.JSON(http.StatusOK, gin.H{"halted": true})
}

func (s *Server) resume(c *gin.Context) {
	s.gate.Resume()
	c.JSON(http.StatusOK, gin.H{"halted": false})
}

func (s *Server) resetDaily(c *gin.Context) {
	s.gate.ResetDaily()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
