// Package server exposes the admission gate over HTTP.
package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tradekit/riskgate/internal/config"
	"github.com/tradekit/riskgate/internal/execution"
	"github.com/tradekit/riskgate/internal/risk"
)

// Server wires the gate, the execution client and the HTTP surface.
type Server struct {
	router *gin.Engine
	gate   *risk.Gate
	exec   execution.Client
	logger *zap.Logger
}

func New(cfg config.Server, gate *risk.Gate, exec execution.Client, logger *zap.Logger) *Server {
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if exec == nil {
		exec = execution.Nop{}
	}

	s := &Server{gate: gate, exec: exec, logger: logger}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(requestID())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		orders := api.Group("/orders")
		orders.Use(rateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
		orders.POST("", s.admitOrder)

		api.POST("/pnl", s.updatePnL)
		api.POST("/size", s.sizePosition)
		api.GET("/risk/status", s.riskStatus)

		admin := api.Group("/admin")
		admin.POST("/halt", s.halt)
		admin.POST("/resume", s.resume)
		admin.POST("/reset-daily", s.resetDaily)
	}

	s.router = router
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run starts the HTTP listener.
func (s *Server) Run(addr string) error {
	s.logger.Info("risk gate listening", zap.String("addr", addr))
	return s.router.Run(addr)
}
