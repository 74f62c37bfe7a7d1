package main

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tradekit/riskgate/internal/config"
	"github.com/tradekit/riskgate/internal/execution"
	"github.com/tradekit/riskgate/internal/journal"
	"github.com/tradekit/riskgate/internal/observ"
	"github.com/tradekit/riskgate/internal/risk"
	"github.com/tradekit/riskgate/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := observ.NewLogger(cfg.Server.DevelopmentMode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	metrics := observ.NewMetrics(prometheus.DefaultRegisterer)

	violationLog, err := journal.NewViolationLog(cfg.Paths.ViolationLog, logger)
	if err != nil {
		logger.Fatal("violation log", zap.Error(err))
	}
	defer violationLog.Close()

	ledger := risk.NewExposureLedger(cfg.Paths.ExposureSnapshot)
	if err := ledger.Load(); err != nil {
		logger.Fatal("exposure snapshot", zap.Error(err))
	}

	state := risk.NewState(cfg.Limits, logger, violationLog)
	idem := risk.NewIdempotencyStore(cfg.Limits.IdempotencyWindow, risk.DefaultMaxIdempotencyKeys)
	breaker := risk.NewCircuitBreaker(logger, violationLog)
	equity := risk.FixedEquity(cfg.Limits.Equity)

	gate := risk.NewGate(cfg.Limits, state, ledger, idem, breaker, equity, logger, metrics)

	exec, err := execution.NewPaper(cfg.Paths.OrderOutbox)
	if err != nil {
		logger.Fatal("order outbox", zap.Error(err))
	}

	srv := server.New(cfg.Server, gate, exec, logger)
	if err := srv.Run(cfg.Server.Addr); err != nil {
		logger.Fatal("server", zap.Error(err))
	}
}
