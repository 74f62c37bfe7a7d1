package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradekit/riskgate/internal/config"
	"github.com/tradekit/riskgate/internal/observ"
)

// EquitySource supplies the account equity every percentage limit is
// measured against. Injected so tests and a future live balance feed can
// swap it out.
type EquitySource interface {
	Equity() decimal.Decimal
}

// FixedEquity is the default EquitySource: a static value from config.
type FixedEquity decimal.Decimal

func (f FixedEquity) Equity() decimal.Decimal { return decimal.Decimal(f) }

// OrderRequest is the gate's input. Consumed exactly once; never persisted
// beyond the ledger and idempotency effects it causes.
type OrderRequest struct {
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"` // buy | sell
	Qty            decimal.Decimal `json:"qty"`
	Price          decimal.Decimal `json:"price,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`

	// RequestID is assigned by the transport layer and feeds the derived
	// idempotency key when the client supplies none.
	RequestID string `json:"-"`
}

// AdmissionResult is the gate's decision.
type AdmissionResult struct {
	Accepted   bool            `json:"accepted"`
	ResizedQty decimal.Decimal `json:"resizedQty,omitempty"`
	Reason     Reason          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	HTTPStatus int             `json:"httpStatus"`
}

func accepted(qty decimal.Decimal) AdmissionResult {
	return AdmissionResult{Accepted: true, ResizedQty: qty, HTTPStatus: 200}
}

func rejected(code Reason, msg string) AdmissionResult {
	return AdmissionResult{Accepted: false, Reason: code, Message: msg, HTTPStatus: code.HTTPStatus()}
}

// Gate is the pre-trade admission pipeline. One instance is constructed at
// startup and shared by reference; all mutable risk state hangs off it.
//
// A single mutex guards pipeline steps 2-8 together with the PnL-update
// and reset paths. Per-symbol locking is not worth the complexity here:
// the critical section is pure local arithmetic, well under a microsecond.
// The kill switch is deliberately checked before the lock so an engage is
// effective even for requests already queued on the mutex.
type Gate struct {
	mu sync.Mutex

	limits  config.Limits
	state   *State
	ledger  *ExposureLedger
	idem    *IdempotencyStore
	breaker *CircuitBreaker
	equity  EquitySource

	logger  *zap.Logger
	metrics *observ.Metrics
	now     func() time.Time
}

func NewGate(
	limits config.Limits,
	state *State,
	ledger *ExposureLedger,
	idem *IdempotencyStore,
	breaker *CircuitBreaker,
	equity EquitySource,
	logger *zap.Logger,
	metrics *observ.Metrics,
) *Gate {
	return &Gate{
		limits:  limits,
		state:   state,
		ledger:  ledger,
		idem:    idem,
		breaker: breaker,
		equity:  equity,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Admit runs the admission pipeline, short-circuiting on the first
// failing check. It fails closed: any panic inside the pipeline is
// converted to an internal_error rejection, never a silent admit.
func (g *Gate) Admit(req OrderRequest) (res AdmissionResult) {
	start := g.now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("admission pipeline panic", zap.Any("panic", r), zap.String("symbol", req.Symbol))
			res = rejected(ReasonInternalError, "internal error")
		}
		g.metrics.DecisionSeconds.Observe(g.now().Sub(start).Seconds())
		if res.Accepted {
			g.metrics.AdmissionsTotal.WithLabelValues("accepted").Inc()
		} else {
			g.metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
			g.metrics.RejectionsTotal.WithLabelValues(string(res.Reason)).Inc()
		}
	}()

	if err := validate(&req); err != nil {
		return rejected(err.Code, err.Message)
	}

	// Step 1: kill switch. Checked before the lock so a halted gate sheds
	// load cheaply, and again under it for requests that were already
	// queued when the switch flipped.
	if g.breaker.IsEngaged() {
		return rejected(ReasonRiskLocked, "trading halted by circuit breaker")
	}

	res, snap := g.admit(req)
	if res.Accepted {
		// The snapshot write happens after the lock is released; the
		// decision path itself never touches the disk.
		if err := g.ledger.Persist(snap); err != nil {
			g.logger.Warn("exposure snapshot write failed", zap.Error(err))
		}
	}
	return res
}

// admit runs pipeline steps 2-8 inside the critical section. On acceptance
// it returns the ledger snapshot for the caller to persist outside the
// lock.
func (g *Gate) admit(req OrderRequest) (AdmissionResult, ledgerSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.breaker.IsEngaged() {
		return rejected(ReasonRiskLocked, "trading halted by circuit breaker"), ledgerSnapshot{}
	}

	// Step 2: UTC-date rollover.
	if g.state.NeedsRollover() {
		g.state.ResetDaily()
		g.idem.Clear()
		g.metrics.IdempotencyKeys.Set(0)
	}

	equity := g.equity.Equity()

	// Step 3: drawdown circuit.
	ddLimit := g.limits.MaxDailyDrawdownPct.Mul(equity)
	if g.state.Drawdown().GreaterThanOrEqual(ddLimit) {
		g.state.Record(Violation{
			Type:      "max_drawdown",
			Message:   fmt.Sprintf("drawdown %s breaches limit %s", g.state.Drawdown(), ddLimit),
			Severity:  SeverityCritical,
			Timestamp: g.now().UTC(),
		})
		return rejected(ReasonRiskLocked, "daily drawdown limit breached"), ledgerSnapshot{}
	}

	// Step 4: daily loss circuit.
	lossLimit := g.limits.DailyLossLimitPct.Mul(equity).Neg()
	if g.state.DailyPnL().LessThan(lossLimit) {
		g.state.Record(Violation{
			Type:      "daily_loss_limit",
			Message:   fmt.Sprintf("daily PnL %s breaches limit %s", g.state.DailyPnL(), lossLimit),
			Severity:  SeverityCritical,
			Timestamp: g.now().UTC(),
		})
		return rejected(ReasonDailyLossLimit, "daily loss limit breached"), ledgerSnapshot{}
	}

	// Step 5: exposure caps, on the requested (pre-resize) notional.
	notional := req.Qty.Mul(req.Price)
	if strings.EqualFold(req.Side, "buy") {
		symCap := g.limits.CapPct(req.Symbol).Mul(equity)
		if g.ledger.Exposure(req.Symbol).Add(notional).GreaterThan(symCap) {
			g.recordCapViolation(req.Symbol, notional, symCap)
			return rejected(ReasonExceedsCaps,
				fmt.Sprintf("%s exposure would exceed cap %s", req.Symbol, symCap)), ledgerSnapshot{}
		}
		totalCap := g.limits.MaxTotalExposurePct.Mul(equity)
		if g.ledger.Total().Add(notional).GreaterThan(totalCap) {
			g.recordCapViolation("total", notional, totalCap)
			return rejected(ReasonExceedsCaps,
				fmt.Sprintf("total exposure would exceed cap %s", totalCap)), ledgerSnapshot{}
		}
	}

	// Step 6: volatility-adjusted sizing. The adjustment is clamped to 1:
	// low-vol symbols never get sized up, only calm ones stay unchanged.
	resized := req.Qty.Mul(g.volAdjustment(req.Symbol))

	// Step 7: idempotency, as one compare-and-insert.
	key := deriveKey(req)
	if !g.idem.CheckAndRecord(key) {
		g.metrics.DuplicatesTotal.Inc()
		return rejected(ReasonDuplicateRequest, "duplicate request within idempotency window"), ledgerSnapshot{}
	}
	g.metrics.IdempotencyKeys.Set(float64(g.idem.Len()))

	// Step 8: exposure commit. Buys add notional, sells release it,
	// floored at zero inside the ledger.
	delta := resized.Mul(req.Price)
	if strings.EqualFold(req.Side, "sell") {
		delta = delta.Neg()
	}
	g.ledger.Apply(req.Symbol, delta)
	g.publishExposure(req.Symbol)

	g.logger.Info("order admitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", strings.ToLower(req.Side)),
		zap.String("qty", req.Qty.String()),
		zap.String("resized_qty", resized.String()),
	)
	return accepted(resized), g.ledger.Snapshot()
}

// UpdatePnL folds an execution-path fill result into the daily counters
// and re-evaluates the violation thresholds. It contends for the same
// lock as admissions, so a request never straddles the update.
func (g *Gate) UpdatePnL(delta decimal.Decimal) []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.NeedsRollover() {
		g.state.ResetDaily()
		g.idem.Clear()
		g.metrics.IdempotencyKeys.Set(0)
	}
	g.state.UpdatePnL(delta)

	snap := g.state.Snapshot()
	pnl, _ := snap.DailyPnL.Float64()
	dd, _ := snap.CurrentDrawdown.Float64()
	g.metrics.DailyPnL.Set(pnl)
	g.metrics.Drawdown.Set(dd)

	fired := g.state.CheckViolations(g.equity.Equity())
	for _, v := range fired {
		g.metrics.ViolationsTotal.WithLabelValues(v.Type, string(v.Severity)).Inc()
	}
	return fired
}

// Size computes a risk-bounded order quantity. Pure; takes no locks.
func (g *Gate) Size(equity, entryPrice, stopPrice, riskPerTrade decimal.Decimal) (decimal.Decimal, error) {
	return Sizer{MaxPositionPct: g.limits.MaxPositionPct}.Size(equity, entryPrice, stopPrice, riskPerTrade)
}

// UpdateMarginLevel records the margin level reported by the execution
// layer.
func (g *Gate) UpdateMarginLevel(level decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.UpdateMarginLevel(level)
}

// EmergencyStop engages the kill switch. Idempotent.
func (g *Gate) EmergencyStop(reason string) {
	g.breaker.Engage(reason)
	g.metrics.BreakerEngaged.Set(1)
}

// Resume disengages the kill switch. Operator action only.
func (g *Gate) Resume() {
	g.breaker.Disengage()
	g.metrics.BreakerEngaged.Set(0)
}

// ResetDaily manually resets the daily counters and clears the
// idempotency window.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.ResetDaily()
	g.idem.Clear()
	g.metrics.DailyPnL.Set(0)
	g.metrics.Drawdown.Set(0)
	g.metrics.IdempotencyKeys.Set(0)
}

// LimitsReport is the JSON shape of the configured limits on the status
// endpoint.
type LimitsReport struct {
	MaxPositionPct       decimal.Decimal            `json:"maxPositionPct"`
	MaxTotalExposurePct  decimal.Decimal            `json:"maxTotalExposurePct"`
	MaxLeveragePct       decimal.Decimal            `json:"maxLeveragePct"`
	DailyLossLimitPct    decimal.Decimal            `json:"dailyLossLimitPct"`
	MaxDailyDrawdownPct  decimal.Decimal            `json:"maxDailyDrawdownPct"`
	MinMarginLevel       decimal.Decimal            `json:"minMarginLevel"`
	VolTargetMultiplier  decimal.Decimal            `json:"volTargetMultiplier"`
	SymbolCaps           map[string]decimal.Decimal `json:"symbolCaps,omitempty"`
	SymbolVolTargets     map[string]int             `json:"symbolVolTargets,omitempty"`
	IdempotencyWindowSec int                        `json:"idempotencyWindowSec"`
}

func limitsReport(l config.Limits) LimitsReport {
	return LimitsReport{
		MaxPositionPct:       l.MaxPositionPct,
		MaxTotalExposurePct:  l.MaxTotalExposurePct,
		MaxLeveragePct:       l.MaxLeveragePct,
		DailyLossLimitPct:    l.DailyLossLimitPct,
		MaxDailyDrawdownPct:  l.MaxDailyDrawdownPct,
		MinMarginLevel:       l.MinMarginLevel,
		VolTargetMultiplier:  l.VolTargetMultiplier,
		SymbolCaps:           l.SymbolCapPct,
		SymbolVolTargets:     l.SymbolVolTarget,
		IdempotencyWindowSec: int(l.IdempotencyWindow.Seconds()),
	}
}

// StatusReport is the observability view for dashboards.
type StatusReport struct {
	Config           LimitsReport               `json:"config"`
	Equity           decimal.Decimal            `json:"equity"`
	State            Snapshot                   `json:"state"`
	RiskLevel        Level                      `json:"riskLevel"`
	BreakerEngaged   bool                       `json:"breakerEngaged"`
	BreakerReason    string                     `json:"breakerReason,omitempty"`
	Exposures        map[string]decimal.Decimal `json:"exposures"`
	TotalExposure    decimal.Decimal            `json:"totalExposure"`
	RecentViolations []Violation                `json:"recentViolations"`
}

// Status returns config-derived and live state for the status endpoint.
func (g *Gate) Status() StatusReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	engaged, reason, _ := g.breaker.Status()
	equity := g.equity.Equity()
	return StatusReport{
		Config:           limitsReport(g.limits),
		Equity:           equity,
		State:            g.state.Snapshot(),
		RiskLevel:        g.state.RiskLevel(equity, g.ledger.Total()),
		BreakerEngaged:   engaged,
		BreakerReason:    reason,
		Exposures:        g.ledger.All(),
		TotalExposure:    g.ledger.Total(),
		RecentViolations: g.state.RecentViolations(10),
	}
}

// volAdjustment returns min(1, multiplier * 100/volTargetBps). The clamp
// is intentional: volatility targeting only ever shrinks size toward the
// target, it never levers up a quiet symbol.
func (g *Gate) volAdjustment(symbol string) decimal.Decimal {
	bps := decimal.NewFromInt(int64(g.limits.VolTargetBps(symbol)))
	adj := g.limits.VolTargetMultiplier.Mul(decimal.NewFromInt(100)).Div(bps)
	one := decimal.NewFromInt(1)
	if adj.GreaterThan(one) {
		return one
	}
	return adj
}

func (g *Gate) recordCapViolation(scope string, notional, cap decimal.Decimal) {
	g.state.Record(Violation{
		Type:      "exposure_cap_" + scope,
		Message:   fmt.Sprintf("requested notional %s rejected against cap %s", notional, cap),
		Severity:  SeverityHigh,
		Timestamp: g.now().UTC(),
	})
	g.metrics.ViolationsTotal.WithLabelValues("exposure_cap", string(SeverityHigh)).Inc()
}

func (g *Gate) publishExposure(symbol string) {
	e, _ := g.ledger.Exposure(symbol).Float64()
	t, _ := g.ledger.Total().Float64()
	g.metrics.ExposureNotional.WithLabelValues(symbol).Set(e)
	g.metrics.TotalExposure.Set(t)
}

func validate(req *OrderRequest) *Rejection {
	if req.Symbol == "" {
		return reject(ReasonInvalidInput, "symbol is required")
	}
	side := strings.ToLower(req.Side)
	if side != "buy" && side != "sell" {
		return reject(ReasonInvalidInput, "side must be buy or sell")
	}
	if req.Qty.LessThanOrEqual(decimal.Zero) {
		return reject(ReasonInvalidInput, "qty must be positive")
	}
	// Notional checks need a price; the gate does no market-data I/O, so
	// the caller must supply one.
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return reject(ReasonInvalidInput, "price must be positive")
	}
	return nil
}

// deriveKey picks the client-supplied idempotency key when present,
// otherwise hashes the order identity so blind retries of the same
// request still dedup.
func deriveKey(req OrderRequest) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	h := sha256.Sum256([]byte(strings.Join([]string{
		req.Symbol,
		strings.ToLower(req.Side),
		req.Qty.String(),
		req.Price.String(),
		req.RequestID,
	}, "|")))
	return hex.EncodeToString(h[:])
}
