package risk

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradekit/riskgate/internal/config"
	"github.com/tradekit/riskgate/internal/observ"
)

// newTestGate builds a gate on in-memory collaborators. mutate tweaks the
// limits before wiring; most tests set VolTargetMultiplier to 1 so the
// resized quantity equals the requested one.
func newTestGate(t *testing.T, mutate func(*config.Limits)) *Gate {
	t.Helper()
	limits := testLimits()
	if mutate != nil {
		mutate(&limits)
	}
	logger := zap.NewNop()
	return NewGate(
		limits,
		NewState(limits, logger, nil),
		NewExposureLedger(""),
		NewIdempotencyStore(limits.IdempotencyWindow, 0),
		NewCircuitBreaker(logger, nil),
		FixedEquity(limits.Equity),
		logger,
		observ.NewMetrics(prometheus.NewRegistry()),
	)
}

func oneToOne(l *config.Limits) { l.VolTargetMultiplier = d("1") }

func order(side, symbol, qty, price, key string) OrderRequest {
	return OrderRequest{Symbol: symbol, Side: side, Qty: d(qty), Price: d(price), IdempotencyKey: key}
}

func TestAdmitHappyPath(t *testing.T) {
	g := newTestGate(t, oneToOne)

	res := g.Admit(order("buy", "BTC-USD", "5", "100", "k1"))

	require.True(t, res.Accepted)
	assert.True(t, res.ResizedQty.Equal(d("5")))
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.True(t, g.ledger.Exposure("BTC-USD").Equal(d("500")))
}

func TestAdmitValidation(t *testing.T) {
	g := newTestGate(t, oneToOne)

	cases := []struct {
		name string
		req  OrderRequest
	}{
		{"missing_symbol", order("buy", "", "5", "100", "")},
		{"bad_side", order("hold", "BTC-USD", "5", "100", "")},
		{"zero_qty", order("buy", "BTC-USD", "0", "100", "")},
		{"negative_qty", order("buy", "BTC-USD", "-1", "100", "")},
		{"missing_price", order("buy", "BTC-USD", "5", "0", "")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := g.Admit(tc.req)
			require.False(t, res.Accepted)
			assert.Equal(t, ReasonInvalidInput, res.Reason)
			assert.Equal(t, http.StatusBadRequest, res.HTTPStatus)
		})
	}
	assert.True(t, g.ledger.Total().IsZero(), "rejected orders must not touch the ledger")
}

func TestAdmitSymbolCap(t *testing.T) {
	// Symbol cap: 10% of 10000 = 1000 notional.
	g := newTestGate(t, oneToOne)

	res := g.Admit(order("buy", "BTC-USD", "600", "1", "k1"))
	require.True(t, res.Accepted)

	res = g.Admit(order("buy", "BTC-USD", "600", "1", "k2"))
	require.False(t, res.Accepted)
	assert.Equal(t, ReasonExceedsCaps, res.Reason)
	assert.Equal(t, http.StatusConflict, res.HTTPStatus)

	res = g.Admit(order("buy", "BTC-USD", "500", "1", "k3"))
	require.False(t, res.Accepted, "1100 still exceeds the 1000 cap")

	// A rejected order holds nothing, so a fitting one still passes.
	res = g.Admit(order("buy", "BTC-USD", "400", "1", "k4"))
	require.True(t, res.Accepted)
	assert.True(t, g.ledger.Exposure("BTC-USD").Equal(d("1000")), "boundary is inclusive")
}

func TestAdmitTotalCap(t *testing.T) {
	// Total cap: 50% of 10000 = 5000 across symbols.
	g := newTestGate(t, oneToOne)

	for i := 0; i < 5; i++ {
		res := g.Admit(order("buy", fmt.Sprintf("SYM%d-USD", i), "1000", "1", fmt.Sprintf("k%d", i)))
		require.True(t, res.Accepted, "symbol %d", i)
	}

	res := g.Admit(order("buy", "SYM5-USD", "1000", "1", "k5"))
	require.False(t, res.Accepted)
	assert.Equal(t, ReasonExceedsCaps, res.Reason)
	assert.True(t, g.ledger.Total().Equal(d("5000")))
}

func TestAdmitSellsReleaseExposure(t *testing.T) {
	g := newTestGate(t, oneToOne)

	require.True(t, g.Admit(order("buy", "BTC-USD", "600", "1", "k1")).Accepted)

	// Sells bypass the cap check and release exposure, floored at zero.
	res := g.Admit(order("sell", "BTC-USD", "700", "1", "k2"))
	require.True(t, res.Accepted)
	assert.True(t, g.ledger.Exposure("BTC-USD").IsZero())

	res = g.Admit(order("buy", "BTC-USD", "1000", "1", "k3"))
	require.True(t, res.Accepted, "released headroom is available again")
}

func TestAdmitVolatilityResize(t *testing.T) {
	t.Run("default_multiplier_shrinks", func(t *testing.T) {
		// multiplier 0.25 against the default 100bps target -> 0.25x.
		g := newTestGate(t, nil)
		res := g.Admit(order("buy", "BTC-USD", "100", "1", "k1"))
		require.True(t, res.Accepted)
		assert.True(t, res.ResizedQty.Equal(d("25")))
		// The commit books the resized notional, not the requested one.
		assert.True(t, g.ledger.Exposure("BTC-USD").Equal(d("25")))
	})

	t.Run("per_symbol_target", func(t *testing.T) {
		g := newTestGate(t, func(l *config.Limits) {
			l.SymbolVolTarget["ETH-USD"] = 50
		})
		res := g.Admit(order("buy", "ETH-USD", "100", "1", "k1"))
		require.True(t, res.Accepted)
		// 0.25 * 100/50 = 0.5x.
		assert.True(t, res.ResizedQty.Equal(d("50")))
	})

	t.Run("adjustment_clamped_to_one", func(t *testing.T) {
		g := newTestGate(t, func(l *config.Limits) {
			l.VolTargetMultiplier = d("1")
			l.SymbolVolTarget["BTC-USD"] = 25 // would be 4x unclamped
		})
		res := g.Admit(order("buy", "BTC-USD", "100", "1", "k1"))
		require.True(t, res.Accepted)
		assert.True(t, res.ResizedQty.Equal(d("100")), "sizing never levers up")
	})
}

func TestAdmitCapChecksRequestedNotional(t *testing.T) {
	// Resized notional would be 500 and fit, but the cap check runs on the
	// requested 2000 against the 1000 cap.
	g := newTestGate(t, nil)

	res := g.Admit(order("buy", "BTC-USD", "2000", "1", "k1"))
	require.False(t, res.Accepted)
	assert.Equal(t, ReasonExceedsCaps, res.Reason)
}

func TestAdmitDuplicateKey(t *testing.T) {
	g := newTestGate(t, oneToOne)

	first := g.Admit(order("buy", "BTC-USD", "5", "100", "retry-1"))
	require.True(t, first.Accepted)

	second := g.Admit(order("buy", "BTC-USD", "5", "100", "retry-1"))
	require.False(t, second.Accepted)
	assert.Equal(t, ReasonDuplicateRequest, second.Reason)
	assert.Equal(t, http.StatusConflict, second.HTTPStatus)

	// The duplicate committed nothing.
	assert.True(t, g.ledger.Exposure("BTC-USD").Equal(d("500")))
}

func TestAdmitDerivedKeyDedup(t *testing.T) {
	g := newTestGate(t, oneToOne)

	// No client key, same transport request ID: a blind retry.
	req := order("buy", "BTC-USD", "5", "100", "")
	req.RequestID = "req-abc"

	require.True(t, g.Admit(req).Accepted)
	res := g.Admit(req)
	require.False(t, res.Accepted)
	assert.Equal(t, ReasonDuplicateRequest, res.Reason)

	// A different request ID is a genuinely new order.
	req.RequestID = "req-def"
	require.True(t, g.Admit(req).Accepted)
}

func TestAdmitConcurrentCapSafety(t *testing.T) {
	// Cap 1000, each order 400: exactly two can ever fit, no matter the
	// interleaving.
	g := newTestGate(t, oneToOne)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := g.Admit(order("buy", "BTC-USD", "400", "1", fmt.Sprintf("k%d", i)))
			if res.Accepted {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(2), accepted.Load())
	assert.True(t, g.ledger.Exposure("BTC-USD").Equal(d("800")))
}

func TestAdmitConcurrentSameKey(t *testing.T) {
	g := newTestGate(t, oneToOne)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit(order("buy", "BTC-USD", "1", "100", "same")).Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.True(t, g.ledger.Exposure("BTC-USD").Equal(d("100")))
}

func TestAdmitDailyLossCircuit(t *testing.T) {
	g := newTestGate(t, oneToOne)

	// Limit is 3% of 10000 = 300; -400 trips it.
	g.UpdatePnL(d("-400"))

	res := g.Admit(order("buy", "BTC-USD", "1", "100", "k1"))
	require.False(t, res.Accepted)
	assert.Equal(t, ReasonDailyLossLimit, res.Reason)
	assert.Equal(t, http.StatusLocked, res.HTTPStatus)
}

func TestAdmitDrawdownLockAndRecovery(t *testing.T) {
	g := newTestGate(t, oneToOne)

	// Drawdown limit is 5% of 10000 = 500.
	g.UpdatePnL(d("-500"))

	res := g.Admit(order("buy", "BTC-USD", "1", "100", "k1"))
	require.False(t, res.Accepted)
	assert.Equal(t, ReasonRiskLocked, res.Reason)
	assert.Equal(t, http.StatusLocked, res.HTTPStatus)

	// A gain pays the drawdown down; the lock releases once it recovers.
	g.UpdatePnL(d("600"))
	res = g.Admit(order("buy", "BTC-USD", "1", "100", "k2"))
	require.True(t, res.Accepted)
}

func TestAdmitBreakerHalt(t *testing.T) {
	g := newTestGate(t, oneToOne)

	g.EmergencyStop("manual")
	res := g.Admit(order("buy", "BTC-USD", "1", "100", "k1"))
	require.False(t, res.Accepted)
	assert.Equal(t, ReasonRiskLocked, res.Reason)
	assert.Equal(t, http.StatusLocked, res.HTTPStatus)

	g.Resume()
	require.True(t, g.Admit(order("buy", "BTC-USD", "1", "100", "k2")).Accepted)
}

func TestAdmitBreakerRecheckedUnderLock(t *testing.T) {
	// A request that passed the pre-lock check while the breaker was still
	// open must be halted by the in-lock check once it is engaged.
	g := newTestGate(t, oneToOne)
	g.breaker.Engage("halt while queued")

	res, _ := g.admit(order("buy", "BTC-USD", "1", "100", "k1"))

	require.False(t, res.Accepted)
	assert.Equal(t, ReasonRiskLocked, res.Reason)
	assert.True(t, g.ledger.Total().IsZero())
}

func TestAdmitDailyRollover(t *testing.T) {
	g := newTestGate(t, oneToOne)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.state.now = func() time.Time { return base }
	g.state.ResetDaily()

	require.True(t, g.Admit(order("buy", "BTC-USD", "1", "100", "k1")).Accepted)
	g.UpdatePnL(d("-400")) // beyond the 300 daily loss limit
	require.False(t, g.Admit(order("buy", "BTC-USD", "1", "100", "k2")).Accepted)

	// Crossing UTC midnight resets the counters and the dedup window, so
	// yesterday's key is admissible again.
	base = base.Add(24 * time.Hour)
	res := g.Admit(order("buy", "BTC-USD", "1", "100", "k1"))
	require.True(t, res.Accepted)
	assert.True(t, g.state.DailyPnL().IsZero())
}

func TestUpdatePnLRolloverResetsIdempotencyGauge(t *testing.T) {
	g := newTestGate(t, oneToOne)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.state.now = func() time.Time { return base }
	g.state.ResetDaily()

	require.True(t, g.Admit(order("buy", "BTC-USD", "1", "100", "k1")).Accepted)
	require.Equal(t, 1.0, testutil.ToFloat64(g.metrics.IdempotencyKeys))

	base = base.Add(24 * time.Hour)
	g.UpdatePnL(d("10"))

	assert.Equal(t, 0, g.idem.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(g.metrics.IdempotencyKeys))
}

func TestAdmitWritesExposureSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exposure.json")
	limits := testLimits()
	limits.VolTargetMultiplier = d("1")
	logger := zap.NewNop()
	g := NewGate(
		limits,
		NewState(limits, logger, nil),
		NewExposureLedger(path),
		NewIdempotencyStore(limits.IdempotencyWindow, 0),
		NewCircuitBreaker(logger, nil),
		FixedEquity(limits.Equity),
		logger,
		observ.NewMetrics(prometheus.NewRegistry()),
	)

	require.True(t, g.Admit(order("buy", "BTC-USD", "5", "100", "k1")).Accepted)

	restored := NewExposureLedger(path)
	require.NoError(t, restored.Load())
	assert.True(t, restored.Exposure("BTC-USD").Equal(d("500")))
}

func TestAdmitFailsClosedOnPanic(t *testing.T) {
	limits := testLimits()
	logger := zap.NewNop()
	// A nil equity source panics inside the pipeline; the gate must turn
	// that into a rejection, never an admit.
	g := NewGate(
		limits,
		NewState(limits, logger, nil),
		NewExposureLedger(""),
		NewIdempotencyStore(limits.IdempotencyWindow, 0),
		NewCircuitBreaker(logger, nil),
		nil,
		logger,
		observ.NewMetrics(prometheus.NewRegistry()),
	)

	res := g.Admit(order("buy", "BTC-USD", "1", "100", "k1"))
	require.False(t, res.Accepted)
	assert.Equal(t, ReasonInternalError, res.Reason)
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
}

func TestGateStatus(t *testing.T) {
	g := newTestGate(t, oneToOne)
	require.True(t, g.Admit(order("buy", "BTC-USD", "5", "100", "k1")).Accepted)

	st := g.Status()

	assert.True(t, st.Config.MaxPositionPct.Equal(d("0.1")))
	assert.True(t, st.Config.MaxTotalExposurePct.Equal(d("0.5")))
	assert.True(t, st.Config.DailyLossLimitPct.Equal(d("0.03")))
	assert.Equal(t, 90, st.Config.IdempotencyWindowSec)
	assert.True(t, st.Equity.Equal(d("10000")))
	assert.True(t, st.TotalExposure.Equal(d("500")))
	assert.True(t, st.Exposures["BTC-USD"].Equal(d("500")))
	assert.False(t, st.BreakerEngaged)
	assert.Equal(t, LevelLow, st.RiskLevel)
}

func TestGateResetDaily(t *testing.T) {
	g := newTestGate(t, oneToOne)
	require.True(t, g.Admit(order("buy", "BTC-USD", "5", "100", "k1")).Accepted)
	g.UpdatePnL(d("-200"))

	g.ResetDaily()

	assert.True(t, g.state.DailyPnL().IsZero())
	// Exposure survives a daily reset: positions are still open.
	assert.True(t, g.ledger.Exposure("BTC-USD").Equal(d("500")))
	// The dedup window is cleared with the day.
	require.True(t, g.Admit(order("buy", "BTC-USD", "5", "100", "k1")).Accepted)
}

func TestCapRejectionRecordsViolation(t *testing.T) {
	g := newTestGate(t, oneToOne)

	g.Admit(order("buy", "BTC-USD", "2000", "1", "k1"))

	recent := g.state.RecentViolations(5)
	require.NotEmpty(t, recent)
	assert.Equal(t, "exposure_cap_BTC-USD", recent[0].Type)
	assert.Equal(t, SeverityHigh, recent[0].Severity)
}
