package risk

import (
	"github.com/shopspring/decimal"
)

// DefaultRiskPerTrade is the fraction of equity risked per trade when the
// caller does not specify one.
var DefaultRiskPerTrade = decimal.NewFromFloat(0.01)

// Sizer computes risk-bounded order quantities. It is pure and
// deterministic; all state lives in the inputs.
type Sizer struct {
	MaxPositionPct decimal.Decimal
}

// Size returns the quantity that risks equity*riskPerTrade between the
// entry and stop prices, clamped so the position notional never exceeds
// equity*MaxPositionPct. A zero price risk (entry == stop) is rejected:
// it would imply an unbounded position.
func (s Sizer) Size(equity, entryPrice, stopPrice, riskPerTrade decimal.Decimal) (decimal.Decimal, error) {
	if riskPerTrade.IsZero() {
		riskPerTrade = DefaultRiskPerTrade
	}
	if equity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, reject(ReasonInvalidInput, "equity must be positive")
	}
	if entryPrice.LessThanOrEqual(decimal.Zero) || stopPrice.LessThan(decimal.Zero) {
		return decimal.Zero, reject(ReasonInvalidInput, "prices must be positive")
	}
	if riskPerTrade.LessThan(decimal.Zero) || riskPerTrade.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, reject(ReasonInvalidInput, "riskPerTrade must be in (0,1]")
	}

	priceRisk := entryPrice.Sub(stopPrice).Abs()
	if priceRisk.IsZero() {
		return decimal.Zero, reject(ReasonInvalidInput, "entry and stop price are equal")
	}

	riskAmount := equity.Mul(riskPerTrade)
	qty := riskAmount.Div(priceRisk)

	maxQty := equity.Mul(s.MaxPositionPct).Div(entryPrice)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}
	return qty, nil
}
