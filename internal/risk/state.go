package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradekit/riskgate/internal/config"
)

// Level is the coarse risk grade exposed on the status endpoint.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Risk level score thresholds.
var (
	scoreMedium = decimal.NewFromInt(20)
	scoreHigh   = decimal.NewFromInt(50)
	scoreCrit   = decimal.NewFromInt(100)
)

// DefaultViolationCooldown suppresses repeat alerts of the same type.
const DefaultViolationCooldown = 5 * time.Minute

const historyCapacity = 256

// State carries the mutable daily risk counters. It resets on UTC-date
// rollover. State is not internally locked: the gate is the single
// synchronizer for both the admission path and the PnL-update path, so
// every method here must be called under the gate's critical section.
type State struct {
	limits config.Limits
	logger *zap.Logger
	sink   ViolationSink
	now    func() time.Time

	dailyPnL    decimal.Decimal
	dailyHigh   decimal.Decimal
	drawdown    decimal.Decimal
	marginLevel decimal.Decimal

	violations *ring
	alerts     *ring
	lastSeen   map[string]time.Time // violation type -> last emitted
	cooldown   time.Duration

	lastResetDate string // UTC yyyy-mm-dd
}

func NewState(limits config.Limits, logger *zap.Logger, sink ViolationSink) *State {
	if sink == nil {
		sink = nopSink{}
	}
	now := time.Now
	return &State{
		limits:        limits,
		logger:        logger,
		sink:          sink,
		now:           now,
		marginLevel:   limits.MinMarginLevel.Add(decimal.NewFromInt(1)), // healthy until told otherwise
		violations:    newRing(historyCapacity),
		alerts:        newRing(historyCapacity),
		lastSeen:      make(map[string]time.Time),
		cooldown:      DefaultViolationCooldown,
		lastResetDate: now().UTC().Format("2006-01-02"),
	}
}

// UpdatePnL folds a realized profit or loss into the daily counters.
// Losses grow the unrecovered drawdown; gains pay it back down but never
// below zero, so the drawdown always reflects the unrecovered loss.
func (s *State) UpdatePnL(delta decimal.Decimal) {
	s.dailyPnL = s.dailyPnL.Add(delta)
	if delta.IsNegative() {
		if loss := delta.Abs(); loss.GreaterThan(s.drawdown) {
			s.drawdown = loss
		}
	} else if delta.IsPositive() {
		s.drawdown = s.drawdown.Sub(delta)
		if s.drawdown.IsNegative() {
			s.drawdown = decimal.Zero
		}
	}
	if s.dailyPnL.GreaterThan(s.dailyHigh) {
		s.dailyHigh = s.dailyPnL
	}
}

// UpdateMarginLevel records the latest margin level reported by the
// execution layer.
func (s *State) UpdateMarginLevel(level decimal.Decimal) {
	s.marginLevel = level
}

// CheckViolations evaluates the halt thresholds (drawdown, daily loss,
// margin level) against current equity and returns any that fired.
// Repeats of the same type inside the cooldown window are suppressed from
// the history to avoid alert storms; CRITICAL ones are still logged and
// journaled.
func (s *State) CheckViolations(equity decimal.Decimal) []Violation {
	now := s.now().UTC()
	var fired []Violation

	ddLimit := s.limits.MaxDailyDrawdownPct.Mul(equity)
	if s.drawdown.GreaterThanOrEqual(ddLimit) {
		fired = append(fired, Violation{
			Type:      "max_drawdown",
			Message:   fmt.Sprintf("drawdown %s breaches limit %s", s.drawdown, ddLimit),
			Severity:  SeverityCritical,
			Timestamp: now,
		})
	}

	lossLimit := s.limits.DailyLossLimitPct.Mul(equity).Neg()
	if s.dailyPnL.LessThan(lossLimit) {
		fired = append(fired, Violation{
			Type:      "daily_loss_limit",
			Message:   fmt.Sprintf("daily PnL %s breaches limit %s", s.dailyPnL, lossLimit),
			Severity:  SeverityCritical,
			Timestamp: now,
		})
	}

	if s.marginLevel.LessThan(s.limits.MinMarginLevel) {
		fired = append(fired, Violation{
			Type:      "margin_level",
			Message:   fmt.Sprintf("margin level %s below minimum %s", s.marginLevel, s.limits.MinMarginLevel),
			Severity:  SeverityHigh,
			Timestamp: now,
		})
	}

	for _, v := range fired {
		s.Record(v)
	}
	return fired
}

// Record appends a violation to the bounded history, deduplicated per
// type within the cooldown window.
func (s *State) Record(v Violation) {
	now := s.now()
	if last, ok := s.lastSeen[v.Type]; ok && now.Sub(last) < s.cooldown {
		if v.Severity == SeverityCritical {
			s.sink.Record(v)
			s.logger.Error("risk violation (suppressed repeat)",
				zap.String("type", v.Type), zap.String("message", v.Message))
		}
		return
	}
	s.lastSeen[v.Type] = now

	s.violations.push(v)
	s.alerts.push(v)
	s.sink.Record(v)

	switch v.Severity {
	case SeverityCritical:
		s.logger.Error("risk violation", zap.String("type", v.Type), zap.String("message", v.Message))
	case SeverityHigh:
		s.logger.Warn("risk violation", zap.String("type", v.Type), zap.String("message", v.Message))
	default:
		s.logger.Info("risk violation", zap.String("type", v.Type), zap.String("message", v.Message))
	}
}

// RiskLevel grades current risk. Each component is normalized against its
// configured limit, then weighted: loss x10, exposure x5, margin shortfall
// x20, recent critical violations x50. Thresholds 20/50/100 map the score
// to MEDIUM/HIGH/CRITICAL.
func (s *State) RiskLevel(equity, totalExposure decimal.Decimal) Level {
	score := decimal.Zero
	ten := decimal.NewFromInt(10)
	five := decimal.NewFromInt(5)
	twenty := decimal.NewFromInt(20)
	fifty := decimal.NewFromInt(50)

	if s.dailyPnL.IsNegative() && equity.IsPositive() {
		lossLimit := s.limits.DailyLossLimitPct.Mul(equity)
		if lossLimit.IsPositive() {
			score = score.Add(s.dailyPnL.Abs().Div(lossLimit).Mul(ten))
		}
	}

	if equity.IsPositive() {
		expLimit := s.limits.MaxTotalExposurePct.Mul(equity)
		if expLimit.IsPositive() {
			score = score.Add(totalExposure.Div(expLimit).Mul(five))
		}
	}

	if s.marginLevel.LessThan(s.limits.MinMarginLevel) {
		shortfall := s.limits.MinMarginLevel.Sub(s.marginLevel)
		score = score.Add(shortfall.Mul(twenty))
	}

	crit := 0
	for _, v := range s.violations.last(s.violations.len()) {
		if v.Severity == SeverityCritical {
			crit++
		}
	}
	score = score.Add(decimal.NewFromInt(int64(crit)).Mul(fifty))

	switch {
	case score.GreaterThanOrEqual(scoreCrit):
		return LevelCritical
	case score.GreaterThanOrEqual(scoreHigh):
		return LevelHigh
	case score.GreaterThanOrEqual(scoreMedium):
		return LevelMedium
	default:
		return LevelLow
	}
}

// NeedsRollover reports whether the UTC date has advanced past the last
// reset.
func (s *State) NeedsRollover() bool {
	return s.now().UTC().Format("2006-01-02") != s.lastResetDate
}

// ResetDaily zeroes the daily counters and stamps the reset date. The
// margin level is an account property, not a daily counter, and survives.
func (s *State) ResetDaily() {
	s.dailyPnL = decimal.Zero
	s.dailyHigh = decimal.Zero
	s.drawdown = decimal.Zero
	s.lastResetDate = s.now().UTC().Format("2006-01-02")
	s.logger.Info("daily risk counters reset", zap.String("date", s.lastResetDate))
}

// RecentViolations returns up to n most recent violations, newest first.
func (s *State) RecentViolations(n int) []Violation {
	return s.violations.last(n)
}

// Snapshot is the JSON shape of the state on the status endpoint.
type Snapshot struct {
	DailyPnL        decimal.Decimal `json:"dailyPnL"`
	DailyHigh       decimal.Decimal `json:"dailyHigh"`
	CurrentDrawdown decimal.Decimal `json:"currentDrawdown"`
	MarginLevel     decimal.Decimal `json:"marginLevel"`
	LastResetDate   string          `json:"lastResetDate"`
	ViolationCount  int             `json:"violationCount"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		DailyPnL:        s.dailyPnL,
		DailyHigh:       s.dailyHigh,
		CurrentDrawdown: s.drawdown,
		MarginLevel:     s.marginLevel,
		LastResetDate:   s.lastResetDate,
		ViolationCount:  s.violations.len(),
	}
}

// DailyPnL and Drawdown expose the counters for gate checks.
func (s *State) DailyPnL() decimal.Decimal { return s.dailyPnL }
func (s *State) Drawdown() decimal.Decimal { return s.drawdown }
