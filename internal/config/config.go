package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Limits holds the static risk limits the gate enforces. It is loaded once
// at boot and never mutated afterwards.
type Limits struct {
	// Fractions of account equity (0..1].
	MaxPositionPct      decimal.Decimal
	MaxTotalExposurePct decimal.Decimal
	MaxLeveragePct      decimal.Decimal
	DailyLossLimitPct   decimal.Decimal
	MaxDailyDrawdownPct decimal.Decimal

	// Minimum acceptable margin level (e.g. 1.5 = 150%).
	MinMarginLevel decimal.Decimal

	// Volatility targeting. Multiplier applies to 100/volTargetBps; the
	// resulting adjustment is clamped to 1 so sizing only ever shrinks.
	VolTargetMultiplier decimal.Decimal

	// Per-symbol overrides. Symbols not listed fall back to
	// MaxPositionPct and DefaultVolTargetBps.
	SymbolCapPct    map[string]decimal.Decimal
	SymbolVolTarget map[string]int // bps

	// Window during which a repeated idempotency key is a duplicate.
	IdempotencyWindow time.Duration

	// Account equity used for all percentage checks until a live equity
	// feed is wired in.
	Equity decimal.Decimal
}

// Server holds the HTTP surface settings.
type Server struct {
	Addr            string
	RateLimitRPS    float64
	RateLimitBurst  int
	DevelopmentMode bool
}

// Paths holds the persistence locations the gate needs.
type Paths struct {
	ViolationLog     string
	ExposureSnapshot string
	OrderOutbox      string
}

type Config struct {
	Limits Limits
	Server Server
	Paths  Paths
}

// DefaultVolTargetBps is assumed for symbols without a configured
// volatility target (1% expected move).
const DefaultVolTargetBps = 100

// symbolOverlay is the optional YAML file carrying per-symbol caps and
// volatility targets, keyed by symbol.
type symbolOverlay struct {
	Caps       map[string]float64 `yaml:"caps"`
	VolTargets map[string]int     `yaml:"vol_targets"`
}

// Load reads configuration from the environment (with an optional .env
// file) plus an optional per-symbol limits overlay, applies defaults and
// validates bounds. An invalid limit is fatal: the gate must not start
// with limits it cannot trust.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("RISK_MAX_POSITION_PCT", 0.10)
	v.SetDefault("RISK_MAX_TOTAL_EXPOSURE_PCT", 0.50)
	v.SetDefault("RISK_MAX_LEVERAGE_PCT", 1.0)
	v.SetDefault("RISK_DAILY_LOSS_LIMIT_PCT", 0.03)
	v.SetDefault("RISK_MAX_DAILY_DRAWDOWN_PCT", 0.05)
	v.SetDefault("RISK_MIN_MARGIN_LEVEL", 1.5)
	v.SetDefault("RISK_VOL_TARGET_MULTIPLIER", 0.25)
	v.SetDefault("RISK_IDEMPOTENCY_WINDOW_SEC", 90)
	v.SetDefault("RISK_ACCOUNT_EQUITY", 10000.0)
	v.SetDefault("RISK_SYMBOL_LIMITS_FILE", "")

	v.SetDefault("SERVER_ADDR", ":8090")
	v.SetDefault("SERVER_RATE_LIMIT_RPS", 50.0)
	v.SetDefault("SERVER_RATE_LIMIT_BURST", 100)
	v.SetDefault("SERVER_DEV_MODE", false)

	v.SetDefault("DATA_VIOLATION_LOG", "data/violations.jsonl")
	v.SetDefault("DATA_EXPOSURE_SNAPSHOT", "data/exposure.json")
	v.SetDefault("DATA_ORDER_OUTBOX", "data/orders.jsonl")

	cfg := &Config{
		Limits: Limits{
			MaxPositionPct:      decimal.NewFromFloat(v.GetFloat64("RISK_MAX_POSITION_PCT")),
			MaxTotalExposurePct: decimal.NewFromFloat(v.GetFloat64("RISK_MAX_TOTAL_EXPOSURE_PCT")),
			MaxLeveragePct:      decimal.NewFromFloat(v.GetFloat64("RISK_MAX_LEVERAGE_PCT")),
			DailyLossLimitPct:   decimal.NewFromFloat(v.GetFloat64("RISK_DAILY_LOSS_LIMIT_PCT")),
			MaxDailyDrawdownPct: decimal.NewFromFloat(v.GetFloat64("RISK_MAX_DAILY_DRAWDOWN_PCT")),
			MinMarginLevel:      decimal.NewFromFloat(v.GetFloat64("RISK_MIN_MARGIN_LEVEL")),
			VolTargetMultiplier: decimal.NewFromFloat(v.GetFloat64("RISK_VOL_TARGET_MULTIPLIER")),
			SymbolCapPct:        map[string]decimal.Decimal{},
			SymbolVolTarget:     map[string]int{},
			IdempotencyWindow:   time.Duration(v.GetInt("RISK_IDEMPOTENCY_WINDOW_SEC")) * time.Second,
			Equity:              decimal.NewFromFloat(v.GetFloat64("RISK_ACCOUNT_EQUITY")),
		},
		Server: Server{
			Addr:            v.GetString("SERVER_ADDR"),
			RateLimitRPS:    v.GetFloat64("SERVER_RATE_LIMIT_RPS"),
			RateLimitBurst:  v.GetInt("SERVER_RATE_LIMIT_BURST"),
			DevelopmentMode: v.GetBool("SERVER_DEV_MODE"),
		},
		Paths: Paths{
			ViolationLog:     v.GetString("DATA_VIOLATION_LOG"),
			ExposureSnapshot: v.GetString("DATA_EXPOSURE_SNAPSHOT"),
			OrderOutbox:      v.GetString("DATA_ORDER_OUTBOX"),
		},
	}

	if path := v.GetString("RISK_SYMBOL_LIMITS_FILE"); path != "" {
		if err := cfg.loadSymbolOverlay(path); err != nil {
			return nil, fmt.Errorf("symbol limits overlay: %w", err)
		}
	}

	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSymbolOverlay(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay symbolOverlay
	if err := yaml.Unmarshal(b, &overlay); err != nil {
		return err
	}
	for sym, pct := range overlay.Caps {
		c.Limits.SymbolCapPct[sym] = decimal.NewFromFloat(pct)
	}
	for sym, bps := range overlay.VolTargets {
		c.Limits.SymbolVolTarget[sym] = bps
	}
	return nil
}

// Validate enforces hard bounds on the limits. Percentages are fractions
// of equity and must sit in (0,1] except leverage which may exceed 1.
func (l Limits) Validate() error {
	one := decimal.NewFromInt(1)
	zero := decimal.Zero

	fractions := []struct {
		name string
		val  decimal.Decimal
	}{
		{"RISK_MAX_POSITION_PCT", l.MaxPositionPct},
		{"RISK_MAX_TOTAL_EXPOSURE_PCT", l.MaxTotalExposurePct},
		{"RISK_DAILY_LOSS_LIMIT_PCT", l.DailyLossLimitPct},
		{"RISK_MAX_DAILY_DRAWDOWN_PCT", l.MaxDailyDrawdownPct},
	}
	for _, f := range fractions {
		if f.val.LessThanOrEqual(zero) || f.val.GreaterThan(one) {
			return fmt.Errorf("%s must be in (0,1], got %s", f.name, f.val)
		}
	}
	if l.MaxLeveragePct.LessThanOrEqual(zero) {
		return fmt.Errorf("RISK_MAX_LEVERAGE_PCT must be positive, got %s", l.MaxLeveragePct)
	}
	if l.MinMarginLevel.LessThan(one) {
		return fmt.Errorf("RISK_MIN_MARGIN_LEVEL must be >= 1, got %s", l.MinMarginLevel)
	}
	if l.VolTargetMultiplier.LessThanOrEqual(zero) {
		return fmt.Errorf("RISK_VOL_TARGET_MULTIPLIER must be positive, got %s", l.VolTargetMultiplier)
	}
	if l.IdempotencyWindow <= 0 {
		return fmt.Errorf("RISK_IDEMPOTENCY_WINDOW_SEC must be positive, got %s", l.IdempotencyWindow)
	}
	if l.Equity.LessThanOrEqual(zero) {
		return fmt.Errorf("RISK_ACCOUNT_EQUITY must be positive, got %s", l.Equity)
	}
	for sym, pct := range l.SymbolCapPct {
		if pct.LessThanOrEqual(zero) || pct.GreaterThan(one) {
			return fmt.Errorf("cap for %s must be in (0,1], got %s", sym, pct)
		}
	}
	for sym, bps := range l.SymbolVolTarget {
		if bps <= 0 {
			return fmt.Errorf("vol target for %s must be positive bps, got %d", sym, bps)
		}
	}
	return nil
}

// CapPct returns the exposure cap for a symbol, falling back to the
// account-wide max position fraction.
func (l Limits) CapPct(symbol string) decimal.Decimal {
	if pct, ok := l.SymbolCapPct[symbol]; ok {
		return pct
	}
	return l.MaxPositionPct
}

// VolTargetBps returns the volatility target for a symbol in basis points.
func (l Limits) VolTargetBps(symbol string) int {
	if bps, ok := l.SymbolVolTarget[symbol]; ok {
		return bps
	}
	return DefaultVolTargetBps
}
