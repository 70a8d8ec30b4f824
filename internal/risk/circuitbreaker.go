package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/ring"
)

// CircuitBreakerConfig holds the statistical trip thresholds.
type CircuitBreakerConfig struct {
	Lookback           int           `yaml:"lookback"`             // ring buffer length, default 30
	ZWindow            int           `yaml:"z_window"`             // outcomes in the z-score test, default 10
	MinTrades          int           `yaml:"min_trades"`           // below this, statistics are off, default 10
	ZThreshold         float64       `yaml:"z_threshold"`          // default 2.5
	StreakMin          int           `yaml:"streak_min"`           // losing streak length to start testing, default 3
	StreakProbability  float64       `yaml:"streak_probability"`   // trip when loss_rate^streak falls below, default 0.05
	DailyLossFloorPct  float64       `yaml:"daily_loss_floor_pct"` // trip when today's cum pnl%% falls below, default -3.0
	Cooldown           time.Duration `yaml:"cooldown"`             // default 120m
}

// DefaultCircuitBreakerConfig returns the standard trip thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Lookback:          30,
		ZWindow:           10,
		MinTrades:         10,
		ZThreshold:        2.5,
		StreakMin:         3,
		StreakProbability: 0.05,
		DailyLossFloorPct: -3.0,
		Cooldown:          120 * time.Minute,
	}
}

func (c *CircuitBreakerConfig) applyDefaults() {
	def := DefaultCircuitBreakerConfig()
	if c.Lookback <= 0 {
		c.Lookback = def.Lookback
	}
	if c.ZWindow <= 0 {
		c.ZWindow = def.ZWindow
	}
	if c.MinTrades <= 0 {
		c.MinTrades = def.MinTrades
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = def.ZThreshold
	}
	if c.StreakMin <= 0 {
		c.StreakMin = def.StreakMin
	}
	if c.StreakProbability <= 0 {
		c.StreakProbability = def.StreakProbability
	}
	if c.DailyLossFloorPct == 0 {
		c.DailyLossFloorPct = def.DailyLossFloorPct
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
}

// tradeOutcome is one closed-trade result in the bounded history.
type tradeOutcome struct {
	PnLPct   float64
	Symbol   string
	Strategy string
	ClosedAt time.Time
}

// CircuitBreaker halts trading when recent outcomes are statistically
// anomalous versus the historical distribution. Opening the circuit is a
// one-way transition until cooldown; trip conditions are re-evaluated fresh
// on every check. Default-deny on ambiguous statistics.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	outcomes *ring.Buffer[tradeOutcome]

	dailyPnLPct float64
	dailyDate   string // UTC calendar day the accumulator belongs to

	open       bool
	openedAt   time.Time
	openReason string

	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config:   config,
		outcomes: ring.New[tradeOutcome](config.Lookback),
		now:      time.Now,
	}
}

// RecordTrade appends one closed-trade outcome. Must be called exactly once
// per closed trade, after the close is finalized and before the next
// evaluation that could be affected by it.
func (cb *CircuitBreaker) RecordTrade(pnlPct float64, symbol, strategy string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.outcomes.Push(tradeOutcome{PnLPct: pnlPct, Symbol: symbol, Strategy: strategy, ClosedAt: now})

	day := now.UTC().Format("2006-01-02")
	if day != cb.dailyDate {
		cb.dailyDate = day
		cb.dailyPnLPct = 0
	}
	cb.dailyPnLPct += pnlPct
}

// CheckShouldTrade decides whether new trading is allowed. Returns the
// blocking reason when it is not.
func (cb *CircuitBreaker) CheckShouldTrade() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.open {
		elapsed := now.Sub(cb.openedAt)
		if elapsed < cb.config.Cooldown {
			remaining := cb.config.Cooldown - elapsed
			return false, fmt.Sprintf("circuit open (%s): %s cooldown remaining", cb.openReason, remaining.Round(time.Second))
		}
		cb.open = false
		cb.openReason = ""
		log.Warn().Msg("circuit breaker cooldown elapsed, circuit closed")
	}

	if cb.outcomes.Len() < cb.config.MinTrades {
		return true, ""
	}

	if reason, trip := cb.zScoreTrip(); trip {
		cb.trip(now, reason)
		return false, reason
	}
	if reason, trip := cb.streakTrip(); trip {
		cb.trip(now, reason)
		return false, reason
	}
	if reason, trip := cb.dailyLossTrip(now); trip {
		cb.trip(now, reason)
		return false, reason
	}
	return true, ""
}

// IsOpen reports the current open flag without re-evaluating trip
// conditions.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

// DailyPnLPct returns today's cumulative recorded outcome.
func (cb *CircuitBreaker) DailyPnLPct() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.now().UTC().Format("2006-01-02") != cb.dailyDate {
		return 0
	}
	return cb.dailyPnLPct
}

func (cb *CircuitBreaker) trip(now time.Time, reason string) {
	cb.open = true
	cb.openedAt = now
	cb.openReason = reason
	log.Error().Bool("critical", true).Str("reason", reason).
		Msg("statistical circuit breaker opened")
}

// zScoreTrip tests whether the mean of the last ZWindow outcomes is
// negative and anomalously far from zero relative to its spread.
func (cb *CircuitBreaker) zScoreTrip() (string, bool) {
	recent := cb.outcomes.Last(cb.config.ZWindow)
	mean, std := meanStd(recent)
	if mean >= 0 || std <= 0 {
		return "", false
	}
	z := math.Abs(mean) / std
	if z > cb.config.ZThreshold {
		return fmt.Sprintf("z-score %.2f exceeds %.2f over last %d trades (mean %.2f%%)",
			z, cb.config.ZThreshold, len(recent), mean), true
	}
	return "", false
}

// streakTrip tests whether the trailing losing streak is statistically
// unlikely given the historical loss rate.
func (cb *CircuitBreaker) streakTrip() (string, bool) {
	all := cb.outcomes.Items()

	streak := 0
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].PnLPct >= 0 {
			break
		}
		streak++
	}
	if streak < cb.config.StreakMin {
		return "", false
	}

	losses := 0
	for _, o := range all {
		if o.PnLPct < 0 {
			losses++
		}
	}
	lossRate := float64(losses) / float64(len(all))
	if lossRate >= 1 {
		// Every recorded trade lost; the probability test degenerates, which
		// is itself the anomaly.
		return fmt.Sprintf("loss streak of %d with 100%% historical loss rate", streak), true
	}
	prob := math.Pow(lossRate, float64(streak))
	if prob < cb.config.StreakProbability {
		return fmt.Sprintf("loss streak of %d (p=%.4f < %.2f at loss rate %.2f)",
			streak, prob, cb.config.StreakProbability, lossRate), true
	}
	return "", false
}

func (cb *CircuitBreaker) dailyLossTrip(now time.Time) (string, bool) {
	if now.UTC().Format("2006-01-02") != cb.dailyDate {
		return "", false
	}
	if cb.dailyPnLPct < cb.config.DailyLossFloorPct {
		return fmt.Sprintf("daily loss %.2f%% below floor %.2f%%", cb.dailyPnLPct, cb.config.DailyLossFloorPct), true
	}
	return "", false
}

func meanStd(outcomes []tradeOutcome) (mean, std float64) {
	if len(outcomes) == 0 {
		return 0, 0
	}
	for _, o := range outcomes {
		mean += o.PnLPct
	}
	mean /= float64(len(outcomes))

	var variance float64
	for _, o := range outcomes {
		d := o.PnLPct - mean
		variance += d * d
	}
	variance /= float64(len(outcomes))
	return mean, math.Sqrt(variance)
}
