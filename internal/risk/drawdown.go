package risk

import (
	"fmt"
	"sync"
	"time"
)

// DrawdownConfig holds the equity-level loss limits.
type DrawdownConfig struct {
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`   // peak-to-current, default 10.0
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"` // vs day-open equity, default 3.0
}

// DefaultDrawdownConfig returns the standard limits.
func DefaultDrawdownConfig() DrawdownConfig {
	return DrawdownConfig{MaxDrawdownPct: 10.0, MaxDailyLossPct: 3.0}
}

// DrawdownTracker tracks account equity against its high-water mark and the
// day-open level. Updated once per cycle by the decision loop.
type DrawdownTracker struct {
	mu      sync.Mutex
	config  DrawdownConfig
	peak    float64
	current float64
	dayOpen float64
	dayDate string

	now func() time.Time
}

// NewDrawdownTracker creates a tracker seeded with starting equity.
func NewDrawdownTracker(config DrawdownConfig, startingEquity float64) *DrawdownTracker {
	def := DefaultDrawdownConfig()
	if config.MaxDrawdownPct <= 0 {
		config.MaxDrawdownPct = def.MaxDrawdownPct
	}
	if config.MaxDailyLossPct <= 0 {
		config.MaxDailyLossPct = def.MaxDailyLossPct
	}
	return &DrawdownTracker{
		config:  config,
		peak:    startingEquity,
		current: startingEquity,
		dayOpen: startingEquity,
		now:     time.Now,
	}
}

// UpdateEquity records the latest account equity, advancing the peak and
// rolling the day-open level on UTC date change.
func (d *DrawdownTracker) UpdateEquity(equity float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().UTC().Format("2006-01-02")
	if day != d.dayDate {
		d.dayDate = day
		d.dayOpen = equity
	}
	d.current = equity
	if equity > d.peak {
		d.peak = equity
	}
}

// Check returns whether either loss limit is breached.
func (d *DrawdownTracker) Check() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.peak > 0 {
		dd := (d.peak - d.current) / d.peak * 100
		if dd > d.config.MaxDrawdownPct {
			return false, fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", dd, d.config.MaxDrawdownPct)
		}
	}
	if d.dayOpen > 0 {
		daily := (d.current - d.dayOpen) / d.dayOpen * 100
		if daily < -d.config.MaxDailyLossPct {
			return false, fmt.Sprintf("daily loss %.2f%% exceeds limit %.2f%%", -daily, d.config.MaxDailyLossPct)
		}
	}
	return true, ""
}

// Equity returns the last recorded equity.
func (d *DrawdownTracker) Equity() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// DrawdownPct returns the current peak-to-current drawdown in percent.
func (d *DrawdownTracker) DrawdownPct() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peak <= 0 {
		return 0
	}
	return (d.peak - d.current) / d.peak * 100
}
