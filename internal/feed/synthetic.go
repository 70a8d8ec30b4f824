package feed

import (
	"context"
	"math/rand"
	"time"

	"github.com/quantgate/quantgate/internal/domain/microstructure"
)

// SyntheticBars is a seeded random-walk OHLCV generator used by paper runs
// and replay tests when no market data source is attached.
type SyntheticBars struct {
	rng      *rand.Rand
	price    float64
	volBase  float64
	interval time.Duration
}

// NewSyntheticBars creates a generator starting at the given price.
func NewSyntheticBars(seed int64, startPrice float64, interval time.Duration) *SyntheticBars {
	if startPrice <= 0 {
		startPrice = 1.0
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SyntheticBars{
		rng:      rand.New(rand.NewSource(seed)),
		price:    startPrice,
		volBase:  100,
		interval: interval,
	}
}

// Next produces the next bar at the given timestamp.
func (s *SyntheticBars) Next(ts time.Time) microstructure.Bar {
	open := s.price
	drift := s.rng.NormFloat64() * 0.002 * open
	close := open + drift
	high := open
	if close > high {
		high = close
	}
	high += s.rng.Float64() * 0.001 * open
	low := open
	if close < low {
		low = close
	}
	low -= s.rng.Float64() * 0.001 * open

	s.price = close
	return microstructure.Bar{
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    s.volBase * (0.5 + s.rng.Float64()),
	}
}

// Stream pushes bars into the sink until the context ends.
func (s *SyntheticBars) Stream(ctx context.Context, sink func(microstructure.Bar)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-ticker.C:
			sink(s.Next(ts))
		}
	}
}
