package microstructure

import "time"

// Bar is one OHLCV candle.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Midpoint returns the bar's high/low midpoint, used by the tick rule.
func (b Bar) Midpoint() float64 { return (b.High + b.Low) / 2 }

// TrueRange returns the classic true range against the previous close.
func (b Bar) TrueRange(prevClose float64) float64 {
	tr := b.High - b.Low
	if hc := abs(b.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := abs(b.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

// L2Level is one side level of an order book snapshot.
type L2Level struct {
	Price  float64
	Volume float64
}

// L2Snapshot is an optional top-of-book snapshot used for spread and
// order book imbalance. Bids and asks are best-first.
type L2Snapshot struct {
	Bids []L2Level
	Asks []L2Level
}

// Config holds the microstructure estimator parameters.
type Config struct {
	OFIWindow      int     `yaml:"ofi_window"`       // bars in the OFI rolling sum
	CVDWindow      int     `yaml:"cvd_window"`       // minimum bars before CVD is reported
	ATRPeriod      int     `yaml:"atr_period"`       // true-range SMA period
	VPINBucketSize float64 `yaml:"vpin_bucket_size"` // volume per VPIN bucket
	VPINNumBuckets int     `yaml:"vpin_num_buckets"` // buckets in the rolling window
}

// DefaultConfig returns the standard estimator parameters.
func DefaultConfig() Config {
	return Config{
		OFIWindow:      20,
		CVDWindow:      20,
		ATRPeriod:      14,
		VPINBucketSize: 1000,
		VPINNumBuckets: 50,
	}
}

const (
	// NeutralVPIN is reported until the bucket window is full. Callers must
	// treat a neutral feature set as "no signal", not as valid data.
	NeutralVPIN = 0.5

	// minATR is the small positive floor reported when ATR cannot be
	// computed, so downstream ratios stay finite.
	minATR = 1e-9

	// volumeEpsilon floors normalization denominators against zero-volume
	// windows.
	volumeEpsilon = 1e-9
)

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
