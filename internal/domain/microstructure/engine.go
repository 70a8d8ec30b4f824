package microstructure

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/domain/signal"
	"github.com/quantgate/quantgate/internal/ring"
)

// vpinBucket accumulates classified volume until it reaches the configured
// bucket size, then is pushed into the rolling window.
type vpinBucket struct {
	BuyVolume   float64
	SellVolume  float64
	TotalVolume float64
}

// symbolState is the per-symbol persistent estimator state. Created lazily
// on first sight of a symbol; bounded by the ring-buffer windows.
type symbolState struct {
	cvd           float64 // running cumulative volume delta
	lastProcessed time.Time

	vpinCurrent vpinBucket
	vpinWindow  *ring.Buffer[vpinBucket]
	lastMid     float64 // evolving mid for the Lee-Ready tick test
}

// Engine derives order-flow features (OFI, CVD, VPIN, spread, order book
// imbalance, ATR) from OHLCV bars and optional L2 snapshots. One engine
// instance owns the per-symbol state for one account/process; access is
// serialized internally.
type Engine struct {
	mu      sync.Mutex
	config  Config
	symbols map[string]*symbolState

	// Feature cache keyed by symbol; valid while the latest bar timestamp
	// is unchanged. Per-engine-instance, never global.
	cache map[string]cachedFeatures
}

type cachedFeatures struct {
	lastBar  time.Time
	features signal.Features
}

// NewEngine creates a feature engine with the given parameters. Zero-value
// fields fall back to defaults.
func NewEngine(config Config) *Engine {
	def := DefaultConfig()
	if config.OFIWindow <= 0 {
		config.OFIWindow = def.OFIWindow
	}
	if config.CVDWindow <= 0 {
		config.CVDWindow = def.CVDWindow
	}
	if config.ATRPeriod <= 0 {
		config.ATRPeriod = def.ATRPeriod
	}
	if config.VPINBucketSize <= 0 {
		config.VPINBucketSize = def.VPINBucketSize
	}
	if config.VPINNumBuckets <= 0 {
		config.VPINNumBuckets = def.VPINNumBuckets
	}
	return &Engine{
		config:  config,
		symbols: make(map[string]*symbolState),
		cache:   make(map[string]cachedFeatures),
	}
}

// NeutralFeatures is the documented safe-default feature set returned on
// insufficient data. Callers must treat it as "no signal".
func NeutralFeatures() signal.Features {
	return signal.Features{
		OFI:         0,
		CVD:         0,
		VPIN:        NeutralVPIN,
		SpreadPct:   0,
		OBImbalance: 0,
		ATR:         minATR,
	}
}

// CalculateFeatures computes the feature vector for one symbol from a
// rolling OHLCV window. Bars must be oldest-first. When the window is
// shorter than the configured lookbacks the neutral default set is
// returned. A failure in any single sub-feature substitutes that feature's
// safe default without aborting the others.
func (e *Engine) CalculateFeatures(sym string, bars []Bar, l2 *L2Snapshot) signal.Features {
	e.mu.Lock()
	defer e.mu.Unlock()

	minBars := e.config.OFIWindow
	if e.config.CVDWindow > minBars {
		minBars = e.config.CVDWindow
	}
	if len(bars) < minBars {
		log.Debug().Str("symbol", sym).Int("bars", len(bars)).Int("required", minBars).
			Msg("insufficient bars for features, returning neutral defaults")
		return NeutralFeatures()
	}

	last := bars[len(bars)-1].Timestamp
	if c, ok := e.cache[sym]; ok && c.lastBar.Equal(last) {
		return c.features
	}

	st := e.symbols[sym]
	if st == nil {
		st = &symbolState{vpinWindow: ring.New[vpinBucket](e.config.VPINNumBuckets)}
		e.symbols[sym] = st
	}

	// Stateful accumulators only consume bars not yet seen.
	e.ingest(st, bars)

	feats := NeutralFeatures()
	feats.OFI = e.computeOFI(sym, bars)
	feats.CVD = st.cvd
	feats.VPIN = e.computeVPIN(st)
	feats.ATR = e.computeATR(sym, bars)
	feats.SpreadPct, feats.OBImbalance = e.computeL2(sym, l2)

	e.cache[sym] = cachedFeatures{lastBar: last, features: feats}
	return feats
}

// ResetSymbol drops all persistent state for a symbol, including the CVD
// accumulator and VPIN window. The only way CVD resets.
func (e *Engine) ResetSymbol(sym string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.symbols, sym)
	delete(e.cache, sym)
}

// ingest advances the per-symbol CVD and VPIN accumulators over bars newer
// than the last processed timestamp.
func (e *Engine) ingest(st *symbolState, bars []Bar) {
	prevClose := 0.0
	for i, bar := range bars {
		if i > 0 {
			prevClose = bars[i-1].Close
		}
		if !bar.Timestamp.After(st.lastProcessed) {
			continue
		}

		// CVD: sign of close-over-previous-close, accumulated forever.
		if i > 0 && bar.Volume > 0 {
			switch {
			case bar.Close > prevClose:
				st.cvd += bar.Volume
			case bar.Close < prevClose:
				st.cvd -= bar.Volume
			}
		}

		e.ingestVPIN(st, bar)
		st.lastProcessed = bar.Timestamp
	}
}

// ingestVPIN classifies a bar's volume buy/sell with a tick test against
// the evolving mid and fills volume buckets, spilling overflow into the
// next bucket.
func (e *Engine) ingestVPIN(st *symbolState, bar Bar) {
	if bar.Volume <= 0 {
		return
	}
	mid := bar.Midpoint()
	buy := bar.Close >= st.lastMid
	if st.lastMid == 0 {
		buy = bar.Close >= mid
	}
	st.lastMid = mid

	remaining := bar.Volume
	for remaining > 0 {
		space := e.config.VPINBucketSize - st.vpinCurrent.TotalVolume
		take := remaining
		if take > space {
			take = space
		}
		if buy {
			st.vpinCurrent.BuyVolume += take
		} else {
			st.vpinCurrent.SellVolume += take
		}
		st.vpinCurrent.TotalVolume += take
		remaining -= take

		if st.vpinCurrent.TotalVolume >= e.config.VPINBucketSize {
			st.vpinWindow.Push(st.vpinCurrent)
			st.vpinCurrent = vpinBucket{}
		}
	}
}

// computeVPIN returns mean(|buy-sell|)/mean(total) over the bucket window,
// or the neutral default until the window is full.
func (e *Engine) computeVPIN(st *symbolState) float64 {
	if !st.vpinWindow.Full() {
		return NeutralVPIN
	}
	var imbalance, total float64
	for _, b := range st.vpinWindow.Items() {
		imbalance += abs(b.BuyVolume - b.SellVolume)
		total += b.TotalVolume
	}
	if total <= volumeEpsilon {
		return NeutralVPIN
	}
	v := imbalance / total
	if v > 1 {
		v = 1
	}
	return v
}

// computeOFI classifies each bar via the tick rule (close vs bar midpoint)
// and normalizes the signed-volume sum by total volume over the window,
// floored against zero-volume windows.
func (e *Engine) computeOFI(sym string, bars []Bar) float64 {
	window := bars[len(bars)-e.config.OFIWindow:]
	var signed, total float64
	for _, bar := range window {
		if bar.Volume < 0 || bar.High < bar.Low {
			log.Debug().Str("symbol", sym).Time("bar", bar.Timestamp).
				Msg("malformed bar skipped in OFI")
			continue
		}
		sign := 0.0
		switch {
		case bar.Close > bar.Midpoint():
			sign = 1
		case bar.Close < bar.Midpoint():
			sign = -1
		}
		signed += sign * bar.Volume
		total += bar.Volume
	}
	denom := total
	if denom < volumeEpsilon {
		denom = volumeEpsilon
	}
	ofi := signed / denom
	if ofi > 1 {
		ofi = 1
	} else if ofi < -1 {
		ofi = -1
	}
	return ofi
}

// computeATR is a true-range SMA. Descriptive output only: ATR must never
// feed position sizing or stop/target computation.
func (e *Engine) computeATR(sym string, bars []Bar) float64 {
	period := e.config.ATRPeriod
	if len(bars) < period+1 {
		return minATR
	}
	window := bars[len(bars)-period-1:]
	var sum float64
	var n int
	for i := 1; i < len(window); i++ {
		if window[i].High < window[i].Low {
			log.Debug().Str("symbol", sym).Time("bar", window[i].Timestamp).
				Msg("malformed bar skipped in ATR")
			continue
		}
		sum += window[i].TrueRange(window[i-1].Close)
		n++
	}
	if n == 0 || sum <= 0 {
		return minATR
	}
	return sum / float64(n)
}

// computeL2 derives spread and top-of-book imbalance from an optional L2
// snapshot. Without L2 both default to zero.
func (e *Engine) computeL2(sym string, l2 *L2Snapshot) (spreadPct, imbalance float64) {
	if l2 == nil || len(l2.Bids) == 0 || len(l2.Asks) == 0 {
		return 0, 0
	}
	bid := l2.Bids[0].Price
	ask := l2.Asks[0].Price
	if bid <= 0 || ask <= 0 || ask <= bid {
		log.Debug().Str("symbol", sym).Float64("bid", bid).Float64("ask", ask).
			Msg("inverted or degenerate L2 snapshot, spread defaulted")
		return 0, 0
	}
	mid := (bid + ask) / 2
	spreadPct = (ask - bid) / mid

	var bidVol, askVol float64
	for _, lvl := range l2.Bids {
		bidVol += lvl.Volume
	}
	for _, lvl := range l2.Asks {
		askVol += lvl.Volume
	}
	if bidVol+askVol > volumeEpsilon {
		imbalance = (bidVol - askVol) / (bidVol + askVol)
	}
	return spreadPct, imbalance
}
