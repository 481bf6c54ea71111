// Package features maintains rolling per-symbol statistics from a stream of
// price bars. All updates are O(1); nothing re-scans bar history.
package features

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/openrange/orbit/internal/model"
)

// StaleBarError reports an out-of-order bar. The bar is dropped and no
// state changes.
type StaleBarError struct {
	Symbol  string
	BarTime time.Time
	SeenAt  time.Time
}

func (e *StaleBarError) Error() string {
	return fmt.Sprintf("stale bar for %s: %s before last seen %s",
		e.Symbol, e.BarTime.Format(time.RFC3339), e.SeenAt.Format(time.RFC3339))
}

// Snapshot is the derived feature set for one symbol at one bar. Snapshots
// are immutable; the next bar produces a new one.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session,omitempty"`

	LastPrice  float64 `json:"last_price"`
	VWAP       float64 `json:"vwap"`
	SigmaUpper float64 `json:"sigma_upper"`
	SigmaLower float64 `json:"sigma_lower"`

	EMAFast     float64 `json:"ema_fast"`
	EMASlow     float64 `json:"ema_slow"`
	EMAFastPrev float64 `json:"ema_fast_prev"`
	EMASlowPrev float64 `json:"ema_slow_prev"`
	EMASlope    float64 `json:"ema_slope"`

	RelativeVolume  float64 `json:"relative_volume"`
	HighOfDay       float64 `json:"high_of_day"`
	LowOfDay        float64 `json:"low_of_day"`
	PrevClose       float64 `json:"prev_close"`
	CumulativeDelta float64 `json:"cumulative_delta"`
	ATR             float64 `json:"atr"`

	Bars int `json:"bars"`
	// Cold is set until the warm-up bar count is reached. Strategies must
	// treat cold snapshots as non-actionable.
	Cold bool `json:"cold"`
}

// Config holds feature computation parameters.
type Config struct {
	EMAFastPeriod int     `yaml:"ema_fast_period"` // Default: 20
	EMASlowPeriod int     `yaml:"ema_slow_period"` // Default: 50
	ATRPeriod     int     `yaml:"atr_period"`      // Default: 14
	SlopeLookback int     `yaml:"slope_lookback"`  // Bars between slope endpoints, default 5
	SigmaWidth    float64 `yaml:"sigma_width"`     // Band width in standard deviations, default 1.0
	WarmupBars    int     `yaml:"warmup_bars"`     // Bars before features go actionable, default 20
}

// DefaultConfig returns the production feature parameters.
func DefaultConfig() Config {
	return Config{
		EMAFastPeriod: 20,
		EMASlowPeriod: 50,
		ATRPeriod:     14,
		SlopeLookback: 5,
		SigmaWidth:    1.0,
		WarmupBars:    20,
	}
}

// BaselineProvider supplies the historical volume profile used for relative
// volume: expected cumulative volume for a symbol at a time of day. When no
// baseline exists relative volume reports neutral (1.0).
type BaselineProvider interface {
	Baseline(symbol string, at time.Time) (float64, bool)
}

// Subscriber receives each new snapshot synchronously, in update order.
type Subscriber func(Snapshot)

// Engine derives feature snapshots incrementally. Updates for distinct
// symbols may run concurrently; updates for one symbol must be serialized
// by the caller (the pipeline runs one lane per symbol).
type Engine struct {
	cfg      Config
	baseline BaselineProvider

	mu     sync.Mutex
	states map[string]*symbolState
	subs   []Subscriber
}

type symbolState struct {
	lastSeen time.Time
	day      string // session day in UTC, resets intraday accumulators

	// VWAP accumulators.
	sumPV float64
	sumV  float64

	// Welford running variance of close prices.
	count    int
	mean     float64
	m2       float64
	emaFast  float64
	emaSlow  float64
	slopeBuf []float64 // trailing fast-EMA values for the slope window

	atr       float64
	atrPrimed bool

	prevBarClose float64 // close of the immediately preceding bar
	prevDayClose float64 // close of the last bar of the prior day

	hod    float64
	lod    float64
	cumVol float64
	delta  float64

	lastSnap Snapshot
}

// NewEngine builds a feature engine. baseline may be nil.
func NewEngine(cfg Config, baseline BaselineProvider) *Engine {
	return &Engine{
		cfg:      cfg,
		baseline: baseline,
		states:   make(map[string]*symbolState),
	}
}

// Subscribe registers a synchronous snapshot consumer. Not safe to call
// concurrently with Update.
func (e *Engine) Subscribe(s Subscriber) {
	e.subs = append(e.subs, s)
}

// Last returns the most recent snapshot for a symbol, if any. Safe to call
// concurrently with Update.
func (e *Engine) Last(symbol string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok || st.lastSnap.Bars == 0 {
		return Snapshot{}, false
	}
	return st.lastSnap, true
}

// Update folds one bar into the symbol's rolling state and returns the new
// snapshot. Bars must arrive with non-decreasing timestamps per symbol; an
// older bar returns a StaleBarError and leaves state untouched.
func (e *Engine) Update(bar model.PriceBar) (Snapshot, error) {
	e.mu.Lock()
	st, ok := e.states[bar.Symbol]
	if !ok {
		st = &symbolState{}
		e.states[bar.Symbol] = st
	}
	e.mu.Unlock()

	if bar.Timestamp.Before(st.lastSeen) {
		return Snapshot{}, &StaleBarError{Symbol: bar.Symbol, BarTime: bar.Timestamp, SeenAt: st.lastSeen}
	}

	day := bar.Timestamp.UTC().Format("2006-01-02")
	if st.day != "" && st.day != day {
		st.rollDay()
	}
	st.day = day
	st.lastSeen = bar.Timestamp

	st.count++
	st.sumPV += bar.Close * bar.Volume
	st.sumV += bar.Volume
	st.cumVol += bar.Volume

	// Welford update on closes.
	d := bar.Close - st.mean
	st.mean += d / float64(st.count)
	st.m2 += d * (bar.Close - st.mean)

	fastPrev, slowPrev := st.emaFast, st.emaSlow
	st.emaFast = emaStep(st.emaFast, bar.Close, e.cfg.EMAFastPeriod)
	st.emaSlow = emaStep(st.emaSlow, bar.Close, e.cfg.EMASlowPeriod)

	st.slopeBuf = append(st.slopeBuf, st.emaFast)
	if len(st.slopeBuf) > e.cfg.SlopeLookback+1 {
		st.slopeBuf = st.slopeBuf[1:]
	}

	tr := trueRange(bar, st.prevBarClose)
	if !st.atrPrimed {
		st.atr = tr
		st.atrPrimed = true
	} else {
		n := float64(e.cfg.ATRPeriod)
		st.atr = (st.atr*(n-1) + tr) / n
	}

	if bar.High > st.hod || st.hod == 0 {
		st.hod = bar.High
	}
	if bar.Low < st.lod || st.lod == 0 {
		st.lod = bar.Low
	}

	// Tick-rule cumulative delta: volume signed by close direction.
	switch {
	case st.prevBarClose > 0 && bar.Close > st.prevBarClose:
		st.delta += bar.Volume
	case st.prevBarClose > 0 && bar.Close < st.prevBarClose:
		st.delta -= bar.Volume
	}
	st.prevBarClose = bar.Close

	snap := e.buildSnapshot(bar, st, fastPrev, slowPrev)
	e.mu.Lock()
	st.lastSnap = snap
	e.mu.Unlock()

	for _, s := range e.subs {
		s(snap)
	}
	return snap, nil
}

func (e *Engine) buildSnapshot(bar model.PriceBar, st *symbolState, fastPrev, slowPrev float64) Snapshot {
	var vwap float64
	if st.sumV > 0 {
		vwap = st.sumPV / st.sumV
	} else {
		vwap = bar.Close
	}

	var sigma float64
	if st.count > 1 {
		sigma = math.Sqrt(st.m2 / float64(st.count))
	}

	var slope float64
	if len(st.slopeBuf) == e.cfg.SlopeLookback+1 && st.slopeBuf[0] != 0 {
		slope = (st.slopeBuf[len(st.slopeBuf)-1] - st.slopeBuf[0]) / math.Abs(st.slopeBuf[0])
	}

	rvol := 1.0
	if e.baseline != nil {
		if base, ok := e.baseline.Baseline(bar.Symbol, bar.Timestamp); ok && base > 0 {
			rvol = st.cumVol / base
		}
	}

	return Snapshot{
		Symbol:          bar.Symbol,
		Timestamp:       bar.Timestamp,
		LastPrice:       bar.Close,
		VWAP:            vwap,
		SigmaUpper:      vwap + e.cfg.SigmaWidth*sigma,
		SigmaLower:      vwap - e.cfg.SigmaWidth*sigma,
		EMAFast:         st.emaFast,
		EMASlow:         st.emaSlow,
		EMAFastPrev:     fastPrev,
		EMASlowPrev:     slowPrev,
		EMASlope:        slope,
		RelativeVolume:  rvol,
		HighOfDay:       st.hod,
		LowOfDay:        st.lod,
		PrevClose:       st.prevDayClose,
		CumulativeDelta: st.delta,
		ATR:             st.atr,
		Bars:            st.count,
		Cold:            st.count < e.cfg.WarmupBars,
	}
}

// rollDay resets intraday accumulators at a session boundary. EMA and ATR
// carry over; VWAP, bands, HOD/LOD, volume and delta start fresh.
func (st *symbolState) rollDay() {
	st.prevDayClose = st.prevBarClose
	st.sumPV, st.sumV = 0, 0
	st.count = 0
	st.mean, st.m2 = 0, 0
	st.hod, st.lod = 0, 0
	st.cumVol, st.delta = 0, 0
}

// emaStep folds one price into a running EMA. A zero prior value means the
// series is unseeded, so the first price becomes the seed; day rolls keep
// the prior value and the EMA carries across sessions.
func emaStep(prev, price float64, period int) float64 {
	if prev == 0 {
		return price
	}
	k := 2.0 / (float64(period) + 1.0)
	return price*k + prev*(1.0-k)
}

func trueRange(bar model.PriceBar, prevClose float64) float64 {
	tr := bar.High - bar.Low
	if prevClose > 0 {
		tr = math.Max(tr, math.Abs(bar.High-prevClose))
		tr = math.Max(tr, math.Abs(bar.Low-prevClose))
	}
	return tr
}
