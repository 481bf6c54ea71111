// Package engine wires the bar pipeline: features, regime, playbook, risk
// gate, execution. Bars for one symbol are processed strictly in order on a
// dedicated lane; different symbols run in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange/orbit/internal/events"
	"github.com/openrange/orbit/internal/exec"
	"github.com/openrange/orbit/internal/features"
	"github.com/openrange/orbit/internal/metrics"
	"github.com/openrange/orbit/internal/model"
	"github.com/openrange/orbit/internal/playbook"
	"github.com/openrange/orbit/internal/regime"
	"github.com/openrange/orbit/internal/risk"
	"github.com/openrange/orbit/internal/session"
)

// Config is the pipeline wiring.
type Config struct {
	// Symbols the engine expects bars for. Unknown symbols still get a
	// lane on first sight.
	Symbols []string `yaml:"symbols"`
	// ExecutionMap routes a trigger symbol's signals to a tradable proxy
	// (e.g. signal on the index, trade the ETF).
	ExecutionMap map[string]string `yaml:"execution_map"`
	// ReconcileInterval is the cadence of the broker reconciliation loop.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// LaneBuffer is the per-symbol bar queue depth.
	LaneBuffer int `yaml:"lane_buffer"`
}

// DefaultConfig returns the wiring used in paper trading.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 30 * time.Second,
		LaneBuffer:        256,
	}
}

// Engine is the top-level pipeline.
type Engine struct {
	cfg        Config
	features   *features.Engine
	classifier *regime.Classifier
	book       *playbook.Book
	gate       *risk.Gate
	manager    *exec.Manager
	sessions   *session.Config
	sink       events.Sink
	log        zerolog.Logger

	mu          sync.Mutex
	lanes       map[string]chan model.PriceBar
	tradeCounts map[string]int       // session+day -> executed entries
	days        map[string]*dayStats // per-symbol session-day tracking
	ctx         context.Context
	wg          sync.WaitGroup
	started     bool
}

// New assembles an engine from its stages.
func New(cfg Config, feat *features.Engine, classifier *regime.Classifier, book *playbook.Book,
	gate *risk.Gate, manager *exec.Manager, sessions *session.Config, sink events.Sink, log zerolog.Logger) *Engine {
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 256
	}
	return &Engine{
		cfg:         cfg,
		features:    feat,
		classifier:  classifier,
		book:        book,
		gate:        gate,
		manager:     manager,
		sessions:    sessions,
		sink:        sink,
		log:         log.With().Str("component", "engine").Logger(),
		lanes:       make(map[string]chan model.PriceBar),
		tradeCounts: make(map[string]int),
		days:        make(map[string]*dayStats),
	}
}

// dayStats accumulates one symbol's session-day extremes so the regime
// classifier can be re-anchored from prior-session evidence at day roll.
type dayStats struct {
	day    string
	high   float64
	low    float64
	atr    float64
	ranges []float64 // realized ranges of completed days, newest last
}

// Run starts the lanes and the reconciliation loop and blocks until ctx is
// canceled, then drains the lanes.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.started = true
	e.ctx = ctx
	for _, symbol := range e.cfg.Symbols {
		e.laneLocked(symbol)
	}
	e.mu.Unlock()

	if err := e.manager.Reconcile(ctx); err != nil {
		e.log.Warn().Err(err).Msg("initial reconcile failed")
	}
	e.updateGauges()

	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case <-ticker.C:
			if err := e.manager.Reconcile(ctx); err != nil {
				e.log.Warn().Err(err).Msg("reconcile failed")
			}
			e.updateGauges()
		}
	}
}

// Submit queues a bar for its symbol's lane. It drops the bar with a log
// when the lane is saturated rather than blocking the feed.
func (e *Engine) Submit(bar model.PriceBar) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	lane := e.laneLocked(bar.Symbol)
	e.mu.Unlock()

	select {
	case lane <- bar:
	default:
		e.log.Warn().Str("symbol", bar.Symbol).Time("ts", bar.Timestamp).Msg("lane full, bar dropped")
	}
}

// Process runs one bar through the pipeline synchronously. Replay uses
// this directly to stay deterministic; live feeds go through Submit.
func (e *Engine) Process(ctx context.Context, bar model.PriceBar) {
	metrics.Bars.WithLabelValues(bar.Symbol).Inc()

	snap, err := e.features.Update(bar)
	if err != nil {
		var stale *features.StaleBarError
		if errors.As(err, &stale) {
			e.log.Debug().Str("symbol", bar.Symbol).Time("ts", bar.Timestamp).Msg("stale bar dropped")
			return
		}
		e.log.Error().Err(err).Str("symbol", bar.Symbol).Msg("feature update failed")
		return
	}

	e.observeDay(bar.Symbol, snap)
	e.classifier.Refresh(bar.Symbol, snap)
	label := e.classifier.Current(bar.Symbol)
	pol := e.sessions.Current(bar.Timestamp)

	for _, sig := range e.book.Evaluate(snap, label, pol) {
		e.handleSignal(ctx, sig, bar, pol)
	}
	e.manager.OnBar(ctx, bar, snap)
	e.updateGauges()
}

func (e *Engine) handleSignal(ctx context.Context, sig model.Signal, bar model.PriceBar, pol *session.Policy) {
	gen := events.New(events.SignalGenerated)
	gen.Symbol = sig.Symbol
	gen.Setup = sig.Setup
	gen.SignalID = sig.ID
	gen.Price = sig.EntryPrice
	e.emit(ctx, gen)

	if proxy, ok := e.cfg.ExecutionMap[sig.Symbol]; ok {
		sig.SourceSymbol = sig.Symbol
		sig.Symbol = proxy
	}

	if pol != nil && pol.MaxTrades > 0 && e.tradesThisSession(bar.Timestamp, pol.Name) >= pol.MaxTrades {
		e.blockSignal(ctx, sig, "session_max_trades")
		return
	}

	dec := e.gate.Evaluate(sig, false)
	if !dec.Approved {
		e.blockSignal(ctx, sig, string(dec.Reason))
		return
	}

	sig.Status = model.SignalApproved
	metrics.Signals.WithLabelValues(sig.Setup, "approved").Inc()
	approved := events.New(events.SignalApproved)
	approved.Symbol = sig.Symbol
	approved.Setup = sig.Setup
	approved.SignalID = sig.ID
	approved.Quantity = dec.Quantity
	approved.Price = dec.StopPrice
	e.emit(ctx, approved)

	plan := exec.Plan{Signal: sig, Decision: dec, Bar: bar}
	if pol != nil && pol.TimeStopSec > 0 {
		plan.TimeStop = time.Duration(pol.TimeStopSec) * time.Second
	}
	if err := e.manager.Execute(ctx, plan); err != nil {
		e.log.Error().Err(err).Str("signal_id", sig.ID).Msg("execution failed")
		return
	}
	if pol != nil {
		e.countTrade(bar.Timestamp, pol.Name)
	}
}

// observeDay folds the bar's snapshot into the symbol's session-day record.
// When the day rolls, the completed day becomes the prior-session input for
// the opening regime classification.
func (e *Engine) observeDay(symbol string, snap features.Snapshot) {
	day := snap.Timestamp.UTC().Format("2006-01-02")

	e.mu.Lock()
	st, ok := e.days[symbol]
	if !ok {
		e.days[symbol] = &dayStats{day: day, high: snap.HighOfDay, low: snap.LowOfDay, atr: snap.ATR}
		e.mu.Unlock()
		return
	}
	if st.day == day {
		st.high, st.low, st.atr = snap.HighOfDay, snap.LowOfDay, snap.ATR
		e.mu.Unlock()
		return
	}

	var prior *regime.PriorStats
	if st.atr > 0 && st.high > st.low {
		rng := st.high - st.low
		// Without a trailing norm the compression evidence is neutral.
		compression := 0.5
		if avg := meanOf(st.ranges); avg > 0 {
			compression = rng / avg
		}
		prior = &regime.PriorStats{RealizedRange: rng, ATR: st.atr, Compression: compression}
		st.ranges = append(st.ranges, rng)
		if len(st.ranges) > 5 {
			st.ranges = st.ranges[1:]
		}
	}
	st.day = day
	st.high, st.low, st.atr = snap.HighOfDay, snap.LowOfDay, snap.ATR
	e.mu.Unlock()

	label := e.classifier.Open(symbol, snap.Timestamp, prior)
	e.log.Info().Str("symbol", symbol).Str("day", day).
		Float64("score", label.Score).Stringer("regime", label.Classification).
		Msg("opening regime classification")
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func (e *Engine) blockSignal(ctx context.Context, sig model.Signal, reason string) {
	metrics.Signals.WithLabelValues(sig.Setup, "blocked").Inc()
	metrics.Blocks.WithLabelValues(reason).Inc()
	ev := events.New(events.SignalBlocked)
	ev.Symbol = sig.Symbol
	ev.Setup = sig.Setup
	ev.SignalID = sig.ID
	ev.Reason = reason
	e.emit(ctx, ev)
}

func (e *Engine) tradesThisSession(moment time.Time, name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradeCounts[e.sessionKey(moment, name)]
}

func (e *Engine) countTrade(moment time.Time, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tradeCounts[e.sessionKey(moment, name)]++
}

func (e *Engine) sessionKey(moment time.Time, name string) string {
	return fmt.Sprintf("%s/%s", moment.In(e.sessions.Location()).Format("2006-01-02"), name)
}

func (e *Engine) updateGauges() {
	metrics.OpenPositions.Set(float64(e.manager.OpenPositions()))
	metrics.ReservedExposure.Set(e.gate.Ledger().Reserved())
	metrics.Cash.Set(e.manager.Cash())
}

// laneLocked returns the symbol's lane, spawning it if needed. Caller
// holds e.mu.
func (e *Engine) laneLocked(symbol string) chan model.PriceBar {
	if lane, ok := e.lanes[symbol]; ok {
		return lane
	}
	lane := make(chan model.PriceBar, e.cfg.LaneBuffer)
	e.lanes[symbol] = lane
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for bar := range lane {
			e.Process(e.ctx, bar)
		}
	}()
	return lane
}

func (e *Engine) drain() {
	e.mu.Lock()
	for _, lane := range e.lanes {
		close(lane)
	}
	e.lanes = make(map[string]chan model.PriceBar)
	e.started = false
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("event", string(ev.Type)).Msg("event emit failed")
	}
}
