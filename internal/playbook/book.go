// Package playbook runs the strategy plays: independent state machines that
// turn feature snapshots into candidate signals. Each play walks
// Idle -> Armed -> Fired -> Cooldown -> Idle; arming expires if the
// confirmation never arrives within its bar budget.
package playbook

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openrange/orbit/internal/features"
	"github.com/openrange/orbit/internal/model"
	"github.com/openrange/orbit/internal/regime"
	"github.com/openrange/orbit/internal/session"
)

// State is a play's position in its machine.
type State int

const (
	Idle State = iota
	Armed
	Fired
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// PlayState is the keyed per-(symbol, play) local state. It holds only what
// the machines need: cooldown bookkeeping, a high-watermark, the arming
// reference, and the single-shot flag.
type PlayState struct {
	State      State
	ArmedBars  int
	ArmRef     float64 // level captured at arming (VWAP, band, HOD...)
	LastSignal time.Time
	FiredToday bool
	Day        string

	HighWater float64 // breakout plays: best level seen this session

	// Opening-range tracking.
	DayStart time.Time
	ORHigh   float64
	ORLow    float64
}

// Store owns all play state, keyed by (symbol, setup). Evaluations receive
// their state explicitly; nothing strategy-local lives outside the store.
type Store struct {
	mu sync.Mutex
	m  map[storeKey]*PlayState
}

type storeKey struct {
	symbol string
	setup  string
}

// NewStore builds an empty state store.
func NewStore() *Store {
	return &Store{m: make(map[storeKey]*PlayState)}
}

// Get returns the state for a key, creating it when absent and resetting it
// on a session roll.
func (s *Store) Get(symbol, setup, day string, barTime time.Time) *PlayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey{symbol: symbol, setup: setup}
	st, ok := s.m[k]
	if !ok {
		st = &PlayState{Day: day, DayStart: barTime}
		s.m[k] = st
		return st
	}
	if st.Day != day {
		*st = PlayState{Day: day, DayStart: barTime}
	}
	return st
}

// Context carries everything one evaluation may read.
type Context struct {
	Snap    features.Snapshot
	Regime  regime.Label
	Session *session.Policy
	State   *PlayState
	Params  Params
}

// Play is one strategy. Evaluate is a pure function of the context; the only
// mutation allowed is the play's own State.
type Play interface {
	Name() string
	Evaluate(ctx *Context) *model.Signal
}

// Book is the playbook registry, built once at startup from configuration.
type Book struct {
	cfg   Config
	store *Store
	plays []Play
}

// NewBook registers every enabled play.
func NewBook(cfg Config) *Book {
	b := &Book{cfg: cfg, store: NewStore()}
	for _, p := range allPlays() {
		params, ok := cfg.Plays[p.Name()]
		if !ok || !params.Enabled {
			continue
		}
		b.plays = append(b.plays, p)
	}
	return b
}

// Plays returns the registered play names in evaluation order.
func (b *Book) Plays() []string {
	names := make([]string, 0, len(b.plays))
	for _, p := range b.plays {
		names = append(names, p.Name())
	}
	return names
}

// Evaluate runs every registered play against a snapshot and returns the
// candidate signals. Cold snapshots never produce signals. Session policy
// gates setups and applies its rvol/slope floors before any play runs.
func (b *Book) Evaluate(snap features.Snapshot, label regime.Label, pol *session.Policy) []model.Signal {
	if snap.Cold {
		return nil
	}

	day := snap.Timestamp.UTC().Format("2006-01-02")
	var out []model.Signal
	for _, p := range b.plays {
		if pol != nil {
			if !pol.AllowsSetup(p.Name()) {
				continue
			}
			if pol.RvolMin > 0 && snap.RelativeVolume < pol.RvolMin {
				continue
			}
			if pol.SlopeMin != 0 && snap.EMASlope < pol.SlopeMin {
				continue
			}
			if pol.SlopeMax != 0 && snap.EMASlope > pol.SlopeMax {
				continue
			}
		}

		params := b.cfg.Plays[p.Name()]
		st := b.store.Get(snap.Symbol, p.Name(), day, snap.Timestamp)
		b.tick(st, params, snap.Timestamp)

		if params.SingleShot && st.FiredToday {
			continue
		}

		ctx := &Context{Snap: snap, Regime: label, Session: pol, State: st, Params: params}
		sig := p.Evaluate(ctx)
		if sig == nil {
			continue
		}

		sig.ID = uuid.New().String()
		sig.Status = model.SignalGenerated
		st.State = Cooldown
		st.LastSignal = snap.Timestamp
		st.FiredToday = true
		log.Debug().
			Str("symbol", sig.Symbol).
			Str("setup", sig.Setup).
			Float64("price", sig.EntryPrice).
			Msg("signal generated")
		out = append(out, *sig)
	}
	return out
}

// tick advances time-based transitions before the play logic runs: cooldown
// expiry and armed-state expiry.
func (b *Book) tick(st *PlayState, params Params, now time.Time) {
	switch st.State {
	case Cooldown:
		cd := time.Duration(params.CooldownSec) * time.Second
		if now.Sub(st.LastSignal) >= cd {
			st.State = Idle
		}
	case Armed:
		st.ArmedBars++
		if params.ArmExpiryBars > 0 && st.ArmedBars > params.ArmExpiryBars {
			st.State = Idle
			st.ArmedBars = 0
		}
	}
}

// newSignal assembles the common signal fields, deriving stop and target
// levels from ATR so the risk gate can size without refetching features.
func newSignal(ctx *Context, setup, reason string, score float64) *model.Signal {
	snap := ctx.Snap
	entry := snap.LastPrice
	sig := &model.Signal{
		Symbol:     snap.Symbol,
		Timestamp:  snap.Timestamp,
		Setup:      setup,
		Side:       model.Buy,
		Score:      score,
		Reason:     reason,
		EntryPrice: entry,
		ATR:        snap.ATR,
	}
	if snap.ATR > 0 {
		sig.StopPrice = entry - ctx.Params.StopATR*snap.ATR
		sig.Target1 = entry + ctx.Params.Target1ATR*snap.ATR
		sig.Target2 = entry + ctx.Params.Target2ATR*snap.ATR
	}
	return sig
}
