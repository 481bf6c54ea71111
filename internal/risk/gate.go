// Package risk validates candidate signals and sizes approved ones. Checks
// run in a fixed order and the first failure becomes the block reason, so
// identical inputs always produce identical diagnostics.
package risk

import (
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrange/orbit/internal/model"
	"github.com/openrange/orbit/internal/session"
)

// Config holds the gate's guardrails.
type Config struct {
	// Global trading window, used when no session policy window applies.
	WindowStart string `yaml:"window_start"` // HH:MM market-local, default 09:31
	WindowEnd   string `yaml:"window_end"`   // HH:MM market-local, default 15:55

	Allow []string `yaml:"allow"` // exclusive allow list when non-empty
	Deny  []string `yaml:"deny"`

	MaxConcurrent int `yaml:"max_concurrent"`  // open positions, default 3
	MaxOpenOrders int `yaml:"max_open_orders"` // default 5
	MaxPerSymbol  int `yaml:"max_per_symbol"`  // default 1

	MinCash float64 `yaml:"min_cash"` // floor, 0 disables

	RiskPerTrade float64            `yaml:"risk_per_trade"` // dollars at risk per trade
	PerSetupRisk map[string]float64 `yaml:"per_setup_risk"` // overrides by setup name
	StopATRMult  float64            `yaml:"stop_atr_mult"`  // stop distance in ATRs

	NotionalCap    float64            `yaml:"notional_cap"`     // per-order, 0 disables
	SymbolNotional map[string]float64 `yaml:"symbol_notional"`  // per-symbol overrides
	ExposureCap    float64            `yaml:"exposure_cap"`     // account-level, non-overridable
	OptionsGate    OptionsGateConfig  `yaml:"options_gate"`
}

// OptionsGateConfig gates entries on options-flow health.
type OptionsGateConfig struct {
	Enabled   bool    `yaml:"enabled"`
	MinVolume float64 `yaml:"min_volume"` // either call or put volume must reach this
	MaxIV     float64 `yaml:"max_iv"`     // call IV ceiling, 0 disables
}

// DefaultConfig returns production guardrails.
func DefaultConfig() Config {
	return Config{
		WindowStart:   "09:31",
		WindowEnd:     "15:55",
		MaxConcurrent: 3,
		MaxOpenOrders: 5,
		MaxPerSymbol:  1,
		RiskPerTrade:  200,
		StopATRMult:   1.2,
		ExposureCap:   1000,
	}
}

// PortfolioView is the gate's read-only view of account state, supplied by
// the execution manager.
type PortfolioView interface {
	OpenPositions() int
	OpenOrders() int
	PositionsFor(symbol string) int
	Cash() float64
}

// OptionsFlow is a symbol's current options activity.
type OptionsFlow struct {
	CallVolume float64
	PutVolume  float64
	CallIV     float64
}

// OptionsFlowProvider supplies options flow; absence of data passes the
// gate rather than blocking it.
type OptionsFlowProvider interface {
	Flow(symbol string) (OptionsFlow, bool)
}

// Gate evaluates signals. One decision per signal, decided before any
// order exists.
type Gate struct {
	cfg       Config
	sessions  *session.Config
	portfolio PortfolioView
	options   OptionsFlowProvider
	ledger    *Ledger
}

// NewGate builds a gate. sessions and options may be nil.
func NewGate(cfg Config, sessions *session.Config, portfolio PortfolioView, options OptionsFlowProvider) *Gate {
	return &Gate{
		cfg:       cfg,
		sessions:  sessions,
		portfolio: portfolio,
		options:   options,
		ledger:    NewLedger(cfg.ExposureCap),
	}
}

// Ledger exposes the exposure ledger so the execution manager can release
// reservations when positions close or entries cancel.
func (g *Gate) Ledger() *Ledger { return g.ledger }

// SetPortfolio binds the portfolio view after construction. The gate and
// the execution manager reference each other, so wiring sets the view once
// both exist, before any Evaluate call.
func (g *Gate) SetPortfolio(v PortfolioView) { g.portfolio = v }

// Evaluate runs the ordered checks and sizes the trade. force bypasses
// checks 1-5 but never the zero-size rejection or the exposure cap.
// Sizing fields are attached even to blocked decisions for preview use.
func (g *Gate) Evaluate(sig model.Signal, force bool) model.RiskDecision {
	dec := model.RiskDecision{
		SignalID:  sig.ID,
		DecidedAt: sig.Timestamp,
		Forced:    force,
	}

	blocked := func(reason model.BlockReason) model.RiskDecision {
		dec.Reason = reason
		g.size(sig, &dec)
		log.Debug().
			Str("symbol", sig.Symbol).
			Str("setup", sig.Setup).
			Str("reason", string(reason)).
			Msg("signal blocked")
		return dec
	}

	if !force {
		// 1. Trading window.
		if !g.inWindow(sig.Timestamp) {
			return blocked(model.BlockOutsideWindow)
		}
		// 2. Symbol allow/deny.
		if !g.symbolAllowed(sig.Symbol) {
			return blocked(model.BlockSymbolDenied)
		}
		// 3. Concurrency.
		if g.portfolio != nil {
			if g.cfg.MaxConcurrent > 0 && g.portfolio.OpenPositions() >= g.cfg.MaxConcurrent {
				return blocked(model.BlockMaxPositions)
			}
			if g.cfg.MaxOpenOrders > 0 && g.portfolio.OpenOrders() >= g.cfg.MaxOpenOrders {
				return blocked(model.BlockMaxOrders)
			}
			if g.cfg.MaxPerSymbol > 0 && g.portfolio.PositionsFor(sig.Symbol) >= g.cfg.MaxPerSymbol {
				return blocked(model.BlockSymbolCap)
			}
			// 4. Cash floor.
			if g.cfg.MinCash > 0 && g.portfolio.Cash() < g.cfg.MinCash {
				return blocked(model.BlockCashFloor)
			}
		}
		// 5. Options-flow gate.
		if !g.optionsAllowed(sig.Symbol) {
			return blocked(model.BlockOptionsFlow)
		}
	}

	// Sizing. Zero size is a rejection even under force.
	if !g.size(sig, &dec) {
		dec.Reason = model.BlockZeroSize
		return dec
	}

	// Per-order notional cap.
	if !force {
		cap := g.cfg.NotionalCap
		if sym, ok := g.cfg.SymbolNotional[sig.Symbol]; ok {
			cap = sym
		}
		if cap > 0 && sig.EntryPrice*float64(dec.Quantity) > cap {
			dec.Reason = model.BlockNotionalCap
			return dec
		}
	}

	// Exposure reservation: atomic against the account cap, and the one
	// step force can never skip.
	if !g.ledger.Reserve(sig.ID, dec.MaxLoss) {
		dec.Reason = model.BlockExposureCap
		return dec
	}

	dec.Approved = true
	log.Info().
		Str("symbol", sig.Symbol).
		Str("setup", sig.Setup).
		Int("qty", dec.Quantity).
		Float64("max_loss", dec.MaxLoss).
		Bool("forced", force).
		Msg("signal approved")
	return dec
}

// size fills the sizing fields and reports whether a tradable quantity
// exists.
func (g *Gate) size(sig model.Signal, dec *model.RiskDecision) bool {
	stopDistance := 0.0
	if sig.ATR > 0 && g.cfg.StopATRMult > 0 {
		stopDistance = sig.ATR * g.cfg.StopATRMult
	} else if sig.StopPrice > 0 && sig.EntryPrice > sig.StopPrice {
		stopDistance = sig.EntryPrice - sig.StopPrice
	}
	dec.StopDistance = stopDistance
	if stopDistance <= 0 {
		return false
	}

	riskPerTrade := g.cfg.RiskPerTrade
	if override, ok := g.cfg.PerSetupRisk[strings.ToUpper(sig.Setup)]; ok {
		riskPerTrade = override
	}

	qty := int(math.Floor(riskPerTrade / stopDistance))
	dec.Quantity = qty
	dec.StopPrice = sig.EntryPrice - stopDistance
	dec.Target1 = sig.Target1
	dec.Target2 = sig.Target2
	dec.MaxLoss = stopDistance * float64(qty)
	return qty > 0
}

func (g *Gate) inWindow(at time.Time) bool {
	if g.sessions != nil {
		if g.sessions.Current(at) != nil {
			return true
		}
		// Fall through to the global window in the market timezone.
		return clockWindowContains(g.cfg.WindowStart, g.cfg.WindowEnd, at, g.sessions.Location())
	}
	return clockWindowContains(g.cfg.WindowStart, g.cfg.WindowEnd, at, time.UTC)
}

func clockWindowContains(startStr, endStr string, at time.Time, loc *time.Location) bool {
	start, err := session.ParseClockTime(startStr)
	if err != nil {
		return false
	}
	end, err := session.ParseClockTime(endStr)
	if err != nil {
		return false
	}
	local := at.In(loc)
	now := local.Hour()*60 + local.Minute()
	return start.Minutes() <= now && now <= end.Minutes()
}

func (g *Gate) symbolAllowed(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, d := range g.cfg.Deny {
		if strings.EqualFold(d, symbol) {
			return false
		}
	}
	if len(g.cfg.Allow) > 0 {
		for _, a := range g.cfg.Allow {
			if strings.EqualFold(a, symbol) {
				return true
			}
		}
		return false
	}
	return true
}

func (g *Gate) optionsAllowed(symbol string) bool {
	if !g.cfg.OptionsGate.Enabled || g.options == nil {
		return true
	}
	flow, ok := g.options.Flow(symbol)
	if !ok {
		// Missing data passes: the gate blocks on bad flow, not on no flow.
		return true
	}
	if flow.CallVolume < g.cfg.OptionsGate.MinVolume && flow.PutVolume < g.cfg.OptionsGate.MinVolume {
		return false
	}
	if g.cfg.OptionsGate.MaxIV > 0 && flow.CallIV > g.cfg.OptionsGate.MaxIV {
		return false
	}
	return true
}
