package exec

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openrange/orbit/internal/broker"
	"github.com/openrange/orbit/internal/events"
	"github.com/openrange/orbit/internal/features"
	"github.com/openrange/orbit/internal/model"
	"github.com/openrange/orbit/internal/risk"
)

// Exit reasons recorded on position close events.
const (
	ExitStop     = "stop_loss"
	ExitTarget1  = "target1_partial"
	ExitTarget2  = "target2"
	ExitTrailing = "trailing_stop"
	ExitTimeout  = "time_stop"
	ExitEMACross = "ema_cross_down"
	ExitDrift    = "reconcile"
)

// Plan is an approved trade handed to the manager.
type Plan struct {
	Signal   model.Signal
	Decision model.RiskDecision
	// Bar is the bar the approval was made on; its quote decides the
	// entry tactic and its timestamp anchors staleness checks.
	Bar model.PriceBar
	// TimeStop overrides the configured time stop when positive.
	TimeStop time.Duration
}

type pendingEntry struct {
	plan        Plan
	orderID     string
	positionID  string
	barsWaited  int
	fellBack    bool
	submittedAt time.Time
}

type pendingExit struct {
	positionID string
	reason     string
	full       bool
	breakeven  bool
}

type managed struct {
	pos        *model.Position
	timeStop   time.Duration
	trailArmed bool
	bracket    bool
}

// Manager owns the order and position lifecycle. All state transitions are
// driven by confirmed broker responses; the manager never assumes a fill.
// It implements risk.PortfolioView so the gate sees live account state.
type Manager struct {
	mu     sync.Mutex
	broker broker.Broker
	ledger *risk.Ledger
	sink   events.Sink
	log    zerolog.Logger
	cfg    Config

	positions map[string]*managed     // position id -> state
	entries   map[string]*pendingEntry // entry order id -> state
	exits     map[string]*pendingExit  // exit order id -> state
	cash      float64
}

// NewManager builds an execution manager.
func NewManager(cfg Config, b broker.Broker, ledger *risk.Ledger, sink events.Sink, log zerolog.Logger) *Manager {
	return &Manager{
		broker:    b,
		ledger:    ledger,
		sink:      sink,
		log:       log.With().Str("component", "exec").Logger(),
		cfg:       cfg,
		positions: make(map[string]*managed),
		entries:   make(map[string]*pendingEntry),
		exits:     make(map[string]*pendingExit),
	}
}

// Execute submits the entry order for an approved plan and registers a
// pending position. The position opens only once the fill is confirmed.
func (m *Manager) Execute(ctx context.Context, plan Plan) error {
	// The submit happens before taking the lock so a slow broker call
	// cannot stall portfolio reads for other symbols. The idempotency key
	// keeps a re-submitted entry from doubling.
	req := m.entryOrder(plan)
	order, err := m.broker.Submit(ctx, req)
	if err != nil {
		m.ledger.Release(plan.Signal.ID)
		ev := events.New(events.OrderRejected)
		ev.Symbol = req.Symbol
		ev.Setup = plan.Signal.Setup
		ev.SignalID = plan.Signal.ID
		ev.Reason = err.Error()
		m.emit(ctx, ev)
		return fmt.Errorf("submit entry for %s: %w", plan.Signal.ID, err)
	}

	m.mu.Lock()
	pos := &model.Position{
		ID:           uuid.New().String(),
		Symbol:       req.Symbol,
		SourceSymbol: plan.Signal.SourceSymbol,
		Setup:        plan.Signal.Setup,
		SignalID:     plan.Signal.ID,
		EntryOrderID: order.ID,
		Quantity:     plan.Decision.Quantity,
		StopPrice:    plan.Decision.StopPrice,
		Target1:      plan.Decision.Target1,
		Target2:      plan.Decision.Target2,
		MaxLoss:      plan.Decision.MaxLoss,
		Status:       model.PositionPending,
	}
	timeStop := m.cfg.TimeStop
	if plan.TimeStop > 0 {
		timeStop = plan.TimeStop
	}
	m.positions[pos.ID] = &managed{pos: pos, timeStop: timeStop, bracket: m.cfg.UseBracket}
	m.entries[order.ID] = &pendingEntry{
		plan:        plan,
		orderID:     order.ID,
		positionID:  pos.ID,
		submittedAt: plan.Bar.Timestamp,
	}
	m.mu.Unlock()

	ev := events.New(events.OrderSubmitted)
	ev.Symbol = req.Symbol
	ev.Setup = plan.Signal.Setup
	ev.SignalID = plan.Signal.ID
	ev.PositionID = pos.ID
	ev.OrderID = order.ID
	ev.Quantity = req.Quantity
	m.emit(ctx, ev)
	return nil
}

// entryOrder picks the entry tactic: peg a limit just under the midpoint
// when the market is tight, otherwise cross with a market order.
func (m *Manager) entryOrder(plan Plan) model.OrderRequest {
	req := model.OrderRequest{
		Symbol:         plan.Signal.Symbol,
		Side:           model.Buy,
		Type:           model.Market,
		Quantity:       plan.Decision.Quantity,
		IdempotencyKey: plan.Signal.ID + "-entry",
	}
	spread := plan.Bar.Spread()
	if m.cfg.EntrySpreadBps > 0 && spread > 0 && spread <= m.cfg.EntrySpreadBps {
		mid := (plan.Bar.Bid + plan.Bar.Ask) / 2
		req.Type = model.Limit
		req.LimitPrice = mid * (1 - m.cfg.LimitOffsetBps/10000)
	}
	if m.cfg.UseBracket {
		req.Bracket = true
		req.StopPrice = plan.Decision.StopPrice
		req.TakeProfit = plan.Decision.Target2
	}
	return req
}

// OnBar advances all order and position state for the bar's symbol:
// confirms entry fills, applies exit fills, then runs the exit passes in
// precedence order.
func (m *Manager) OnBar(ctx context.Context, bar model.PriceBar, snap features.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pollEntries(ctx, bar)
	m.pollExits(ctx, bar)
	m.exitPass(ctx, bar, snap)
}

func (m *Manager) pollEntries(ctx context.Context, bar model.PriceBar) {
	for orderID, entry := range m.entries {
		mg := m.positions[entry.positionID]
		if mg == nil || mg.pos.Symbol != bar.Symbol {
			continue
		}
		order, err := m.broker.Status(ctx, orderID)
		if err != nil {
			m.log.Warn().Err(err).Str("order_id", orderID).Msg("entry status poll failed")
			continue
		}
		switch {
		case order.Status == model.OrderFilled:
			m.openPosition(ctx, mg, order, bar)
			delete(m.entries, orderID)
		case order.Status.Terminal():
			m.settleDeadEntry(ctx, mg, entry, order, bar, string(order.Status))
			delete(m.entries, orderID)
		case bar.Timestamp.Sub(entry.submittedAt) >= m.cfg.StaleEntry:
			if err := m.broker.Cancel(ctx, orderID); err != nil {
				m.log.Warn().Err(err).Str("order_id", orderID).Msg("stale entry cancel failed")
				continue
			}
			// Re-read after the cancel: a fill may have landed in between.
			if final, err := m.broker.Status(ctx, orderID); err == nil {
				order = final
			}
			m.settleDeadEntry(ctx, mg, entry, order, bar, "stale_entry")
			delete(m.entries, orderID)
		case order.Type == model.Limit && !entry.fellBack:
			entry.barsWaited++
			if entry.barsWaited >= m.cfg.LimitWaitBars {
				m.fallBackToMarket(ctx, entry, orderID)
			}
		}
	}
}

// fallBackToMarket cancels a resting limit entry and re-enters at market.
func (m *Manager) fallBackToMarket(ctx context.Context, entry *pendingEntry, orderID string) {
	if err := m.broker.Cancel(ctx, orderID); err != nil {
		m.log.Warn().Err(err).Str("order_id", orderID).Msg("limit entry cancel failed")
		return
	}
	req := model.OrderRequest{
		Symbol:         entry.plan.Signal.Symbol,
		Side:           model.Buy,
		Type:           model.Market,
		Quantity:       entry.plan.Decision.Quantity,
		IdempotencyKey: entry.plan.Signal.ID + "-entry-fallback",
	}
	if m.cfg.UseBracket {
		req.Bracket = true
		req.StopPrice = entry.plan.Decision.StopPrice
		req.TakeProfit = entry.plan.Decision.Target2
	}
	order, err := m.broker.Submit(ctx, req)
	if err != nil {
		m.log.Error().Err(err).Str("signal_id", entry.plan.Signal.ID).Msg("market fallback submit failed")
		return
	}
	mg := m.positions[entry.positionID]
	mg.pos.EntryOrderID = order.ID
	entry.fellBack = true
	delete(m.entries, orderID)
	m.entries[order.ID] = entry
	entry.orderID = order.ID

	ev := events.New(events.OrderSubmitted)
	ev.Symbol = req.Symbol
	ev.SignalID = entry.plan.Signal.ID
	ev.PositionID = entry.positionID
	ev.OrderID = order.ID
	ev.Reason = "limit_timeout_fallback"
	ev.Quantity = req.Quantity
	m.emit(ctx, ev)
}

func (m *Manager) openPosition(ctx context.Context, mg *managed, order model.Order, bar model.PriceBar) {
	pos := mg.pos
	pos.Status = model.PositionOpen
	pos.OpenQuantity = order.FilledQty
	pos.Quantity = order.FilledQty
	pos.AvgEntryPrice = order.AvgFillPrice
	pos.HighWater = order.AvgFillPrice
	pos.OpenedAt = bar.Timestamp

	fill := events.New(events.OrderFilled)
	fill.Symbol = pos.Symbol
	fill.SignalID = pos.SignalID
	fill.PositionID = pos.ID
	fill.OrderID = order.ID
	fill.Quantity = order.FilledQty
	fill.Price = order.AvgFillPrice
	m.emit(ctx, fill)

	opened := events.New(events.PositionOpened)
	opened.Symbol = pos.Symbol
	opened.Setup = pos.Setup
	opened.SignalID = pos.SignalID
	opened.PositionID = pos.ID
	opened.Quantity = pos.OpenQuantity
	opened.Price = pos.AvgEntryPrice
	m.emit(ctx, opened)
}

// settleDeadEntry handles an entry order that will fill no further. Shares
// already filled are real holdings, so the position opens at the filled
// quantity and runs the normal exit passes; only an unfilled entry is
// abandoned.
func (m *Manager) settleDeadEntry(ctx context.Context, mg *managed, entry *pendingEntry,
	order model.Order, bar model.PriceBar, reason string) {
	if order.FilledQty > 0 {
		m.log.Warn().Str("order_id", order.ID).Str("position_id", mg.pos.ID).
			Int("filled", order.FilledQty).Int("requested", mg.pos.Quantity).
			Str("reason", reason).Msg("entry died partially filled, opening at filled quantity")
		m.openPosition(ctx, mg, order, bar)
		return
	}
	m.abandonEntry(ctx, mg, entry, reason)
}

// abandonEntry drops a position that never opened and frees its exposure.
func (m *Manager) abandonEntry(ctx context.Context, mg *managed, entry *pendingEntry, reason string) {
	m.ledger.Release(mg.pos.SignalID)
	delete(m.positions, mg.pos.ID)

	ev := events.New(events.OrderCanceled)
	ev.Symbol = mg.pos.Symbol
	ev.SignalID = mg.pos.SignalID
	ev.PositionID = mg.pos.ID
	ev.OrderID = entry.orderID
	ev.Reason = reason
	m.emit(ctx, ev)

	if reason == "stale_entry" {
		exp := events.New(events.SignalExpired)
		exp.Symbol = mg.pos.Symbol
		exp.SignalID = mg.pos.SignalID
		exp.Setup = entry.plan.Signal.Setup
		m.emit(ctx, exp)
	}
}

func (m *Manager) pollExits(ctx context.Context, bar model.PriceBar) {
	for orderID, exit := range m.exits {
		mg := m.positions[exit.positionID]
		if mg == nil || mg.pos.Symbol != bar.Symbol {
			continue
		}
		order, err := m.broker.Status(ctx, orderID)
		if err != nil {
			m.log.Warn().Err(err).Str("order_id", orderID).Msg("exit status poll failed")
			continue
		}
		if !order.Status.Terminal() {
			continue
		}
		delete(m.exits, orderID)
		if order.Status != model.OrderFilled {
			m.log.Warn().
				Str("order_id", orderID).
				Str("status", string(order.Status)).
				Msg("exit order did not fill, position still exposed")
			continue
		}
		m.applyExitFill(ctx, mg, exit, order)
	}
}

func (m *Manager) applyExitFill(ctx context.Context, mg *managed, exit *pendingExit, order model.Order) {
	pos := mg.pos
	pos.OpenQuantity -= order.FilledQty
	if pos.OpenQuantity <= 0 || exit.full {
		pos.OpenQuantity = 0
		pos.Status = model.PositionClosed
		m.ledger.Release(pos.SignalID)

		ev := events.New(events.PositionClosed)
		ev.Symbol = pos.Symbol
		ev.Setup = pos.Setup
		ev.SignalID = pos.SignalID
		ev.PositionID = pos.ID
		ev.Reason = exit.reason
		ev.Quantity = order.FilledQty
		ev.Price = order.AvgFillPrice
		m.emit(ctx, ev)
		return
	}

	pos.Status = model.PositionPartial
	pos.PartialExited = true
	ev := events.New(events.PositionPartialExit)
	ev.Symbol = pos.Symbol
	ev.Setup = pos.Setup
	ev.SignalID = pos.SignalID
	ev.PositionID = pos.ID
	ev.Reason = exit.reason
	ev.Quantity = order.FilledQty
	ev.Price = order.AvgFillPrice
	m.emit(ctx, ev)

	// Stop ratchets to breakeven after the first target, never wider.
	if exit.breakeven && pos.AvgEntryPrice > pos.StopPrice {
		pos.StopPrice = pos.AvgEntryPrice
		moved := events.New(events.PositionStopMoved)
		moved.Symbol = pos.Symbol
		moved.PositionID = pos.ID
		moved.Reason = "breakeven"
		moved.Price = pos.StopPrice
		m.emit(ctx, moved)
	}
}

// exitPass evaluates the exit rules for every live position on this
// symbol. Rules are checked in precedence order and at most one fires per
// position per bar.
func (m *Manager) exitPass(ctx context.Context, bar model.PriceBar, snap features.Snapshot) {
	price := bar.Close
	for _, mg := range m.positions {
		pos := mg.pos
		if pos.Symbol != bar.Symbol || !positionLive(pos.Status) || m.hasPendingExit(pos.ID) {
			continue
		}
		if price > pos.HighWater {
			pos.HighWater = price
		}
		if mg.bracket {
			m.checkBracketExit(ctx, mg, price)
			continue
		}
		// A zero activation threshold means the trail is armed from entry.
		if !mg.trailArmed && (m.cfg.TrailActivation <= 0 ||
			pos.HighWater >= pos.AvgEntryPrice*(1+m.cfg.TrailActivation)) {
			mg.trailArmed = true
		}

		switch {
		case pos.StopPrice > 0 && price <= pos.StopPrice:
			m.submitExit(ctx, mg, pos.OpenQuantity, ExitStop, true, false)
		case pos.Target2 > 0 && price >= pos.Target2:
			m.submitExit(ctx, mg, pos.OpenQuantity, ExitTarget2, true, false)
		case !pos.PartialExited && pos.Target1 > 0 && price >= pos.Target1:
			qty := partialQuantity(pos.Quantity, pos.OpenQuantity, m.cfg.PartialExitPct)
			m.submitExit(ctx, mg, qty, ExitTarget1, qty >= pos.OpenQuantity, true)
		case mg.trailArmed && m.cfg.TrailPct > 0 && price <= pos.HighWater*(1-m.cfg.TrailPct):
			m.submitExit(ctx, mg, pos.OpenQuantity, ExitTrailing, true, false)
		case mg.timeStop > 0 && bar.Timestamp.Sub(pos.OpenedAt) >= mg.timeStop:
			m.submitExit(ctx, mg, pos.OpenQuantity, ExitTimeout, true, false)
		case m.cfg.EMAExit && emaCrossedDown(snap):
			m.submitExit(ctx, mg, pos.OpenQuantity, ExitEMACross, true, false)
		}
	}
}

// checkBracketExit detects venue-side OTOCO exits: once price trades
// through a leg, the broker's position is the truth.
func (m *Manager) checkBracketExit(ctx context.Context, mg *managed, price float64) {
	pos := mg.pos
	reason := ""
	switch {
	case pos.StopPrice > 0 && price <= pos.StopPrice:
		reason = ExitStop
	case pos.Target2 > 0 && price >= pos.Target2:
		reason = ExitTarget2
	default:
		return
	}
	holdings, err := m.broker.Positions(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("bracket exit position check failed")
		return
	}
	for _, h := range holdings {
		if h.Symbol == pos.Symbol && h.Quantity > 0 {
			return // leg has not filled yet
		}
	}
	pos.OpenQuantity = 0
	pos.Status = model.PositionClosed
	m.ledger.Release(pos.SignalID)

	ev := events.New(events.PositionClosed)
	ev.Symbol = pos.Symbol
	ev.Setup = pos.Setup
	ev.SignalID = pos.SignalID
	ev.PositionID = pos.ID
	ev.Reason = reason
	ev.Quantity = pos.Quantity
	ev.Price = price
	m.emit(ctx, ev)
}

func (m *Manager) submitExit(ctx context.Context, mg *managed, qty int, reason string, full, breakeven bool) {
	pos := mg.pos
	if qty <= 0 {
		return
	}
	req := model.OrderRequest{
		Symbol:         pos.Symbol,
		Side:           model.Sell,
		Type:           model.Market,
		Quantity:       qty,
		IdempotencyKey: pos.ID + "-exit-" + reason,
	}
	order, err := m.broker.Submit(ctx, req)
	if err != nil {
		m.log.Error().Err(err).Str("position_id", pos.ID).Str("reason", reason).Msg("exit submit failed")
		return
	}
	m.exits[order.ID] = &pendingExit{positionID: pos.ID, reason: reason, full: full, breakeven: breakeven}

	ev := events.New(events.OrderSubmitted)
	ev.Symbol = pos.Symbol
	ev.PositionID = pos.ID
	ev.OrderID = order.ID
	ev.Reason = reason
	ev.Quantity = qty
	m.emit(ctx, ev)
}

func (m *Manager) hasPendingExit(positionID string) bool {
	for _, exit := range m.exits {
		if exit.positionID == positionID {
			return true
		}
	}
	return false
}

// Reconcile diffs local position state against the broker and trusts the
// broker on any mismatch. Also refreshes the cached cash balance the risk
// gate reads.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.broker.Balances(ctx)
	if err != nil {
		return fmt.Errorf("reconcile balances: %w", err)
	}
	m.cash = snap.Cash

	holdings, err := m.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}
	brokerQty := make(map[string]float64, len(holdings))
	for _, h := range holdings {
		brokerQty[h.Symbol] += h.Quantity
	}

	localQty := make(map[string]int)
	for _, mg := range m.positions {
		if positionLive(mg.pos.Status) {
			localQty[mg.pos.Symbol] += mg.pos.OpenQuantity
		}
	}

	for symbol, local := range localQty {
		remote := brokerQty[symbol]
		if float64(local) == remote {
			continue
		}
		ev := events.New(events.StateDrift)
		ev.Symbol = symbol
		ev.Reason = fmt.Sprintf("local=%d broker=%g", local, remote)
		m.emit(ctx, ev)
		m.log.Warn().Str("symbol", symbol).Int("local", local).Float64("broker", remote).Msg("position drift, trusting broker")

		if remote == 0 {
			for _, mg := range m.positions {
				if mg.pos.Symbol != symbol || !positionLive(mg.pos.Status) {
					continue
				}
				mg.pos.OpenQuantity = 0
				mg.pos.Status = model.PositionClosed
				m.ledger.Release(mg.pos.SignalID)

				closed := events.New(events.PositionClosed)
				closed.Symbol = symbol
				closed.PositionID = mg.pos.ID
				closed.SignalID = mg.pos.SignalID
				closed.Reason = ExitDrift
				m.emit(ctx, closed)
			}
		}
	}

	for symbol, remote := range brokerQty {
		if remote != 0 && localQty[symbol] == 0 {
			ev := events.New(events.StateDrift)
			ev.Symbol = symbol
			ev.Reason = fmt.Sprintf("unmanaged broker position qty=%g", remote)
			m.emit(ctx, ev)
		}
	}
	return nil
}

// Positions returns copies of all non-closed positions.
func (m *Manager) Positions() []model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, mg := range m.positions {
		if mg.pos.Status != model.PositionClosed {
			out = append(out, *mg.pos)
		}
	}
	return out
}

// OpenPositions implements risk.PortfolioView.
func (m *Manager) OpenPositions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mg := range m.positions {
		if mg.pos.Status != model.PositionClosed {
			n++
		}
	}
	return n
}

// OpenOrders implements risk.PortfolioView.
func (m *Manager) OpenOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries) + len(m.exits)
}

// PositionsFor implements risk.PortfolioView.
func (m *Manager) PositionsFor(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mg := range m.positions {
		if mg.pos.Symbol == symbol && mg.pos.Status != model.PositionClosed {
			n++
		}
	}
	return n
}

// Cash implements risk.PortfolioView. The value is as of the last
// reconcile pass.
func (m *Manager) Cash() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

func (m *Manager) emit(ctx context.Context, ev events.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Emit(ctx, ev); err != nil {
		m.log.Error().Err(err).Str("event", string(ev.Type)).Msg("event emit failed")
	}
}

func positionLive(s model.PositionStatus) bool {
	return s == model.PositionOpen || s == model.PositionPartial
}

func partialQuantity(original, open int, pct float64) int {
	qty := int(math.Floor(float64(original) * pct))
	if qty < 1 {
		qty = 1
	}
	if qty > open {
		qty = open
	}
	return qty
}

func emaCrossedDown(snap features.Snapshot) bool {
	return !snap.Cold &&
		snap.EMAFastPrev >= snap.EMASlowPrev &&
		snap.EMAFast < snap.EMASlow &&
		snap.LastPrice < snap.EMASlow
}
