package exec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrange/orbit/internal/broker"
	"github.com/openrange/orbit/internal/events"
	"github.com/openrange/orbit/internal/features"
	"github.com/openrange/orbit/internal/model"
	"github.com/openrange/orbit/internal/risk"
)

type memorySink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *memorySink) Emit(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) byType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var t0 = time.Date(2025, 3, 10, 14, 31, 0, 0, time.UTC)

func bar(offset time.Duration, close float64) model.PriceBar {
	return model.PriceBar{
		Symbol:    "SPY",
		Timestamp: t0.Add(offset),
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1000,
	}
}

func warmSnap(price float64) features.Snapshot {
	return features.Snapshot{
		Symbol:      "SPY",
		LastPrice:   price,
		EMAFast:     price + 0.4,
		EMASlow:     price + 0.2,
		EMAFastPrev: price + 0.4,
		EMASlowPrev: price + 0.2,
		Bars:        60,
	}
}

func crossDownSnap(price float64) features.Snapshot {
	return features.Snapshot{
		Symbol:      "SPY",
		LastPrice:   price,
		EMAFast:     price - 0.3,
		EMASlow:     price + 0.1,
		EMAFastPrev: price + 0.2,
		EMASlowPrev: price + 0.1,
		Bars:        60,
	}
}

func testPlan() Plan {
	return Plan{
		Signal: model.Signal{
			ID:     "sig-1",
			Symbol: "SPY",
			Setup:  "EMA_CROSS",
		},
		Decision: model.RiskDecision{
			SignalID:  "sig-1",
			Approved:  true,
			Quantity:  10,
			StopPrice: 99.0,
			Target1:   101.0,
			Target2:   102.0,
			MaxLoss:   10,
		},
		Bar: bar(0, 100.0),
	}
}

func newManager(cfg Config) (*Manager, *broker.Paper, *risk.Ledger, *memorySink) {
	paper := broker.NewPaper(100000)
	ledger := risk.NewLedger(1000)
	sink := &memorySink{}
	m := NewManager(cfg, paper, ledger, sink, zerolog.Nop())
	return m, paper, ledger, sink
}

// openTestPosition drives a market entry through fill confirmation.
func openTestPosition(t *testing.T, m *Manager, paper *broker.Paper, ledger *risk.Ledger, plan Plan) {
	t.Helper()
	ctx := context.Background()
	require.True(t, ledger.Reserve(plan.Signal.ID, plan.Decision.MaxLoss))
	paper.SetPrice("SPY", 100.0)
	require.NoError(t, m.Execute(ctx, plan))
	m.OnBar(ctx, bar(time.Minute, 100.0), warmSnap(100.0))
	require.Equal(t, 1, m.OpenPositions())
}

func TestEntryFillOpensPosition(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	openTestPosition(t, m, paper, ledger, testPlan())

	positions := m.Positions()
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, model.PositionOpen, pos.Status)
	assert.Equal(t, 10, pos.OpenQuantity)
	assert.Equal(t, 100.0, pos.AvgEntryPrice)
	assert.Equal(t, 100.0, pos.HighWater)

	assert.Len(t, sink.byType(events.OrderSubmitted), 1)
	assert.Len(t, sink.byType(events.OrderFilled), 1)
	opened := sink.byType(events.PositionOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "sig-1", opened[0].SignalID)
}

func TestStopLossExitClosesAndReleasesLedger(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	openTestPosition(t, m, paper, ledger, testPlan())
	ctx := context.Background()

	paper.SetPrice("SPY", 98.9)
	m.OnBar(ctx, bar(2*time.Minute, 98.9), warmSnap(98.9))
	m.OnBar(ctx, bar(3*time.Minute, 98.9), warmSnap(98.9))

	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitStop, closed[0].Reason)
	assert.Equal(t, 10, closed[0].Quantity)
	assert.Equal(t, 0, m.OpenPositions())
	assert.Equal(t, 0.0, ledger.Reserved())
}

func TestFirstTargetPartialExitMovesStopToBreakeven(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	openTestPosition(t, m, paper, ledger, testPlan())
	ctx := context.Background()

	paper.SetPrice("SPY", 101.1)
	m.OnBar(ctx, bar(2*time.Minute, 101.1), warmSnap(101.1))
	paper.SetPrice("SPY", 100.9)
	m.OnBar(ctx, bar(3*time.Minute, 100.9), warmSnap(100.9))

	partials := sink.byType(events.PositionPartialExit)
	require.Len(t, partials, 1)
	assert.Equal(t, ExitTarget1, partials[0].Reason)
	assert.Equal(t, 5, partials[0].Quantity)
	assert.Equal(t, 101.1, partials[0].Price)

	moved := sink.byType(events.PositionStopMoved)
	require.Len(t, moved, 1)
	assert.Equal(t, 100.0, moved[0].Price)

	positions := m.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, model.PositionPartial, positions[0].Status)
	assert.Equal(t, 5, positions[0].OpenQuantity)
	assert.Equal(t, 100.0, positions[0].StopPrice)
	assert.Positive(t, ledger.Reserved(), "reservation held until fully closed")

	// Remainder stops out at breakeven.
	paper.SetPrice("SPY", 99.9)
	m.OnBar(ctx, bar(4*time.Minute, 99.9), warmSnap(99.9))
	m.OnBar(ctx, bar(5*time.Minute, 99.9), warmSnap(99.9))

	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitStop, closed[0].Reason)
	assert.Equal(t, 5, closed[0].Quantity)
	assert.Equal(t, 0.0, ledger.Reserved())
}

func TestSecondTargetFullExit(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	openTestPosition(t, m, paper, ledger, testPlan())
	ctx := context.Background()

	paper.SetPrice("SPY", 102.3)
	m.OnBar(ctx, bar(2*time.Minute, 102.3), warmSnap(102.3))
	m.OnBar(ctx, bar(3*time.Minute, 102.3), warmSnap(102.3))

	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitTarget2, closed[0].Reason)
	assert.Equal(t, 10, closed[0].Quantity)
	assert.Empty(t, sink.byType(events.PositionPartialExit), "full target takes precedence over partial")
}

func TestTrailingStopFiresExactlyOnce(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	plan := testPlan()
	plan.Decision.Target1 = 0
	plan.Decision.Target2 = 0
	openTestPosition(t, m, paper, ledger, plan)
	ctx := context.Background()

	// Run up past the activation threshold, then fade below the trail.
	paper.SetPrice("SPY", 100.5)
	m.OnBar(ctx, bar(2*time.Minute, 100.5), warmSnap(100.5))
	paper.SetPrice("SPY", 100.2)
	m.OnBar(ctx, bar(3*time.Minute, 100.2), warmSnap(100.2))
	m.OnBar(ctx, bar(4*time.Minute, 100.2), warmSnap(100.2))

	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitTrailing, closed[0].Reason)
	assert.Equal(t, 100.2, closed[0].Price)

	// Further bars must not fire again.
	paper.SetPrice("SPY", 99.0)
	m.OnBar(ctx, bar(5*time.Minute, 99.0), warmSnap(99.0))
	assert.Len(t, sink.byType(events.PositionClosed), 1)
}

func TestTrailingRequiresActivation(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	plan := testPlan()
	plan.Decision.Target1 = 0
	plan.Decision.Target2 = 0
	openTestPosition(t, m, paper, ledger, plan)
	ctx := context.Background()

	// Drifts down without ever reaching entry*(1+activation).
	paper.SetPrice("SPY", 100.1)
	m.OnBar(ctx, bar(2*time.Minute, 100.1), warmSnap(100.1))
	paper.SetPrice("SPY", 99.8)
	m.OnBar(ctx, bar(3*time.Minute, 99.8), warmSnap(99.8))

	assert.Empty(t, sink.byType(events.PositionClosed))
}

func TestTrailingZeroActivationArmsAtEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrailActivation = 0
	m, paper, ledger, sink := newManager(cfg)
	plan := testPlan()
	plan.Decision.Target1 = 0
	plan.Decision.Target2 = 0
	openTestPosition(t, m, paper, ledger, plan)
	ctx := context.Background()

	// No run-up: the first fade through the trail level flattens.
	paper.SetPrice("SPY", 99.7)
	m.OnBar(ctx, bar(2*time.Minute, 99.7), warmSnap(99.7))
	m.OnBar(ctx, bar(3*time.Minute, 99.7), warmSnap(99.7))

	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitTrailing, closed[0].Reason)
	assert.Equal(t, 99.7, closed[0].Price)
}

func TestTimeStopFlattens(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	plan := testPlan()
	plan.TimeStop = 10 * time.Minute
	openTestPosition(t, m, paper, ledger, plan)
	ctx := context.Background()

	paper.SetPrice("SPY", 100.2)
	m.OnBar(ctx, bar(5*time.Minute, 100.2), warmSnap(100.2))
	assert.Empty(t, sink.byType(events.PositionClosed))

	m.OnBar(ctx, bar(12*time.Minute, 100.2), warmSnap(100.2))
	m.OnBar(ctx, bar(13*time.Minute, 100.2), warmSnap(100.2))

	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitTimeout, closed[0].Reason)
}

func TestEMACrossDownExit(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	openTestPosition(t, m, paper, ledger, testPlan())
	ctx := context.Background()

	paper.SetPrice("SPY", 100.2)
	m.OnBar(ctx, bar(2*time.Minute, 100.2), crossDownSnap(100.2))
	m.OnBar(ctx, bar(3*time.Minute, 100.2), warmSnap(100.2))

	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitEMACross, closed[0].Reason)
}

func TestTightSpreadPegsLimitThenFallsBackToMarket(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	ctx := context.Background()
	require.True(t, ledger.Reserve("sig-1", 10))

	plan := testPlan()
	plan.Bar.Bid = 99.99
	plan.Bar.Ask = 100.01

	paper.SetPrice("SPY", 100.0)
	require.NoError(t, m.Execute(ctx, plan))

	// The limit rests below the market for LimitWaitBars bars.
	m.OnBar(ctx, bar(time.Minute, 100.0), warmSnap(100.0))
	require.Equal(t, model.PositionPending, m.Positions()[0].Status)
	m.OnBar(ctx, bar(2*time.Minute, 100.0), warmSnap(100.0))
	m.OnBar(ctx, bar(3*time.Minute, 100.0), warmSnap(100.0))

	positions := m.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, model.PositionOpen, positions[0].Status)
	assert.Equal(t, 100.0, positions[0].AvgEntryPrice)

	submitted := sink.byType(events.OrderSubmitted)
	require.Len(t, submitted, 2)
	assert.Equal(t, "limit_timeout_fallback", submitted[1].Reason)
}

func TestStaleEntryCanceledAndReservationReleased(t *testing.T) {
	m, _, ledger, sink := newManager(DefaultConfig())
	ctx := context.Background()
	require.True(t, ledger.Reserve("sig-1", 10))

	// No mark on the paper broker, so the market entry never fills.
	require.NoError(t, m.Execute(ctx, testPlan()))
	require.Equal(t, 1, m.OpenPositions())

	m.OnBar(ctx, bar(6*time.Minute, 100.0), warmSnap(100.0))

	assert.Equal(t, 0, m.OpenPositions())
	assert.Equal(t, 0.0, ledger.Reserved())
	canceled := sink.byType(events.OrderCanceled)
	require.Len(t, canceled, 1)
	assert.Equal(t, "stale_entry", canceled[0].Reason)
	expired := sink.byType(events.SignalExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, "sig-1", expired[0].SignalID)
}

// partialBroker fills part of its single entry order and then goes quiet,
// so a staleness cancel lands on a partially filled order.
type partialBroker struct {
	order    model.Order
	canceled bool
}

func (b *partialBroker) Submit(_ context.Context, req model.OrderRequest) (model.Order, error) {
	b.order = model.Order{
		ID:           "ord-1",
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Status:       model.OrderPartial,
		FilledQty:    4,
		AvgFillPrice: 100.0,
	}
	return b.order, nil
}

func (b *partialBroker) Cancel(context.Context, string) error {
	b.canceled = true
	b.order.Status = model.OrderCanceled
	return nil
}

func (b *partialBroker) Status(context.Context, string) (model.Order, error) {
	return b.order, nil
}

func (b *partialBroker) Positions(context.Context) ([]model.BrokerPosition, error) {
	return nil, nil
}

func (b *partialBroker) Balances(context.Context) (model.AccountSnapshot, error) {
	return model.AccountSnapshot{}, nil
}

func TestStaleEntryPartialFillOpensAtFilledQuantity(t *testing.T) {
	pb := &partialBroker{}
	ledger := risk.NewLedger(1000)
	sink := &memorySink{}
	m := NewManager(DefaultConfig(), pb, ledger, sink, zerolog.Nop())
	ctx := context.Background()
	require.True(t, ledger.Reserve("sig-1", 10))
	require.NoError(t, m.Execute(ctx, testPlan()))

	// Past staleness with 4 of 10 shares filled: the cancel leaves real
	// holdings, so the position opens at the filled quantity instead of
	// being abandoned.
	m.OnBar(ctx, bar(6*time.Minute, 100.0), warmSnap(100.0))

	require.True(t, pb.canceled)
	positions := m.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, model.PositionOpen, positions[0].Status)
	assert.Equal(t, 4, positions[0].OpenQuantity)
	assert.Equal(t, 100.0, positions[0].AvgEntryPrice)
	assert.Positive(t, ledger.Reserved())
	assert.Empty(t, sink.byType(events.SignalExpired))

	opened := sink.byType(events.PositionOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, 4, opened[0].Quantity)
}

func TestReconcileDriftTrustsBroker(t *testing.T) {
	m, paper, ledger, sink := newManager(DefaultConfig())
	openTestPosition(t, m, paper, ledger, testPlan())
	ctx := context.Background()

	// Flatten at the venue behind the manager's back.
	_, err := paper.Submit(ctx, model.OrderRequest{
		Symbol: "SPY", Side: model.Sell, Type: model.Market, Quantity: 10,
	})
	require.NoError(t, err)

	require.NoError(t, m.Reconcile(ctx))

	drift := sink.byType(events.StateDrift)
	require.NotEmpty(t, drift)
	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitDrift, closed[0].Reason)
	assert.Equal(t, 0, m.OpenPositions())
	assert.Equal(t, 0.0, ledger.Reserved())
}

func TestReconcileRefreshesCash(t *testing.T) {
	m, paper, ledger, _ := newManager(DefaultConfig())
	openTestPosition(t, m, paper, ledger, testPlan())

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, 99000.0, m.Cash())
}

func TestBracketModeVenueStopClosesPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseBracket = true
	m, paper, ledger, sink := newManager(cfg)
	openTestPosition(t, m, paper, ledger, testPlan())
	ctx := context.Background()

	// Venue stop leg fills when the mark trades through it.
	paper.SetPrice("SPY", 98.9)
	m.OnBar(ctx, bar(2*time.Minute, 98.9), warmSnap(98.9))

	closed := sink.byType(events.PositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, ExitStop, closed[0].Reason)
	assert.Equal(t, 0, m.OpenPositions())
	assert.Equal(t, 0.0, ledger.Reserved())
}

func TestPortfolioViewCounts(t *testing.T) {
	m, paper, ledger, _ := newManager(DefaultConfig())
	openTestPosition(t, m, paper, ledger, testPlan())

	assert.Equal(t, 1, m.OpenPositions())
	assert.Equal(t, 1, m.PositionsFor("SPY"))
	assert.Equal(t, 0, m.PositionsFor("QQQ"))
	assert.Equal(t, 0, m.OpenOrders())
}
