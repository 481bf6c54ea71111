package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrange/orbit/internal/model"
)

func TestPaperMarketBuyFillsAtMark(t *testing.T) {
	p := NewPaper(10000)
	p.SetPrice("SPY", 100.0)

	order, err := p.Submit(context.Background(), model.OrderRequest{
		Symbol:   "SPY",
		Side:     model.Buy,
		Type:     model.Market,
		Quantity: 10,
	})
	require.NoError(t, err)

	got, err := p.Status(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, got.Status)
	assert.Equal(t, 10, got.FilledQty)
	assert.Equal(t, 100.0, got.AvgFillPrice)

	positions, err := p.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 10.0, positions[0].Quantity)

	snap, err := p.Balances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9000.0, snap.Cash)
	assert.Equal(t, 10000.0, snap.Equity)
}

func TestPaperLimitBuyRestsUntilTouched(t *testing.T) {
	p := NewPaper(10000)
	p.SetPrice("SPY", 100.0)

	order, err := p.Submit(context.Background(), model.OrderRequest{
		Symbol:     "SPY",
		Side:       model.Buy,
		Type:       model.Limit,
		Quantity:   5,
		LimitPrice: 99.5,
	})
	require.NoError(t, err)

	got, _ := p.Status(context.Background(), order.ID)
	assert.Equal(t, model.OrderAccepted, got.Status)

	p.SetPrice("SPY", 99.4)
	got, _ = p.Status(context.Background(), order.ID)
	assert.Equal(t, model.OrderFilled, got.Status)
	assert.Equal(t, 99.5, got.AvgFillPrice)
}

func TestPaperBracketStopCancelsTarget(t *testing.T) {
	p := NewPaper(10000)
	p.SetPrice("SPY", 100.0)

	entry, err := p.Submit(context.Background(), model.OrderRequest{
		Symbol:     "SPY",
		Side:       model.Buy,
		Type:       model.Market,
		Quantity:   10,
		Bracket:    true,
		StopPrice:  99.0,
		TakeProfit: 102.0,
	})
	require.NoError(t, err)

	p.SetPrice("SPY", 98.9)

	var stopFilled, targetCanceled bool
	for id, order := range p.snapshotOrders() {
		if id == entry.ID {
			continue
		}
		switch order.Status {
		case model.OrderFilled:
			stopFilled = true
			assert.Equal(t, model.Sell, order.Side)
			assert.Equal(t, 99.0, order.AvgFillPrice)
		case model.OrderCanceled:
			targetCanceled = true
		}
	}
	assert.True(t, stopFilled, "stop leg should fill when price trades through")
	assert.True(t, targetCanceled, "target leg should cancel when stop fills")

	positions, _ := p.Positions(context.Background())
	assert.Empty(t, positions, "bracket exit should flatten the position")
}

func TestPaperBracketTargetCancelsStop(t *testing.T) {
	p := NewPaper(10000)
	p.SetPrice("SPY", 100.0)

	entry, err := p.Submit(context.Background(), model.OrderRequest{
		Symbol:     "SPY",
		Side:       model.Buy,
		Type:       model.Market,
		Quantity:   10,
		Bracket:    true,
		StopPrice:  99.0,
		TakeProfit: 102.0,
	})
	require.NoError(t, err)

	p.SetPrice("SPY", 102.5)

	var targetFilled, stopCanceled bool
	for id, order := range p.snapshotOrders() {
		if id == entry.ID {
			continue
		}
		switch order.Status {
		case model.OrderFilled:
			targetFilled = true
			assert.Equal(t, 102.0, order.AvgFillPrice)
		case model.OrderCanceled:
			stopCanceled = true
		}
	}
	assert.True(t, targetFilled)
	assert.True(t, stopCanceled)

	snap, _ := p.Balances(context.Background())
	assert.Equal(t, 10020.0, snap.Cash)
}

func TestPaperIdempotencyKeyDedupes(t *testing.T) {
	p := NewPaper(10000)
	p.SetPrice("SPY", 100.0)

	req := model.OrderRequest{
		Symbol:         "SPY",
		Side:           model.Buy,
		Type:           model.Market,
		Quantity:       10,
		IdempotencyKey: "sig-1-entry",
	}
	first, err := p.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	positions, _ := p.Positions(context.Background())
	require.Len(t, positions, 1)
	assert.Equal(t, 10.0, positions[0].Quantity, "duplicate submit must not double the position")
}

func TestPaperCancelEntryCancelsLegs(t *testing.T) {
	p := NewPaper(10000)

	// No mark yet, so the entry rests.
	entry, err := p.Submit(context.Background(), model.OrderRequest{
		Symbol:     "SPY",
		Side:       model.Buy,
		Type:       model.Market,
		Quantity:   10,
		Bracket:    true,
		StopPrice:  99.0,
		TakeProfit: 102.0,
	})
	require.NoError(t, err)
	require.NoError(t, p.Cancel(context.Background(), entry.ID))

	got, _ := p.Status(context.Background(), entry.ID)
	assert.Equal(t, model.OrderCanceled, got.Status)

	// A later mark must not spawn or fill anything.
	p.SetPrice("SPY", 98.0)
	positions, _ := p.Positions(context.Background())
	assert.Empty(t, positions)
}

func TestPaperUnknownOrder(t *testing.T) {
	p := NewPaper(10000)
	_, err := p.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
	assert.ErrorIs(t, p.Cancel(context.Background(), "nope"), ErrUnknownOrder)
}

// flakyBroker fails the first n submits, then delegates to an inner Paper.
type flakyBroker struct {
	*Paper
	failures int
	attempts []model.OrderRequest
}

func (f *flakyBroker) Submit(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	f.attempts = append(f.attempts, req)
	if len(f.attempts) <= f.failures {
		return model.Order{}, errors.New("connection reset")
	}
	return f.Paper.Submit(ctx, req)
}

func resilientForTest(inner Broker, cfg ResilientConfig) *Resilient {
	r := NewResilient(inner, cfg, zerolog.Nop())
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestResilientRetriesWithSameIdempotencyKey(t *testing.T) {
	paper := NewPaper(10000)
	paper.SetPrice("SPY", 100.0)
	flaky := &flakyBroker{Paper: paper, failures: 2}

	cfg := DefaultResilientConfig()
	r := resilientForTest(flaky, cfg)

	order, err := r.Submit(context.Background(), model.OrderRequest{
		Symbol:         "SPY",
		Side:           model.Buy,
		Type:           model.Market,
		Quantity:       10,
		IdempotencyKey: "sig-42-entry",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, order.Status)
	require.Len(t, flaky.attempts, 3)
	for _, req := range flaky.attempts {
		assert.Equal(t, "sig-42-entry", req.IdempotencyKey)
	}
}

func TestResilientExhaustedAttemptsReturnUnavailable(t *testing.T) {
	flaky := &flakyBroker{Paper: NewPaper(0), failures: 100}
	cfg := DefaultResilientConfig()
	cfg.MaxAttempts = 3
	r := resilientForTest(flaky, cfg)

	_, err := r.Submit(context.Background(), model.OrderRequest{
		Symbol: "SPY", Side: model.Buy, Type: model.Market, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, flaky.attempts, 3)
}

func TestResilientDoesNotRetryUnknownOrder(t *testing.T) {
	paper := NewPaper(0)
	cfg := DefaultResilientConfig()
	r := resilientForTest(paper, cfg)

	err := r.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestResilientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	flaky := &flakyBroker{Paper: NewPaper(0), failures: 1000}
	cfg := DefaultResilientConfig()
	cfg.MaxAttempts = 1
	cfg.TripFailures = 3
	r := resilientForTest(flaky, cfg)

	for i := 0; i < 3; i++ {
		_, err := r.Submit(context.Background(), model.OrderRequest{
			Symbol: "SPY", Side: model.Buy, Type: model.Market, Quantity: 1,
		})
		require.Error(t, err)
	}
	before := len(flaky.attempts)

	_, err := r.Submit(context.Background(), model.OrderRequest{
		Symbol: "SPY", Side: model.Buy, Type: model.Market, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, flaky.attempts, before, "open breaker must short-circuit without calling the venue")
}
