package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrange/orbit/internal/model"
)

// Paper is an in-memory broker used by replay and tests. Market orders fill
// at the current mark, limit orders rest until touched, and bracket legs
// honor one-cancels-other semantics. Fills happen on SetPrice, never
// optimistically at submit-readback time, so callers exercise the same
// confirm-by-status path a real transport forces on them.
type Paper struct {
	mu        sync.Mutex
	prices    map[string]float64
	cash      float64
	orders    map[string]*model.Order
	brackets  map[string]*bracketLegs // entry order id -> legs
	legIDs    map[string]bool         // orders filled only via bracket logic
	positions map[string]float64
	idemKeys  map[string]string // idempotency key -> order id
}

type bracketLegs struct {
	stopID    string
	targetID  string
	stopPx    float64
	targetPx  float64
	quantity  int
	symbol    string
	activated bool // legs go live once the entry fills
}

// NewPaper builds a paper broker with starting cash.
func NewPaper(cash float64) *Paper {
	return &Paper{
		prices:    make(map[string]float64),
		cash:      cash,
		orders:    make(map[string]*model.Order),
		brackets:  make(map[string]*bracketLegs),
		legIDs:    make(map[string]bool),
		positions: make(map[string]float64),
		idemKeys:  make(map[string]string),
	}
}

// SetPrice marks a symbol and runs the fill engine: resting limit entries,
// then activated bracket legs.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
	p.sweep(strings.ToUpper(symbol), price)
}

// Submit implements Broker. A duplicate idempotency key returns the
// original order instead of executing twice.
func (p *Paper) Submit(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, seen := p.idemKeys[req.IdempotencyKey]; seen {
			return *p.orders[id], nil
		}
	}
	if req.Quantity <= 0 {
		return model.Order{}, fmt.Errorf("quantity must be positive, got %d", req.Quantity)
	}

	symbol := strings.ToUpper(req.Symbol)
	order := &model.Order{
		ID:             uuid.New().String(),
		Symbol:         symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		Status:         model.OrderAccepted,
		SubmittedAt:    time.Now().UTC(),
		IdempotencyKey: req.IdempotencyKey,
	}
	p.orders[order.ID] = order
	if req.IdempotencyKey != "" {
		p.idemKeys[req.IdempotencyKey] = order.ID
	}

	if req.Bracket && req.Side == model.Buy {
		p.brackets[order.ID] = &bracketLegs{
			stopPx:   req.StopPrice,
			targetPx: req.TakeProfit,
			quantity: req.Quantity,
			symbol:   symbol,
		}
	}

	// Market orders fill on the next sweep of the current mark.
	if price, ok := p.prices[symbol]; ok {
		p.sweep(symbol, price)
	}
	return *order, nil
}

// Cancel implements Broker. Canceling an entry cancels its legs too.
func (p *Paper) Cancel(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if order.Status.Terminal() {
		return fmt.Errorf("cancel %s: order already %s", orderID, order.Status)
	}
	order.Status = model.OrderCanceled
	if legs, ok := p.brackets[orderID]; ok {
		p.cancelLeg(legs.stopID)
		p.cancelLeg(legs.targetID)
		delete(p.brackets, orderID)
	}
	return nil
}

// Status implements Broker.
func (p *Paper) Status(ctx context.Context, orderID string) (model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return model.Order{}, ErrUnknownOrder
	}
	return *order, nil
}

// Positions implements Broker.
func (p *Paper) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.BrokerPosition, 0, len(p.positions))
	for sym, qty := range p.positions {
		if qty == 0 {
			continue
		}
		out = append(out, model.BrokerPosition{Symbol: sym, Quantity: qty})
	}
	return out, nil
}

// Balances implements Broker.
func (p *Paper) Balances(ctx context.Context) (model.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	for sym, qty := range p.positions {
		equity += qty * p.prices[sym]
	}
	return model.AccountSnapshot{Cash: p.cash, Equity: equity}, nil
}

// snapshotOrders returns a copy of every order the broker has seen.
func (p *Paper) snapshotOrders() map[string]model.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]model.Order, len(p.orders))
	for id, order := range p.orders {
		out[id] = *order
	}
	return out
}

// sweep runs fills for one symbol at the given mark. Caller holds the lock.
func (p *Paper) sweep(symbol string, price float64) {
	for id, order := range p.orders {
		if order.Symbol != symbol || order.Status.Terminal() || p.legIDs[id] {
			continue
		}
		switch {
		case order.Type == model.Market:
			p.fill(id, order, price)
		case order.Side == model.Buy && price <= order.LimitPrice:
			p.fill(id, order, order.LimitPrice)
		}
	}
	p.sweepBrackets(symbol, price)
}

func (p *Paper) sweepBrackets(symbol string, price float64) {
	for entryID, legs := range p.brackets {
		if legs.symbol != symbol || !legs.activated {
			continue
		}
		switch {
		case legs.stopPx > 0 && price <= legs.stopPx:
			p.fillLeg(legs.stopID, legs.stopPx)
			p.cancelLeg(legs.targetID)
			delete(p.brackets, entryID)
		case legs.targetPx > 0 && price >= legs.targetPx:
			p.fillLeg(legs.targetID, legs.targetPx)
			p.cancelLeg(legs.stopID)
			delete(p.brackets, entryID)
		}
	}
}

func (p *Paper) fill(id string, order *model.Order, price float64) {
	order.Status = model.OrderFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = price

	signed := float64(order.Quantity)
	if order.Side == model.Sell {
		signed = -signed
	}
	p.positions[order.Symbol] += signed
	p.cash -= signed * price

	if legs, ok := p.brackets[id]; ok && !legs.activated {
		legs.activated = true
		legs.stopID = p.spawnLeg(legs, model.Market, legs.stopPx)
		legs.targetID = p.spawnLeg(legs, model.Limit, legs.targetPx)
	}
}

// spawnLeg creates a working sell leg tracked outside the normal sweep (it
// fills only via sweepBrackets, so leg triggering stays OTOCO-exclusive).
func (p *Paper) spawnLeg(legs *bracketLegs, typ model.OrderType, px float64) string {
	leg := &model.Order{
		ID:          uuid.New().String(),
		Symbol:      legs.symbol,
		Side:        model.Sell,
		Type:        typ,
		Quantity:    legs.quantity,
		LimitPrice:  px,
		Status:      model.OrderAccepted,
		SubmittedAt: time.Now().UTC(),
	}
	p.orders[leg.ID] = leg
	p.legIDs[leg.ID] = true
	return leg.ID
}

func (p *Paper) fillLeg(id string, price float64) {
	leg, ok := p.orders[id]
	if !ok || leg.Status.Terminal() {
		return
	}
	leg.Status = model.OrderFilled
	leg.FilledQty = leg.Quantity
	leg.AvgFillPrice = price
	p.positions[leg.Symbol] -= float64(leg.Quantity)
	p.cash += float64(leg.Quantity) * price
}

func (p *Paper) cancelLeg(id string) {
	if leg, ok := p.orders[id]; ok && !leg.Status.Terminal() {
		leg.Status = model.OrderCanceled
	}
}
