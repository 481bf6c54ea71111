package model

import (
	"time"
)

// Side is the side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType is the order execution style.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// PriceBar is one normalized bar of market data. Bars for a symbol must
// arrive with non-decreasing timestamps; out-of-order bars are rejected
// upstream and never reach strategy code.
type PriceBar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
}

// Spread returns the bid/ask spread in basis points of the midpoint,
// or 0 when no quote is attached to the bar.
func (b PriceBar) Spread() float64 {
	if b.Bid <= 0 || b.Ask <= b.Bid {
		return 0
	}
	mid := (b.Bid + b.Ask) / 2
	return (b.Ask - b.Bid) / mid * 10000
}

// SignalStatus tracks a signal through its lifecycle. A signal transitions
// at most once out of Generated; Expired is only reached when an approved
// signal is never acted on within its validity window.
type SignalStatus string

const (
	SignalGenerated SignalStatus = "generated"
	SignalBlocked   SignalStatus = "blocked"
	SignalApproved  SignalStatus = "approved"
	SignalExpired   SignalStatus = "expired"
)

// Signal is a candidate trade emitted by a play.
type Signal struct {
	ID        string       `json:"id"`
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Setup     string       `json:"setup"`
	Side      Side         `json:"side"`
	Score     float64      `json:"score"`
	Status    SignalStatus `json:"status"`
	Reason    string       `json:"reason"`

	// Price levels derived from the snapshot the play fired on.
	EntryPrice float64 `json:"entry_price"`
	StopPrice  float64 `json:"stop_price"`
	Target1    float64 `json:"target1"`
	Target2    float64 `json:"target2"`
	ATR        float64 `json:"atr"`

	// SourceSymbol is the trigger symbol when an execution mapping
	// redirects the order to a tradable proxy.
	SourceSymbol string `json:"source_symbol,omitempty"`
}

// BlockReason enumerates why the risk gate refused a signal. The first
// failing check wins, so reasons are stable for identical inputs.
type BlockReason string

const (
	BlockNone          BlockReason = ""
	BlockOutsideWindow BlockReason = "outside_window"
	BlockSymbolDenied  BlockReason = "symbol_denied"
	BlockMaxPositions  BlockReason = "max_positions"
	BlockMaxOrders     BlockReason = "max_orders"
	BlockSymbolCap     BlockReason = "symbol_cap"
	BlockNotionalCap   BlockReason = "notional_cap"
	BlockCashFloor     BlockReason = "cash_floor"
	BlockOptionsFlow   BlockReason = "options_flow"
	BlockZeroSize      BlockReason = "zero_size"
	BlockExposureCap   BlockReason = "exposure_cap"
)

// RiskDecision is the gate's verdict for one signal. Sizing fields are
// populated even on a block so previews can show what would have traded.
type RiskDecision struct {
	SignalID     string      `json:"signal_id"`
	Approved     bool        `json:"approved"`
	Reason       BlockReason `json:"reason,omitempty"`
	Quantity     int         `json:"quantity"`
	StopDistance float64     `json:"stop_distance"`
	StopPrice    float64     `json:"stop_price"`
	Target1      float64     `json:"target1"`
	Target2      float64     `json:"target2"`
	MaxLoss      float64     `json:"max_loss"`
	DecidedAt    time.Time   `json:"decided_at"`
	Forced       bool        `json:"forced,omitempty"`
}

// OrderStatus mirrors broker-reported order state. Transitions are driven
// only by broker responses, never assumed locally.
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "submitted"
	OrderAccepted  OrderStatus = "accepted"
	OrderPartial   OrderStatus = "partially_filled"
	OrderFilled    OrderStatus = "filled"
	OrderCanceled  OrderStatus = "canceled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// OrderRequest is the broker submission payload. IdempotencyKey makes a
// retried submission detectable so it is never double-executed.
type OrderRequest struct {
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Type           OrderType `json:"type"`
	Quantity       int       `json:"quantity"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	StopPrice      float64   `json:"stop_price,omitempty"`
	TakeProfit     float64   `json:"take_profit,omitempty"`
	Bracket        bool      `json:"bracket,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// Order is the local view of a broker order.
type Order struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Quantity       int         `json:"quantity"`
	LimitPrice     float64     `json:"limit_price,omitempty"`
	Status         OrderStatus `json:"status"`
	FilledQty      int         `json:"filled_qty"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// PositionStatus tracks a managed position.
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionOpen    PositionStatus = "open"
	PositionPartial PositionStatus = "partially_closed"
	PositionClosed  PositionStatus = "closed"
)

// Position is owned by the execution manager. Stop ratchets upward only
// (breakeven after the first target, then trailing); it never widens.
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	SourceSymbol  string         `json:"source_symbol,omitempty"`
	Setup         string         `json:"setup"`
	SignalID      string         `json:"signal_id"`
	EntryOrderID  string         `json:"entry_order_id"`
	Quantity      int            `json:"quantity"`
	OpenQuantity  int            `json:"open_quantity"`
	AvgEntryPrice float64        `json:"avg_entry_price"`
	StopPrice     float64        `json:"stop_price"`
	Target1       float64        `json:"target1"`
	Target2       float64        `json:"target2"`
	PartialExited bool           `json:"partial_exited"`
	HighWater     float64        `json:"high_water"`
	MaxLoss       float64        `json:"max_loss"`
	OpenedAt      time.Time      `json:"opened_at"`
	Status        PositionStatus `json:"status"`
}

// AccountSnapshot is the broker's view of account health.
type AccountSnapshot struct {
	Cash   float64 `json:"cash"`
	Equity float64 `json:"equity"`
}

// BrokerPosition is a broker-reported holding used for reconciliation.
type BrokerPosition struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	CostBasis float64 `json:"cost_basis"`
}
