package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type identifies a lifecycle transition.
type Type string

const (
	SignalGenerated Type = "signal_generated"
	SignalBlocked   Type = "signal_blocked"
	SignalApproved  Type = "signal_approved"
	SignalExpired   Type = "signal_expired"

	OrderSubmitted Type = "order_submitted"
	OrderFilled    Type = "order_filled"
	OrderCanceled  Type = "order_canceled"
	OrderRejected  Type = "order_rejected"

	PositionOpened      Type = "position_opened"
	PositionPartialExit Type = "position_partial_exit"
	PositionStopMoved   Type = "position_stop_moved"
	PositionClosed      Type = "position_closed"

	StateDrift Type = "state_drift"
)

// Event is one audit record. Every signal and position transition emits
// exactly one.
type Event struct {
	ID         string    `json:"id" db:"id"`
	Type       Type      `json:"type" db:"type"`
	Timestamp  time.Time `json:"timestamp" db:"ts"`
	Symbol     string    `json:"symbol,omitempty" db:"symbol"`
	Setup      string    `json:"setup,omitempty" db:"setup"`
	SignalID   string    `json:"signal_id,omitempty" db:"signal_id"`
	PositionID string    `json:"position_id,omitempty" db:"position_id"`
	OrderID    string    `json:"order_id,omitempty" db:"order_id"`
	Reason     string    `json:"reason,omitempty" db:"reason"`
	Quantity   int       `json:"quantity,omitempty" db:"quantity"`
	Price      float64   `json:"price,omitempty" db:"price"`
}

// New builds an event stamped with a fresh id and UTC timestamp.
func New(t Type) Event {
	return Event{ID: uuid.New().String(), Type: t, Timestamp: time.Now().UTC()}
}

// Sink receives lifecycle events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Multi fans an event out to every sink. Emit returns the joined errors
// but always delivers to all sinks; one failing sink never starves the
// others.
type Multi struct {
	sinks []Sink
}

// NewMulti builds a fan-out sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Emit implements Sink.
func (m *Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to structured logs.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink builds a sink over the given logger.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "events").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	entry := s.log.Info().
		Str("event", string(ev.Type)).
		Str("event_id", ev.ID).
		Time("ts", ev.Timestamp)
	if ev.Symbol != "" {
		entry = entry.Str("symbol", ev.Symbol)
	}
	if ev.Setup != "" {
		entry = entry.Str("setup", ev.Setup)
	}
	if ev.SignalID != "" {
		entry = entry.Str("signal_id", ev.SignalID)
	}
	if ev.PositionID != "" {
		entry = entry.Str("position_id", ev.PositionID)
	}
	if ev.OrderID != "" {
		entry = entry.Str("order_id", ev.OrderID)
	}
	if ev.Reason != "" {
		entry = entry.Str("reason", ev.Reason)
	}
	if ev.Quantity != 0 {
		entry = entry.Int("quantity", ev.Quantity)
	}
	if ev.Price != 0 {
		entry = entry.Float64("price", ev.Price)
	}
	entry.Msg("lifecycle event")
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }
