package metrics

import (
	"context"

	"github.com/openrange/orbit/internal/events"
)

// EventSink updates counters from lifecycle events. Wire it into the
// fan-out sink so every order and exit is counted exactly where it is
// recorded.
type EventSink struct{}

// Emit implements events.Sink.
func (EventSink) Emit(_ context.Context, ev events.Event) error {
	switch ev.Type {
	case events.SignalExpired:
		Signals.WithLabelValues(ev.Setup, "expired").Inc()
	case events.OrderSubmitted:
		Orders.WithLabelValues("submitted").Inc()
	case events.OrderFilled:
		Orders.WithLabelValues("filled").Inc()
	case events.OrderCanceled:
		Orders.WithLabelValues("canceled").Inc()
	case events.OrderRejected:
		Orders.WithLabelValues("rejected").Inc()
	case events.PositionClosed, events.PositionPartialExit:
		Exits.WithLabelValues(ev.Reason).Inc()
	case events.StateDrift:
		Drift.WithLabelValues(ev.Symbol).Inc()
	}
	return nil
}

// Close implements events.Sink.
func (EventSink) Close() error { return nil }
