// Package broker defines the minimal surface the engine needs from an
// execution backend, plus a paper implementation for replay and tests and
// a resilience wrapper for real transports.
package broker

import (
	"context"
	"errors"

	"github.com/openrange/orbit/internal/model"
)

// ErrUnavailable marks transient transport failures. Callers retry with
// backoff up to a bounded attempt count; past that the order is surfaced as
// failed and never silently resubmitted.
var ErrUnavailable = errors.New("broker unavailable")

// ErrUnknownOrder is returned for status/cancel calls on ids the broker
// does not recognize.
var ErrUnknownOrder = errors.New("unknown order")

// Broker is the abstract brokerage capability. Every call may be slow or
// fail; nothing is assumed successful before a confirmed status readback.
type Broker interface {
	Submit(ctx context.Context, req model.OrderRequest) (model.Order, error)
	Cancel(ctx context.Context, orderID string) error
	Status(ctx context.Context, orderID string) (model.Order, error)
	Positions(ctx context.Context) ([]model.BrokerPosition, error)
	Balances(ctx context.Context) (model.AccountSnapshot, error)
}
