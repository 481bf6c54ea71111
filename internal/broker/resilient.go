package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/openrange/orbit/internal/model"
)

// ResilientConfig tunes retry, rate limit, and breaker behavior for the
// resilient broker wrapper.
type ResilientConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
	BreakerWindow  time.Duration `yaml:"breaker_window"`
	BreakerCoolOff time.Duration `yaml:"breaker_cooloff"`
	TripFailures   uint32        `yaml:"trip_failures"`
}

// DefaultResilientConfig returns conservative settings for a live transport.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxAttempts:    3,
		BackoffBase:    250 * time.Millisecond,
		BackoffMax:     5 * time.Second,
		CallTimeout:    10 * time.Second,
		RPS:            8,
		Burst:          16,
		BreakerWindow:  60 * time.Second,
		BreakerCoolOff: 30 * time.Second,
		TripFailures:   5,
	}
}

// Resilient wraps a Broker with a token-bucket rate limit, a circuit
// breaker, and bounded exponential-backoff retries. Retried submits reuse
// the request's idempotency key, so a retry after an ambiguous failure
// cannot double-execute at the venue.
type Resilient struct {
	inner   Broker
	cfg     ResilientConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewResilient wraps inner with the given config.
func NewResilient(inner Broker, cfg ResilientConfig, log zerolog.Logger) *Resilient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	r := &Resilient{
		inner:   inner,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		log:     log.With().Str("component", "broker").Logger(),
		sleep:   sleepCtx,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "broker",
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerCoolOff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return r
}

// Submit implements Broker.
func (r *Resilient) Submit(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	var order model.Order
	err := r.call(ctx, "submit", func(callCtx context.Context) error {
		var err error
		order, err = r.inner.Submit(callCtx, req)
		return err
	})
	return order, err
}

// Cancel implements Broker.
func (r *Resilient) Cancel(ctx context.Context, orderID string) error {
	return r.call(ctx, "cancel", func(callCtx context.Context) error {
		return r.inner.Cancel(callCtx, orderID)
	})
}

// Status implements Broker.
func (r *Resilient) Status(ctx context.Context, orderID string) (model.Order, error) {
	var order model.Order
	err := r.call(ctx, "status", func(callCtx context.Context) error {
		var err error
		order, err = r.inner.Status(callCtx, orderID)
		return err
	})
	return order, err
}

// Positions implements Broker.
func (r *Resilient) Positions(ctx context.Context) ([]model.BrokerPosition, error) {
	var positions []model.BrokerPosition
	err := r.call(ctx, "positions", func(callCtx context.Context) error {
		var err error
		positions, err = r.inner.Positions(callCtx)
		return err
	})
	return positions, err
}

// Balances implements Broker.
func (r *Resilient) Balances(ctx context.Context) (model.AccountSnapshot, error) {
	var snap model.AccountSnapshot
	err := r.call(ctx, "balances", func(callCtx context.Context) error {
		var err error
		snap, err = r.inner.Balances(callCtx)
		return err
	})
	return snap, err
}

func (r *Resilient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := r.breaker.Execute(func() (interface{}, error) {
			callCtx := ctx
			if r.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
				defer cancel()
			}
			return nil, fn(callCtx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: breaker open: %w", op, ErrUnavailable)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		if attempt == r.cfg.MaxAttempts {
			break
		}
		backoff := r.backoffFor(attempt)
		r.log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("broker call failed, retrying")
		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %v: %w", op, r.cfg.MaxAttempts, lastErr, ErrUnavailable)
}

func (r *Resilient) backoffFor(attempt int) time.Duration {
	backoff := r.cfg.BackoffBase << (attempt - 1)
	if r.cfg.BackoffMax > 0 && backoff > r.cfg.BackoffMax {
		backoff = r.cfg.BackoffMax
	}
	return backoff
}

// retryable reports whether an error is worth another attempt. Business
// rejections (unknown order, validation) are final, transport failures
// are not.
func retryable(err error) bool {
	return !errors.Is(err, ErrUnknownOrder)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
