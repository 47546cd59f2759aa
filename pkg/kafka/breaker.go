package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ava-labs/lifecycle-publisher/pkg/messaging"
)

// Breaker is a messaging.BrokerClient that stops calling the wrapped client
// after repeated transient failures. While the circuit is open Send fails
// immediately with an error wrapping messaging.ErrTransientDelivery, so the
// dispatcher's retry budget is spent without touching the broker.
//
// Permanent failures and context cancellation do not count against the
// circuit.
type Breaker struct {
	next    messaging.BrokerClient
	breaker *gobreaker.CircuitBreaker
}

var _ messaging.BrokerClient = (*Breaker)(nil)

// NewBreaker wraps next with a circuit breaker configured by cfg.
func NewBreaker(next messaging.BrokerClient, cfg BreakerConfig, log *zap.SugaredLogger) *Breaker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	settings := gobreaker.Settings{
		Name:        "kafka-producer",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, messaging.ErrTransientDelivery)
		},
	}
	return &Breaker{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Send forwards to the wrapped client unless the circuit is open.
func (b *Breaker) Send(ctx context.Context, topic string, payload []byte, options map[string]any) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.next.Send(ctx, topic, payload, options)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("kafka producer unavailable: %w: %w", messaging.ErrTransientDelivery, err)
	}
	return err
}

// State returns the current circuit state ("closed", "half-open" or "open").
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// Healthy reports an error while the circuit is open.
func (b *Breaker) Healthy(context.Context) error {
	if b.breaker.State() == gobreaker.StateOpen {
		return errors.New("kafka producer circuit is open")
	}
	return nil
}
