package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pickedge/config"
	"pickedge/protocol"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker refuses to attempt a delivery.
var ErrCircuitOpen = errors.New("sync transport circuit open")

// Transport delivers one authoritative confirmation upstream. Implementations
// must treat the entry id as an idempotency key.
type Transport interface {
	Deliver(ctx context.Context, c *protocol.PickConfirm) error
}

// Publisher is the subset of Client used to send envelopes.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PublishEnvelope encodes env and publishes it on topic.
func PublishEnvelope(ctx context.Context, pub Publisher, topic string, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return pub.Publish(ctx, topic, data)
}

// PublishTransport sends confirmations as pick.confirm envelopes over MQTT or Kafka.
type PublishTransport struct {
	pub   Publisher
	topic string
	src   protocol.Address
}

// NewPublishTransport creates a transport publishing on topic as station.
func NewPublishTransport(pub Publisher, topic, station string) *PublishTransport {
	return &PublishTransport{
		pub:   pub,
		topic: topic,
		src:   protocol.Address{Role: protocol.RoleDevice, Station: station},
	}
}

func (t *PublishTransport) Deliver(ctx context.Context, c *protocol.PickConfirm) error {
	env, err := protocol.NewConfirmEnvelope(t.src, protocol.Address{Role: protocol.RoleBackend}, c)
	if err != nil {
		return fmt.Errorf("build confirm envelope: %w", err)
	}
	return PublishEnvelope(ctx, t.pub, t.topic, env)
}

// BreakerTransport stops hammering an unreachable backend. While open, Deliver
// returns ErrCircuitOpen without calling the wrapped transport.
type BreakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps next with a circuit breaker tuned by cfg.
func NewBreakerTransport(next Transport, cfg config.BreakerConfig) *BreakerTransport {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "sync-transport",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("messaging: breaker %s %s -> %s", name, from, to)
		},
	}
	return &BreakerTransport{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (t *BreakerTransport) Deliver(ctx context.Context, c *protocol.PickConfirm) error {
	_, err := t.cb.Execute(func() (interface{}, error) {
		return nil, t.next.Deliver(ctx, c)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the breaker state name: "closed", "half-open" or "open".
func (t *BreakerTransport) State() string {
	return t.cb.State().String()
}
