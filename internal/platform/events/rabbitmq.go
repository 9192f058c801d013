package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const DefaultExchange = "dental.scheduling.events"

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("event broker unavailable")

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// RabbitMQPublisher sends events as persistent JSON messages. A circuit
// breaker stops request paths from waiting on a broker that is down.
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	breaker  *gobreaker.CircuitBreaker[any]
	logger   zerolog.Logger
}

func NewRabbitMQPublisher(url string, bc BreakerConfig, logger zerolog.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(DefaultExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newPublisher(ch, DefaultExchange, bc, logger)
	p.conn = conn
	logger.Info().Str("exchange", DefaultExchange).Msg("rabbitmq publisher connected")
	return p, nil
}

func newPublisher(ch channel, exchange string, bc BreakerConfig, logger zerolog.Logger) *RabbitMQPublisher {
	p := &RabbitMQPublisher{ch: ch, exchange: exchange, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "rabbitmq-publisher",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return p
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	_, err = p.breaker.Execute(func() (any, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return nil, p.ch.PublishWithContext(ctx, p.exchange, evt.Type, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    evt.ID,
			Timestamp:    evt.OccurredAt,
			Headers:      amqp.Table{"tenant_id": evt.TenantID},
			Body:         body,
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	if err != nil {
		p.logger.Error().Err(err).Str("routing_key", evt.Type).Msg("failed to publish event")
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("error closing channel")
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Ping reports whether the broker connection is still open.
func (p *RabbitMQPublisher) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// NoopPublisher logs events instead of sending them. It is used when
// AMQP_URL is unset.
type NoopPublisher struct {
	logger zerolog.Logger
}

func NewNoopPublisher(logger zerolog.Logger) *NoopPublisher {
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Debug().Str("routing_key", evt.Type).Str("event_id", evt.ID).Msg("noop publish")
	return nil
}

func (p *NoopPublisher) Close() error { return nil }
