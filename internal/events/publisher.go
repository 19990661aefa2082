package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, env Envelope) error
	Close() error
}

type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *zap.Logger
}

const maxDialDelay = 60 * time.Second

// DialWithRetry connects to RabbitMQ with exponential backoff and stops
// early when ctx is cancelled.
func DialWithRetry(ctx context.Context, opts ConnectionOptions) (*amqp.Connection, error) {
	attempts := max(opts.RetryAttempts, 1)
	var lastErr error

	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("rabbit connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := backoff(opts.Delay, i)
		opts.Logger.Warn("rabbit dial failed",
			zap.Int("attempt", i),
			zap.Duration("sleep", sleep),
			zap.Error(err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

func backoff(base time.Duration, attempt int) time.Duration {
	sleep := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if sleep <= 0 || sleep > maxDialDelay {
		return maxDialDelay
	}
	return sleep
}

type rabbitPublisher struct {
	conn     *amqp.Connection
	exchange string
	log      *zap.Logger
}

// NewRabbitPublisher declares the topic exchange and publishes persistent
// JSON envelopes in confirm mode.
func NewRabbitPublisher(ctx context.Context, opts ConnectionOptions, exchange string) (Publisher, error) {
	conn, err := DialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &rabbitPublisher{
		conn:     conn,
		exchange: exchange,
		log:      opts.Logger,
	}, nil
}

var errNotConfirmed = errors.New("publish not confirmed by broker")

func (p *rabbitPublisher) Publish(ctx context.Context, routingKey string, env Envelope) error {
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope.Meta.ID is required")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, p.exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.Meta.ID,
			CorrelationId: env.Meta.CorrelationID,
			Type:          env.Meta.Type,
			AppId:         env.Meta.Producer,
			Timestamp:     env.Meta.Time,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%s: %w", routingKey, errNotConfirmed)
	}

	p.log.Debug("published", zap.String("key", routingKey), zap.String("exchange", p.exchange), zap.String("id", env.Meta.ID))
	return nil
}

func (p *rabbitPublisher) Close() error {
	return p.conn.Close()
}

// FallbackPublisher is used when no broker is configured.
type FallbackPublisher struct {
	log *zap.Logger
}

func NewFallback(logger *zap.Logger) Publisher {
	return &FallbackPublisher{log: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	p.log.Debug("broker disabled: skipped publish", zap.String("key", key), zap.String("id", env.Meta.ID))
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}
