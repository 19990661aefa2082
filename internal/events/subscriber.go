package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrPoison marks a delivery that can never be processed (bad JSON, invalid
// contract). Poison deliveries are acked and dropped instead of requeued.
var ErrPoison = errors.New("poison message")

const handlerTimeout = 10 * time.Second

type StatusHandler func(ctx context.Context, event AttendantStatusChangedV1) error

type SubscriberOptions struct {
	Exchange string
	Queue    string
	Workers  int
	Prefetch int
}

// Subscriber consumes attendant status changes from a durable queue bound to
// the events exchange.
type Subscriber struct {
	conn    *amqp.Connection
	opts    SubscriberOptions
	handler func(context.Context, amqp.Delivery) error
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewSubscriber(conn *amqp.Connection, opts SubscriberOptions, handler StatusHandler, logger *zap.Logger) *Subscriber {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = opts.Workers * 2
	}
	return &Subscriber{
		conn:    conn,
		opts:    opts,
		handler: JSONHandler(handler),
		log:     logger,
	}
}

// JSONHandler decodes the envelope payload and validates it before calling
// h. Decode and validation failures are reported as ErrPoison.
func JSONHandler(h StatusHandler) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) error {
		var env GenericEnvelope[AttendantStatusChangedV1]
		if err := json.Unmarshal(d.Body, &env); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		if err := env.Data.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return h(ctx, env.Data)
	}
}

// Run declares the queue, starts the worker pool and blocks until ctx is
// done or the delivery channel closes.
func (s *Subscriber) Run(ctx context.Context) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(s.opts.Prefetch, 0, false); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(s.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(s.opts.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, AttendantStatusChangedType, s.opts.Exchange, false, nil); err != nil {
		return err
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	s.log.Info("subscriber started", zap.String("queue", q.Name), zap.Int("workers", s.opts.Workers))

	work := make(chan amqp.Delivery)
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, work)
	}
	defer func() {
		close(work)
		s.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			select {
			case work <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return ctx.Err()
			}
		}
	}
}

func (s *Subscriber) workerLoop(ctx context.Context, work <-chan amqp.Delivery) {
	defer s.wg.Done()
	for d := range work {
		switch s.process(ctx, d) {
		case outcomeAck, outcomeDrop:
			_ = d.Ack(false)
		case outcomeRequeue:
			_ = d.Nack(false, true)
		}
	}
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeDrop
	outcomeRequeue
)

func (s *Subscriber) process(ctx context.Context, d amqp.Delivery) outcome {
	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	err := s.handler(hctx, d)
	switch {
	case err == nil:
		return outcomeAck
	case errors.Is(err, ErrPoison):
		s.log.Warn("dropping poison message", zap.String("key", d.RoutingKey), zap.String("id", d.MessageId), zap.Error(err))
		return outcomeDrop
	default:
		s.log.Error("handler error", zap.String("key", d.RoutingKey), zap.String("id", d.MessageId), zap.Error(err))
		return outcomeRequeue
	}
}
