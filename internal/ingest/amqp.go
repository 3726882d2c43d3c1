package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the RabbitMQ event source.
type AMQPConfig struct {
	URL            string
	Queue          string
	ConsumerTag    string
	Prefetch       int
	ReconnectDelay time.Duration
}

// AMQPSource consumes events from a durable RabbitMQ queue with manual
// acknowledgement. It reconnects until its context ends.
type AMQPSource struct {
	cfg AMQPConfig
}

// NewAMQPSource validates cfg and applies defaults.
func NewAMQPSource(cfg AMQPConfig) (*AMQPSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url cannot be empty")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &AMQPSource{cfg: cfg}, nil
}

// Name implements Source.
func (s *AMQPSource) Name() string { return "amqp:" + s.cfg.Queue }

// Run implements Source.
func (s *AMQPSource) Run(ctx context.Context, h Handler) error {
	for {
		err := s.consume(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[AMQPSource] queue %s: %v; reconnecting in %s", s.cfg.Queue, err, s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *AMQPSource) consume(ctx context.Context, h Handler) error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(
		s.cfg.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := ch.Consume(
		s.cfg.Queue,
		s.cfg.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	log.Printf("[AMQPSource] consuming from %s", s.cfg.Queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			handleDelivery(ctx, h, d)
		}
	}
}

// handleDelivery acks applied and undecodable messages, and requeues
// messages that failed for a reason that may clear up.
func handleDelivery(ctx context.Context, h Handler, d amqp.Delivery) {
	e, err := Decode(d.Body)
	if err == nil {
		err = h(ctx, e)
	}
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Printf("[AMQPSource] ack failed: %v", ackErr)
		}
	case IsPermanent(err):
		log.Printf("[AMQPSource] dropping message %d: %v", d.DeliveryTag, err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Printf("[AMQPSource] nack failed: %v", nackErr)
		}
	default:
		log.Printf("[AMQPSource] requeueing message %d: %v", d.DeliveryTag, err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Printf("[AMQPSource] nack failed: %v", nackErr)
		}
	}
}
