package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"liveconsult/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher pushes lifecycle events (session.ended, call.missed,
// message.offline) to the notification pipeline queue.
type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    Channel
	queue string
}

// NewPublisher dials url and declares queue together with its dead-letter queue.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(
		dlq,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", dlq, err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}

	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// NewPublisherWithChannel wraps an already open channel.
func NewPublisherWithChannel(ch Channel, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue}
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish sends event as a persistent JSON message to the default exchange.
func (p *Publisher) Publish(ctx context.Context, event models.LifecycleEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// amqp channels are not safe for concurrent publishes
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         event.Type,
			Body:         body,
			Timestamp:    event.OccurredAt,
		},
	)
}
