// Package events publishes engine events to the message broker and relays
// the transactional outbox.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/yieldvault/distribution-engine/internal/model"
)

// Publisher delivers one event envelope to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env model.EventEnvelope) error
}

// LogPublisher writes events to the structured log. Used when no broker is
// configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, topic string, env model.EventEnvelope) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event published",
		"event", "event_published",
		"layer", "events",
		"topic", topic,
		"event_id", env.EventID,
		"event_type", env.EventType,
	)
	return nil
}

// RabbitMQPublisher publishes persistent JSON messages to a durable queue.
type RabbitMQPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *slog.Logger
}

// NewRabbitMQPublisher dials the broker, retrying while it starts up, and
// declares the durable queue.
func NewRabbitMQPublisher(url, queue string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var conn *amqp.Connection
	var err error
	for i := 0; i < 10; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq connect failed, retrying",
			"event", "rabbitmq_connect_retry",
			"layer", "events",
			"attempt", i+1,
			"error", err.Error(),
		)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &RabbitMQPublisher{conn: conn, channel: ch, queue: queue, logger: logger}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, topic string, env model.EventEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", env.EventID, err)
	}
	err = p.channel.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			MessageId:    env.EventID,
			Type:         topic,
			ContentType:  "application/json",
			Timestamp:    env.OccurredAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		})
	if err != nil {
		return fmt.Errorf("publish event %s: %w", env.EventID, err)
	}
	p.logger.Debug("event published to rabbitmq",
		"event", "rabbitmq_event_published",
		"layer", "events",
		"queue", p.queue,
		"event_id", env.EventID,
		"event_type", topic,
	)
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitMQPublisher) Close() {
	p.channel.Close()
	p.conn.Close()
}

var (
	_ Publisher = LogPublisher{}
	_ Publisher = (*RabbitMQPublisher)(nil)
)
