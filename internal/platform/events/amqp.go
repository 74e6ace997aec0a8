package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ImportQueueName is the durable queue import events are published to.
const ImportQueueName = "clinport_import_events"

// AMQPPublisher publishes import events to a durable RabbitMQ queue
// with publisher confirms.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

// NewAMQPPublisher dials the broker, declares the durable queue and
// enables publisher confirms.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: connect amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		ImportQueueName, // name
		true,            // durable
		false,           // autoDelete
		false,           // exclusive
		false,           // noWait
		nil,             // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare queue %q: %w", ImportQueueName, err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: enable confirms: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (p *AMQPPublisher) PublishImportCompleted(ctx context.Context, event ImportCompleted) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}
	if err := p.ch.PublishWithContext(ctx, "", ImportQueueName, false, false, msg); err != nil {
		return fmt.Errorf("events: publish to %q: %w", ImportQueueName, err)
	}

	select {
	case confirmed := <-p.confirms:
		if !confirmed.Ack {
			return fmt.Errorf("events: publish to %q: message not confirmed", ImportQueueName)
		}
	case <-ctx.Done():
		return fmt.Errorf("events: publish to %q: %w", ImportQueueName, ctx.Err())
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
