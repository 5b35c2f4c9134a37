package broker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends task assignments from the control plane.
type Publisher struct {
	conn *conn
}

// NewPublisher connects (lazily) to the broker for publishing.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{conn: newConn(cfg)}
}

// Publish sends payload as persistent JSON to a worker's routing key. One
// retry after a reconnect; a second failure bubbles up so the caller can
// roll the assignment back.
func (p *Publisher) Publish(ctx context.Context, workerUUID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	key := RoutingKey(workerUUID)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	ch, err := p.conn.ensure()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, Exchange, key, false, false, msg); err == nil {
		return nil
	}

	p.conn.drop()
	ch, err = p.conn.ensure()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, Exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying connection.
func (p *Publisher) Close() error { return p.conn.close() }
