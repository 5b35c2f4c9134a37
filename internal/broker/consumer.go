package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one received assignment plus its acknowledgement handle.
// Requeue returns the message to the queue for a later attempt; Reject
// discards it permanently.
type Delivery struct {
	Body []byte

	tag uint64
	ack amqp.Acknowledger
}

// NewDelivery builds a Delivery around an acknowledger. Exposed so intake
// tests can hand the loop fake deliveries.
func NewDelivery(body []byte, tag uint64, ack amqp.Acknowledger) Delivery {
	return Delivery{Body: body, tag: tag, ack: ack}
}

// Ack confirms successful handling.
func (d Delivery) Ack() error { return d.ack.Ack(d.tag, false) }

// Requeue returns the message to the queue.
func (d Delivery) Requeue() error { return d.ack.Nack(d.tag, false, true) }

// Reject drops the message without requeueing.
func (d Delivery) Reject() error { return d.ack.Nack(d.tag, false, false) }

// Consumer receives one worker's assignments. Prefetch is 1: the agent
// decides admission one message at a time.
type Consumer struct {
	conn       *conn
	workerUUID string
}

// NewConsumer builds a consumer for the worker's own queue.
func NewConsumer(cfg Config, workerUUID string) *Consumer {
	return &Consumer{conn: newConn(cfg), workerUUID: workerUUID}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch, err := c.conn.ensure()
	if err != nil {
		return nil, err
	}

	queue := RoutingKey(c.workerUUID)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Run delivers messages to handle until ctx is cancelled, resubscribing
// when the broker drops the channel. The handler owns acknowledgement.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, Delivery)) error {
	log := c.conn.log
	for {
		deliveries, err := c.subscribe()
		if err != nil {
			return err
		}
		log.Info("consuming assignments", "queue", RoutingKey(c.workerUUID))

	recv:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case d, ok := <-deliveries:
				if !ok {
					log.Warn("delivery channel closed, resubscribing")
					c.conn.drop()
					break recv
				}
				handle(ctx, NewDelivery(d.Body, d.DeliveryTag, d.Acknowledger))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dialBaseDelay):
		}
	}
}

// Close closes the underlying connection.
func (c *Consumer) Close() error { return c.conn.close() }
