// Package broker is the AMQP transport between the control plane and the
// agents. Assignments flow through one topic exchange; every agent owns a
// durable queue bound to its own routing key, so an assignment published for
// a worker survives that worker being briefly offline.
package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Exchange is the single topic exchange all assignments go through.
	Exchange = "tasks.exchange"

	dialAttempts  = 5
	dialBaseDelay = 2 * time.Second
)

// RoutingKey returns the per-worker routing key (and queue name).
func RoutingKey(workerUUID string) string {
	return "executor." + workerUUID
}

// Config holds the connection settings shared by publisher and consumer.
type Config struct {
	URL    string
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// conn wraps one AMQP connection plus a channel, redialing on demand.
type conn struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	amqp    *amqp.Connection
	channel *amqp.Channel
}

func newConn(cfg Config) *conn {
	return &conn{cfg: cfg, log: cfg.logger()}
}

// ensure returns a live channel, dialing with backoff when needed.
func (c *conn) ensure() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}

	var lastErr error
	delay := dialBaseDelay
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		ch, err := c.redial()
		if err == nil {
			return ch, nil
		}
		lastErr = err
		c.log.Warn("broker dial failed",
			"attempt", attempt, "max", dialAttempts, "error", err)
		if attempt < dialAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, fmt.Errorf("broker unreachable after %d attempts: %w", dialAttempts, lastErr)
}

func (c *conn) redial() (*amqp.Channel, error) {
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.amqp != nil && !c.amqp.IsClosed() {
		ch, err := c.amqp.Channel()
		if err == nil {
			if err := declareExchange(ch); err != nil {
				_ = ch.Close()
				return nil, err
			}
			c.channel = ch
			return ch, nil
		}
	}

	a, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := a.Channel()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		_ = a.Close()
		return nil, err
	}
	c.amqp = a
	c.channel = ch
	return ch, nil
}

func declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

// drop discards the cached channel so the next use redials.
func (c *conn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.amqp != nil {
		err := c.amqp.Close()
		c.amqp = nil
		return err
	}
	return nil
}
