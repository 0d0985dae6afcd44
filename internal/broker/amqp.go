// Package broker is the Broker Gateway (C3): AMQP 0-9-1 declare/bind,
// synchronous single-message pulls, and manual ack/nack. One Gateway
// backs exactly one logical channel, owned by one Queue Worker for the
// duration of a drain.
package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one pulled message, not yet acknowledged.
type Delivery struct {
	Tag  uint64
	Body []byte
}

// Gateway wraps one AMQP connection + channel.
type Gateway struct {
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

const (
	connectionAttempts = 5
	connectRetryDelay  = 3 * time.Second
)

// Dial opens a connection to the broker and declares the durable direct
// exchange named by exchange. Connection establishment is
// retried a few times before giving up.
func Dial(url, exchange string) (*Gateway, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= connectionAttempts; attempt++ {
		conn, err = amqp.DialConfig(url, amqp.Config{
			Heartbeat: 600 * time.Second,
		})
		if err == nil {
			break
		}
		if attempt < connectionAttempts {
			time.Sleep(connectRetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial amqp after %d attempts: %w", connectionAttempts, err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(
		exchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Gateway{exchange: exchange, conn: conn, channel: channel}, nil
}

// Close tears down the channel and connection.
func (g *Gateway) Close() error {
	if g == nil {
		return nil
	}
	var firstErr error
	if g.channel != nil {
		if err := g.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.conn != nil {
		if err := g.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeclareAndBind declares queue durable and binds it to the exchange
// under routingKey. Idempotent.
func (g *Gateway) DeclareAndBind(queue, routingKey string) error {
	if _, err := g.channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := g.channel.QueueBind(queue, routingKey, g.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, routingKey, err)
	}
	return nil
}

// GetOne performs a synchronous pull.
// The bool return is false when the queue is currently empty.
func (g *Gateway) GetOne(ctx context.Context, queue string) (Delivery, bool, error) {
	msg, ok, err := g.channel.Get(queue, false)
	if err != nil {
		return Delivery{}, false, fmt.Errorf("get one from %s: %w", queue, err)
	}
	if !ok {
		return Delivery{}, false, nil
	}
	return Delivery{Tag: msg.DeliveryTag, Body: msg.Body}, true, nil
}

// Depth returns the message count visible to this channel.
func (g *Gateway) Depth(queue string) (int, error) {
	q, err := g.channel.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Ack acknowledges a single delivery.
func (g *Gateway) Ack(tag uint64) error {
	if err := g.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("ack %d: %w", tag, err)
	}
	return nil
}

// AckMultiple acknowledges every delivery <= tag on this channel.
func (g *Gateway) AckMultiple(tag uint64) error {
	if err := g.channel.Ack(tag, true); err != nil {
		return fmt.Errorf("ack multiple %d: %w", tag, err)
	}
	return nil
}

// Nack negatively acknowledges, optionally covering every delivery <= tag.
func (g *Gateway) Nack(tag uint64, multiple bool) error {
	if err := g.channel.Nack(tag, multiple, true); err != nil {
		return fmt.Errorf("nack %d: %w", tag, err)
	}
	return nil
}
