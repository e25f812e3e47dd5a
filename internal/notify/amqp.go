package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPChannel publishes notifications to a durable RabbitMQ queue for
// downstream consumers.
type AMQPChannel struct {
	url    string
	queue  string
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPChannel constructs an AMQP delivery channel. The connection is
// established lazily on first send and re-established after broker restarts.
func NewAMQPChannel(url, queue string, logger zerolog.Logger) *AMQPChannel {
	return &AMQPChannel{
		url:    url,
		queue:  queue,
		logger: logger.With().Str("component", "notify_amqp").Logger(),
	}
}

// Name identifies the channel in logs and queue bookkeeping.
func (c *AMQPChannel) Name() string { return "amqp" }

type amqpPayload struct {
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
}

// Send publishes the message as persistent JSON.
func (c *AMQPChannel) Send(ctx context.Context, msg Message) error {
	channel, err := c.ensureChannel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}

	body, err := json.Marshal(amqpPayload{
		Title:       msg.Title,
		Body:        msg.Body,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal amqp payload: %w", err)
	}

	err = channel.PublishWithContext(ctx,
		"",      // exchange
		c.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		c.reset()
		return fmt.Errorf("publish to %s: %w", c.queue, err)
	}

	c.logger.Info().Str("queue", c.queue).Str("title", msg.Title).Msg("notification published via amqp")
	return nil
}

// Close tears down the broker connection.
func (c *AMQPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *AMQPChannel) ensureChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.conn.IsClosed() {
		return c.channel, nil
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		c.queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", c.queue, err)
	}

	c.conn = conn
	c.channel = channel
	return channel, nil
}

func (c *AMQPChannel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

var _ Channel = (*AMQPChannel)(nil)
