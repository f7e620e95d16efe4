// Package rabbit provides a RabbitMQ outbox.Broker implementation with
// publisher confirms. Every publish waits for the broker acknowledgment so
// the outbox only marks envelopes the broker has durably accepted
package rabbit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aneshas/eventflow/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrPublishNacked indicates that the broker refused the message
	ErrPublishNacked = errors.New("message was nacked by broker")
)

// DefaultConfirmTimeout bounds the wait for a broker confirmation
const DefaultConfirmTimeout = 5 * time.Second

// NewBroker constructs a RabbitMQ broker publishing to a durable topic
// exchange per outbox topic. The connection is established lazily and
// re-established on the next publish after a failure, so a broker outage
// simply surfaces errors which drive the outbox backoff path
func NewBroker(url string, opts ...Opt) *Broker {
	cfg := Cfg{
		ConfirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Broker{
		url:       url,
		cfg:       cfg,
		exchanges: make(map[string]struct{}),
	}
}

// Cfg represents broker configuration
type Cfg struct {
	ConfirmTimeout time.Duration
}

// Opt represents a broker configuration option
type Opt func(Cfg) Cfg

// WithConfirmTimeout configures how long a publish waits for the broker
// acknowledgment before reporting failure
func WithConfirmTimeout(d time.Duration) Opt {
	return func(cfg Cfg) Cfg {
		cfg.ConfirmTimeout = d

		return cfg
	}
}

// Broker is an outbox.Broker backed by a single confirmed AMQP channel.
// Publishes are serialized - the outbox relay is a single consumer anyway
type Broker struct {
	url string
	cfg Cfg

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	exchanges map[string]struct{}
}

// Publish sends one record to the topic exchange using the record key as
// routing key and waits for the broker confirmation
func (b *Broker) Publish(ctx context.Context, topic string, rec outbox.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channel()
	if err != nil {
		return err
	}

	if err := b.declare(ch, topic); err != nil {
		b.reset()

		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		topic,
		rec.Key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         rec.Value,
		},
	)
	if err != nil {
		b.reset()

		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		b.reset()

		return err
	}

	if !acked {
		return ErrPublishNacked
	}

	return nil
}

// Close tears down the underlying connection
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn := b.conn

	b.reset()

	if conn == nil {
		return nil
	}

	return conn.Close()
}

func (b *Broker) channel() (*amqp.Channel, error) {
	if b.ch != nil && b.conn != nil && !b.conn.IsClosed() {
		return b.ch, nil
	}

	b.reset()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()

		return nil, err
	}

	b.conn = conn
	b.ch = ch

	return ch, nil
}

func (b *Broker) declare(ch *amqp.Channel, topic string) error {
	if _, ok := b.exchanges[topic]; ok {
		return nil
	}

	err := ch.ExchangeDeclare(topic, "topic", true, false, false, false, nil)
	if err != nil {
		return err
	}

	b.exchanges[topic] = struct{}{}

	return nil
}

func (b *Broker) reset() {
	b.conn = nil
	b.ch = nil
	b.exchanges = make(map[string]struct{})
}
