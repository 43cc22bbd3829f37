// ============================================================================
// runsh QueueConsumer - 單一訊息交接
// ============================================================================
//
// Package: internal/queue
// File: consumer.go
// Purpose: Holds the single broker connection of a node and hands exactly
//          one message to the caller per container lifetime.
//
// Handoff order for an inbound delivery:
//   1. Admit       node validate says continue
//   2. Acquire     PID file created
//   3. Cancel      stop the consumer
//   4. Ack         the node commits to the message
//   5. Disconnect  channel and connection closed
//   6. return      the caller processes with no broker connection open
//
// Any failure in 1-3 rejects the delivery with requeue and keeps
// consuming. A lost connection is redialed with the resetting doubling
// backoff (1s, 2s, ... 128s, 1s, ...).
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/metrics"
	"github.com/ChuLiYu/runsh/internal/retry"
)

var (
	// ErrRejected marks a delivery that was rejected and requeued.
	ErrRejected = errors.New("queue: message rejected")
	// ErrConnectionClosed is returned when the broker closes the connection
	// while waiting for a delivery.
	ErrConnectionClosed = errors.New("queue: connection closed")
)

// Rejection 拒絕訊息的原因
type Rejection struct {
	Reason string // "node", "lock", "cancel"
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("queue: message rejected (%s): %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() []error { return []error{ErrRejected, r.Err} }

// ============================================================================
// Broker 介面
// ============================================================================

// Channel is the subset of *amqp.Channel the consumer uses.
type Channel interface {
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Connection is the subset of *amqp.Connection the consumer uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c amqpConnection) Close() error { return c.conn.Close() }

// DialAMQP dials a real broker.
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

// ============================================================================
// 協作者
// ============================================================================

// Admitter decides whether the node may take a new message.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Lock is the node PID lock.
type Lock interface {
	Acquire() error
	Release() error
}

// StatusReporter is told when the node is waiting for work.
type StatusReporter interface {
	SetServing(serving bool)
}

// Config 佇列設定
type Config struct {
	URL         string
	Exchange    string
	Queue       string
	ConsumerTag string // default "runsh-<uuid>"

	ReconnectInitial time.Duration // default 1s
	ReconnectMax     time.Duration // default 180s
}

// Consumer 單一消費者
type Consumer struct {
	cfg     Config
	dial    Dialer
	admit   Admitter
	lock    Lock
	status  StatusReporter
	logger  *zap.Logger
	metrics *metrics.Collector

	newBackOff func() backoff.BackOff
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithDialer replaces the AMQP dialer.
func WithDialer(d Dialer) Option {
	return func(c *Consumer) { c.dial = d }
}

// WithStatusReporter sets the serving status hook.
func WithStatusReporter(s StatusReporter) Option {
	return func(c *Consumer) { c.status = s }
}

// WithBackOff replaces the reconnect backoff factory.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Consumer) { c.newBackOff = fn }
}

// NewConsumer 建立消費者
func NewConsumer(cfg Config, admit Admitter, lock Lock, logger *zap.Logger, m *metrics.Collector, opts ...Option) *Consumer {
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "runsh-" + uuid.NewString()
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 180 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{
		cfg:     cfg,
		dial:    DialAMQP,
		admit:   admit,
		lock:    lock,
		logger:  logger.Named("queue"),
		metrics: m,
	}
	c.newBackOff = func() backoff.BackOff {
		return retry.NewDoubling(c.cfg.ReconnectInitial, c.cfg.ReconnectMax)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Next blocks until one message has been accepted and returns its body.
// On return the PID lock is held and the broker connection is closed.
func (c *Consumer) Next(ctx context.Context) ([]byte, error) {
	var body []byte
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		b, err := c.session(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		body = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.RecordReconnect()
		c.logger.Warn("queue connection failed, reconnecting",
			zap.Error(err), zap.Duration("in", wait))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}

// session runs one connection until a message is accepted or the
// connection drops.
func (c *Consumer) session(ctx context.Context) ([]byte, error) {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := c.subscribe(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		c.disconnect(ch, conn)
		return nil, fmt.Errorf("failed to consume %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info("subscribed",
		zap.String("exchange", c.cfg.Exchange),
		zap.String("queue", c.cfg.Queue),
		zap.String("consumer", c.cfg.ConsumerTag))
	c.setServing(true)

	for {
		select {
		case <-ctx.Done():
			c.disconnect(ch, conn)
			return nil, ctx.Err()

		case amqpErr, ok := <-closed:
			c.setServing(false)
			if ok && amqpErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, amqpErr)
			}
			return nil, ErrConnectionClosed

		case d, ok := <-deliveries:
			if !ok {
				c.setServing(false)
				c.disconnect(ch, conn)
				return nil, ErrConnectionClosed
			}
			c.metrics.RecordMessage()

			err := c.handoff(ctx, ch, d)
			var rej *Rejection
			if errors.As(err, &rej) {
				c.metrics.RecordRejected(rej.Reason)
				c.logger.Warn("rejecting message", zap.String("reason", rej.Reason), zap.Error(rej.Err))
				if rerr := d.Reject(true); rerr != nil {
					c.logger.Error("failed to reject message", zap.Error(rerr))
				}
				continue
			}
			if err != nil {
				c.setServing(false)
				c.disconnect(ch, conn)
				return nil, err
			}

			c.setServing(false)
			c.disconnect(ch, conn)
			return d.Body, nil
		}
	}
}

// subscribe checks the exchange and queue exist, binds and limits
// prefetch to one.
func (c *Consumer) subscribe(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	fail := func(format string, err error) (Channel, error) {
		_ = ch.Close()
		return nil, fmt.Errorf(format, err)
	}

	if err := ch.ExchangeDeclarePassive(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fail("exchange "+c.cfg.Exchange+" unavailable: %w", err)
	}
	if _, err := ch.QueueDeclarePassive(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail("queue "+c.cfg.Queue+" unavailable: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.Queue, c.cfg.Exchange, false, nil); err != nil {
		return fail("failed to bind queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fail("failed to set prefetch: %w", err)
	}
	return ch, nil
}

// handoff admits the node, takes the lock, cancels the consumer and acks.
func (c *Consumer) handoff(ctx context.Context, ch Channel, d amqp.Delivery) error {
	if c.admit != nil {
		if err := c.admit.Admit(ctx); err != nil {
			return &Rejection{Reason: "node", Err: err}
		}
	}
	if err := c.lock.Acquire(); err != nil {
		return &Rejection{Reason: "lock", Err: err}
	}
	if err := ch.Cancel(c.cfg.ConsumerTag, false); err != nil {
		c.releaseLock()
		return &Rejection{Reason: "cancel", Err: err}
	}
	if err := d.Ack(false); err != nil {
		// 未確認的訊息會重新投遞給其他節點
		c.releaseLock()
		return fmt.Errorf("failed to ack message: %w", err)
	}
	c.logger.Info("message accepted", zap.Uint64("deliveryTag", d.DeliveryTag))
	return nil
}

func (c *Consumer) releaseLock() {
	if err := c.lock.Release(); err != nil {
		c.logger.Error("failed to release pid file", zap.Error(err))
	}
}

func (c *Consumer) disconnect(ch Channel, conn Connection) {
	if err := ch.Close(); err != nil {
		c.logger.Debug("channel close", zap.Error(err))
	}
	if err := conn.Close(); err != nil {
		c.logger.Debug("connection close", zap.Error(err))
	}
}

func (c *Consumer) setServing(serving bool) {
	if c.status != nil {
		c.status.SetServing(serving)
	}
}
