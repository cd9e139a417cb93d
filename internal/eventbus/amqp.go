package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"jarvis/internal/core"
)

// AMQPConnector implements Connector on an AMQP 0-9-1 broker: a durable
// fanout exchange, one durable queue per identity bound to it, and direct
// sends through the default exchange keyed by queue name.
type AMQPConnector struct {
	identity string
	endpoint string
	opts     options
	conn     *amqp.Connection
	ch       *amqp.Channel
	logger   *slog.Logger

	pubMu sync.Mutex

	mu        sync.Mutex
	closing   bool
	closed    bool
	consuming bool
	tag       string
	done      chan struct{}
	failed    chan error
}

// ConnectAMQP dials the broker and declares the exchange and identity queues.
func ConnectAMQP(ctx context.Context, endpoint, identity string, opts ...Option) (*AMQPConnector, error) {
	o := buildOptions(identity, opts)
	redacted := redactURL(endpoint)
	if err := ctx.Err(); err != nil {
		return nil, &core.ConnectionError{Endpoint: redacted, Err: err}
	}
	conn, err := amqp.Dial(endpoint)
	if err != nil {
		return nil, &core.ConnectionError{Endpoint: redacted, Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &core.ConnectionError{Endpoint: redacted, Err: err}
	}
	c := &AMQPConnector{
		identity: identity,
		endpoint: redacted,
		opts:     o,
		conn:     conn,
		ch:       ch,
		logger:   o.logger,
		failed:   make(chan error, 1),
	}
	if err := c.declare(); err != nil {
		_ = conn.Close()
		return nil, &core.ConnectionError{Endpoint: redacted, Err: err}
	}
	go c.watch(
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		ch.NotifyClose(make(chan *amqp.Error, 1)),
	)
	c.logger.Info("connected to broker", "endpoint", redacted, "exchange", o.exchange)
	return c, nil
}

func (c *AMQPConnector) declare() error {
	if err := c.ch.ExchangeDeclare(c.opts.exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.opts.exchange, err)
	}
	if !c.opts.declareQueue {
		return nil
	}
	q, err := c.ch.QueueDeclare(QueueName(c.identity), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, "", c.opts.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	if _, err := c.ch.QueueDeclare(DeadLetterQueueName(c.identity), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	// one unacknowledged delivery at a time keeps handling serial
	return c.ch.Qos(1, 0, false)
}

// watch turns a broker-side close of the connection or channel into a
// Failed notification. A graceful close delivers nil on both.
func (c *AMQPConnector) watch(connClosed, chClosed <-chan *amqp.Error) {
	var aerr *amqp.Error
	select {
	case aerr = <-connClosed:
	case aerr = <-chClosed:
	}
	if aerr == nil || c.isClosing() {
		return
	}
	c.logger.Error("broker connection lost", "code", aerr.Code, "reason", aerr.Reason, "server", aerr.Server)
	c.failed <- &core.ConnectionError{Endpoint: c.endpoint, Err: aerr}
}

// Identity returns the agent identity this connector serves.
func (c *AMQPConnector) Identity() string { return c.identity }

// Failed reports a connection or channel closed by the broker or the network.
func (c *AMQPConnector) Failed() <-chan error { return c.failed }

func (c *AMQPConnector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *AMQPConnector) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *AMQPConnector) publish(ctx context.Context, exchange, key, id string, body []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Body:         body,
	})
}

// PublishBroadcast publishes to the fanout exchange; the routing key is ignored.
func (c *AMQPConnector) PublishBroadcast(ctx context.Context, ev core.BroadcastEvent) error {
	if c.isClosed() {
		return &core.PublishError{Target: c.opts.exchange, Err: core.ErrClosed}
	}
	body, err := core.EncodeEvent(ev)
	if err != nil {
		return &core.PublishError{Target: c.opts.exchange, Err: err}
	}
	if err := c.publish(ctx, c.opts.exchange, "", ev.ID, body); err != nil {
		return &core.PublishError{Target: c.opts.exchange, Err: err}
	}
	c.logger.Debug("broadcast published", "event_type", ev.Type)
	return nil
}

// SendDirect publishes through the default exchange with the recipient queue as key.
func (c *AMQPConnector) SendDirect(ctx context.Context, msg core.DirectMessage) error {
	target := QueueName(msg.To)
	if c.isClosed() {
		return &core.PublishError{Target: target, Err: core.ErrClosed}
	}
	body, err := core.EncodeMessage(msg)
	if err != nil {
		return &core.PublishError{Target: target, Err: err}
	}
	if err := c.publish(ctx, "", target, msg.ID, body); err != nil {
		return &core.PublishError{Target: target, Err: err}
	}
	c.logger.Debug("direct message sent", "to", msg.To, "kind", msg.Kind)
	return nil
}

// Consume registers a manual-ack consumer on the identity queue.
func (c *AMQPConnector) Consume(ctx context.Context, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closing:
		return &core.ConnectionError{Endpoint: c.endpoint, Err: core.ErrClosed}
	case !c.opts.declareQueue:
		return errors.New("consume on a send-only connector")
	case c.consuming:
		return errors.New("already consuming")
	}
	c.tag = c.identity + "-" + uuid.NewString()
	deliveries, err := c.ch.Consume(QueueName(c.identity), c.tag, false, false, false, false, nil)
	if err != nil {
		return &core.ConnectionError{Endpoint: c.endpoint, Err: err}
	}
	c.done = make(chan struct{})
	c.consuming = true
	go c.consumeLoop(ctx, deliveries, h)
	c.logger.Info("consuming", "queue", QueueName(c.identity))
	return nil
}

func (c *AMQPConnector) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, h Handler) {
	defer close(c.done)
	// handlers finish their own sends even when ctx is cancelled mid-delivery
	hctx := context.WithoutCancel(ctx)
	for d := range deliveries {
		if err := safeHandle(hctx, h, d.Body); err != nil {
			c.logger.Error("handler failed, dead-lettering", "error", err, "dlq", DeadLetterQueueName(c.identity))
			if err := c.publish(hctx, "", DeadLetterQueueName(c.identity), d.MessageId, d.Body); err != nil {
				c.logger.Error("dead-letter failed", "error", err)
			}
		}
		if err := d.Ack(false); err != nil {
			c.logger.Error("ack failed", "error", err)
		}
	}
	if !c.isClosing() {
		c.logger.Error("delivery channel closed by broker", "queue", QueueName(c.identity))
	}
}

// Close cancels the consumer, waits for the in-flight handler and closes the
// connection. Publishing keeps working until that handler returns. Calling it
// again is a no-op.
func (c *AMQPConnector) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	consuming, tag, done := c.consuming, c.tag, c.done
	c.mu.Unlock()

	if consuming {
		if err := c.ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("cancel consumer", "error", err)
		}
		<-done
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.ch.Close()
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	c.logger.Info("connection closed")
	return nil
}

var _ Connector = (*AMQPConnector)(nil)
