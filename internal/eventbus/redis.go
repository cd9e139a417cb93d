package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jarvis/internal/core"
)

// RedisConnector implements Connector on Redis. Queues are lists, the
// broadcast channel is the set of queue names bound to it, and an in-flight
// delivery sits in "<queue>.processing" until it is acknowledged.
type RedisConnector struct {
	identity string
	endpoint string
	opts     options
	client   *redis.Client
	logger   *slog.Logger

	mu        sync.Mutex
	closing   bool
	closed    bool
	consuming bool
	cancel    context.CancelFunc
	done      chan struct{}
	failed    chan error
}

// ConnectRedis dials Redis, binds the identity queue to the broadcast channel
// and requeues deliveries left unacknowledged by a previous consumer.
func ConnectRedis(ctx context.Context, redisOpts *redis.Options, identity string, opts ...Option) (*RedisConnector, error) {
	o := buildOptions(identity, opts)
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &core.ConnectionError{Endpoint: redisOpts.Addr, Err: err}
	}
	c := &RedisConnector{
		identity: identity,
		endpoint: redisOpts.Addr,
		opts:     o,
		client:   client,
		logger:   o.logger,
		failed:   make(chan error, 1),
	}
	if o.declareQueue {
		if err := c.declare(ctx); err != nil {
			_ = client.Close()
			return nil, &core.ConnectionError{Endpoint: redisOpts.Addr, Err: err}
		}
	}
	c.logger.Info("connected to broker", "endpoint", c.endpoint, "exchange", o.exchange)
	return c, nil
}

func (c *RedisConnector) bindingsKey() string { return c.opts.exchange + ":bindings" }

func (c *RedisConnector) queue() string { return QueueName(c.identity) }

func (c *RedisConnector) processing() string { return c.queue() + ".processing" }

func (c *RedisConnector) declare(ctx context.Context) error {
	if err := c.client.SAdd(ctx, c.bindingsKey(), c.queue()).Err(); err != nil {
		return fmt.Errorf("bind %s: %w", c.queue(), err)
	}
	recovered := 0
	for {
		err := c.client.LMove(ctx, c.processing(), c.queue(), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("recover %s: %w", c.processing(), err)
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Warn("requeued unacknowledged deliveries", "count", recovered)
	}
	return nil
}

// Identity returns the agent identity this connector serves.
func (c *RedisConnector) Identity() string { return c.identity }

func (c *RedisConnector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// PublishBroadcast pushes the event onto every queue bound to the broadcast channel.
func (c *RedisConnector) PublishBroadcast(ctx context.Context, ev core.BroadcastEvent) error {
	target := c.opts.exchange
	if c.isClosed() {
		return &core.PublishError{Target: target, Err: core.ErrClosed}
	}
	body, err := core.EncodeEvent(ev)
	if err != nil {
		return &core.PublishError{Target: target, Err: err}
	}
	queues, err := c.client.SMembers(ctx, c.bindingsKey()).Result()
	if err != nil {
		return &core.PublishError{Target: target, Err: err}
	}
	if len(queues) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, q := range queues {
		pipe.LPush(ctx, q, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &core.PublishError{Target: target, Err: err}
	}
	c.logger.Debug("broadcast published", "event_type", ev.Type, "subscribers", len(queues))
	return nil
}

// SendDirect pushes the message onto the recipient's queue. The list holds it
// until a consumer for that identity appears.
func (c *RedisConnector) SendDirect(ctx context.Context, msg core.DirectMessage) error {
	target := QueueName(msg.To)
	if c.isClosed() {
		return &core.PublishError{Target: target, Err: core.ErrClosed}
	}
	body, err := core.EncodeMessage(msg)
	if err != nil {
		return &core.PublishError{Target: target, Err: err}
	}
	if err := c.client.LPush(ctx, target, body).Err(); err != nil {
		return &core.PublishError{Target: target, Err: err}
	}
	c.logger.Debug("direct message sent", "to", msg.To, "kind", msg.Kind)
	return nil
}

// Consume starts the single delivery loop for this identity.
func (c *RedisConnector) Consume(ctx context.Context, h Handler) error {
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
	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.consuming = true
	go c.consumeLoop(cctx, h)
	c.logger.Info("consuming", "queue", c.queue())
	return nil
}

// Failed reports a broker that stayed unreachable for longer than the
// configured outage.
func (c *RedisConnector) Failed() <-chan error { return c.failed }

func (c *RedisConnector) consumeLoop(ctx context.Context, h Handler) {
	defer close(c.done)
	var failingSince time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		body, err := c.client.BRPopLPush(ctx, c.queue(), c.processing(), c.opts.pollInterval).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				failingSince = time.Time{}
				continue
			}
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if failingSince.IsZero() {
				failingSince = time.Now()
			}
			if outage := time.Since(failingSince); outage >= c.opts.maxOutage {
				c.logger.Error("broker unreachable, consumer giving up", "error", err, "outage", outage.Round(time.Millisecond))
				c.failed <- &core.ConnectionError{Endpoint: c.endpoint, Err: err}
				return
			}
			c.logger.Warn("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(min(time.Second, c.opts.maxOutage)):
			}
			continue
		}
		failingSince = time.Time{}
		c.deliver(ctx, h, body)
	}
}

// deliver runs the handler detached from the receive loop's cancellation so
// a handler already in progress can finish its own sends during Close.
func (c *RedisConnector) deliver(ctx context.Context, h Handler, body string) {
	ackCtx := context.WithoutCancel(ctx)
	if err := safeHandle(ackCtx, h, []byte(body)); err != nil {
		c.logger.Error("handler failed, dead-lettering", "error", err, "dlq", DeadLetterQueueName(c.identity))
		if err := c.client.LPush(ackCtx, DeadLetterQueueName(c.identity), body).Err(); err != nil {
			c.logger.Error("dead-letter failed", "error", err)
		}
	}
	if err := c.client.LRem(ackCtx, c.processing(), 1, body).Err(); err != nil {
		c.logger.Error("ack failed", "error", err)
	}
}

// Close stops receiving, waits for the in-flight handler and releases the
// connection. Publishing keeps working until that handler returns. Calling it
// again is a no-op.
func (c *RedisConnector) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.logger.Info("connection closed")
	return c.client.Close()
}

var _ Connector = (*RedisConnector)(nil)
