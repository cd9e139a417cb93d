package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jarvis/internal/core"
)

// DefaultExchange is the logical name of the broadcast channel.
const DefaultExchange = "jarvis.events"

// Handler receives one raw delivery. A non-nil error dead-letters the message;
// the delivery is acknowledged either way.
type Handler func(ctx context.Context, body []byte) error

// Connector owns one broker connection for one agent identity.
type Connector interface {
	Identity() string
	PublishBroadcast(ctx context.Context, event core.BroadcastEvent) error
	SendDirect(ctx context.Context, msg core.DirectMessage) error
	Consume(ctx context.Context, h Handler) error
	// Failed delivers one *core.ConnectionError when the transport is lost
	// outside Close. It never fires after Close.
	Failed() <-chan error
	Close() error
}

// QueueName returns the durable queue bound for identity.
func QueueName(identity string) string { return identity + ".queue" }

// DeadLetterQueueName returns where failed deliveries for identity are parked.
func DeadLetterQueueName(identity string) string { return identity + ".dlq" }

type options struct {
	exchange     string
	declareQueue bool
	pollInterval time.Duration
	maxOutage    time.Duration
	logger       *slog.Logger
}

// Option configures a connector.
type Option func(*options)

// WithExchange overrides the broadcast channel name.
func WithExchange(name string) Option { return func(o *options) { o.exchange = name } }

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithoutQueue makes a send-only connector: no identity queue is declared or
// bound and Consume fails.
func WithoutQueue() Option { return func(o *options) { o.declareQueue = false } }

// WithMaxOutage sets how long a Redis consumer keeps retrying a failing
// broker before it reports the connection lost.
func WithMaxOutage(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxOutage = d
		}
	}
}

// WithPollInterval bounds how long a Redis consumer blocks before re-checking
// for shutdown.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func buildOptions(identity string, opts []Option) options {
	o := options{
		exchange:     DefaultExchange,
		declareQueue: true,
		pollInterval: time.Second,
		maxOutage:    30 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "eventbus", "identity", identity)
	return o
}

// safeHandle runs h, turning a panic into an error so the consumer loop survives.
func safeHandle(ctx context.Context, h Handler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, body)
}
