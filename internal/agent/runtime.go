// Package agent implements the runtime every worker process embeds: broker
// lifecycle, decoding and dispatch of deliveries to a core.Handler, and
// stamped publishing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"jarvis/internal/core"
	"jarvis/internal/eventbus"
)

// DialFunc opens a connector; eventbus.Dial is the default.
type DialFunc func(ctx context.Context, endpoint, identity string, opts ...eventbus.Option) (eventbus.Connector, error)

// Runtime drives one agent identity through
// created → connected → consuming → running → stopping → stopped.
type Runtime struct {
	identity    string
	endpoint    string
	handler     core.Handler
	dial        DialFunc
	connOpts    []eventbus.Option
	logger      *slog.Logger
	now         func() time.Time
	stopTimeout time.Duration

	lc *lifecycle

	// dialMu serializes Connect so concurrent callers cannot both dial.
	dialMu sync.Mutex

	mu   sync.RWMutex
	conn eventbus.Connector
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDialer replaces eventbus.Dial.
func WithDialer(d DialFunc) Option { return func(r *Runtime) { r.dial = d } }

// WithClock replaces time.Now for stamping.
func WithClock(now func() time.Time) Option { return func(r *Runtime) { r.now = now } }

// WithConnectorOptions are passed to the dialer.
func WithConnectorOptions(opts ...eventbus.Option) Option {
	return func(r *Runtime) { r.connOpts = append(r.connOpts, opts...) }
}

// WithStopTimeout bounds the agent.stopped publish during shutdown.
func WithStopTimeout(d time.Duration) Option { return func(r *Runtime) { r.stopTimeout = d } }

// New creates a runtime for identity that will dial endpoint and dispatch to h.
func New(identity, endpoint string, h core.Handler, opts ...Option) *Runtime {
	r := &Runtime{
		identity:    identity,
		endpoint:    endpoint,
		handler:     h,
		dial:        eventbus.Dial,
		logger:      slog.Default(),
		now:         time.Now,
		stopTimeout: 5 * time.Second,
		lc:          newLifecycle(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("identity", identity)
	r.connOpts = append([]eventbus.Option{eventbus.WithLogger(r.logger)}, r.connOpts...)
	return r
}

// Identity returns the agent identity.
func (r *Runtime) Identity() string { return r.identity }

// State returns the current lifecycle state.
func (r *Runtime) State() State { return r.lc.state() }

func (r *Runtime) connector() eventbus.Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

// Connect opens the broker connection. A failure is a *core.ConnectionError
// and leaves the runtime in the created state.
func (r *Runtime) Connect(ctx context.Context) error {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()
	if err := r.lc.check(triggerConnect); err != nil {
		return err
	}
	conn, err := r.dial(ctx, r.endpoint, r.identity, r.connOpts...)
	if err != nil {
		r.logger.Error("broker connection failed", "error", err)
		if !errors.Is(err, core.ErrConnection) {
			err = &core.ConnectionError{Endpoint: r.endpoint, Err: err}
		}
		return err
	}
	r.mu.Lock()
	if _, err := r.lc.fire(triggerConnect); err != nil {
		// stopped while dialing
		r.mu.Unlock()
		_ = conn.Close()
		return err
	}
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// StartConsuming registers the dispatch handler.
func (r *Runtime) StartConsuming(ctx context.Context) error {
	if err := r.lc.check(triggerConsume); err != nil {
		return err
	}
	if err := r.connector().Consume(ctx, r.dispatch); err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	_, err := r.lc.fire(triggerConsume)
	return err
}

// Announce publishes agent.started and enters the running state.
func (r *Runtime) Announce(ctx context.Context) error {
	if err := r.lc.check(triggerAnnounce); err != nil {
		return err
	}
	err := r.PublishBroadcast(ctx, core.EventAgentStarted, map[string]any{
		"agent_name": r.identity,
		"status":     "online",
	})
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	_, err = r.lc.fire(triggerAnnounce)
	r.logger.Info("agent running")
	return err
}

// Start connects, starts consuming and announces.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.StartConsuming(ctx); err != nil {
		return err
	}
	return r.Announce(ctx)
}

// Run starts the runtime, runs loop and always stops afterwards, including
// when loop panics. A nil loop blocks until ctx is done. If the connector
// reports its transport lost, loop's context is cancelled and Run returns
// that *core.ConnectionError.
func (r *Runtime) Run(ctx context.Context, loop func(ctx context.Context) error) (err error) {
	defer func() {
		if stopErr := r.Stop(context.WithoutCancel(ctx)); err == nil {
			err = stopErr
		}
	}()
	if err := r.Start(ctx); err != nil {
		return err
	}
	if loop == nil {
		loop = func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan error, 1)
	go func(failed <-chan error) {
		select {
		case err := <-failed:
			r.logger.Error("broker connection lost, stopping agent", "error", err)
			lost <- err
			cancel()
		case <-lctx.Done():
		}
	}(r.connector().Failed())

	loopErr := loop(lctx)
	select {
	case err := <-lost:
		return err
	default:
		return loopErr
	}
}

// Stop publishes agent.stopped when connected and releases the connection.
// Only the first call has an effect.
func (r *Runtime) Stop(ctx context.Context) error {
	from, err := r.lc.fire(triggerStop)
	if err != nil {
		return nil
	}
	r.logger.Info("stopping agent", "from", from)
	var closeErr error
	if conn := r.connector(); conn != nil {
		pctx, cancel := context.WithTimeout(ctx, r.stopTimeout)
		err := r.PublishBroadcast(pctx, core.EventAgentStopped, map[string]any{
			"agent_name": r.identity,
			"status":     "offline",
		})
		cancel()
		if err != nil {
			r.logger.Warn("agent.stopped not published", "error", err)
		}
		closeErr = conn.Close()
	}
	if _, err := r.lc.fire(triggerRelease); err != nil {
		return err
	}
	r.logger.Info("agent stopped")
	return closeErr
}

// PublishBroadcast stamps source and timestamp and publishes the event.
func (r *Runtime) PublishBroadcast(ctx context.Context, eventType core.EventType, payload map[string]any) error {
	conn := r.connector()
	if conn == nil {
		return &core.PublishError{Target: string(eventType), Err: core.ErrNotConnected}
	}
	return conn.PublishBroadcast(ctx, core.BroadcastEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    r.identity,
		Timestamp: r.now().UTC(),
		Payload:   payload,
	})
}

// SendDirect stamps sender and timestamp and delivers payload to one identity.
func (r *Runtime) SendDirect(ctx context.Context, to string, kind core.MessageKind, payload map[string]any) error {
	conn := r.connector()
	if conn == nil {
		return &core.PublishError{Target: eventbus.QueueName(to), Err: core.ErrNotConnected}
	}
	return conn.SendDirect(ctx, core.DirectMessage{
		ID:        uuid.NewString(),
		Kind:      kind,
		From:      r.identity,
		To:        to,
		Timestamp: r.now().UTC(),
		Payload:   payload,
	})
}

// SendTask sends a task_request to one identity.
func (r *Runtime) SendTask(ctx context.Context, to string, task core.Task) error {
	return r.SendDirect(ctx, to, core.KindTaskRequest, task)
}

// dispatch decodes one delivery and routes it to the handler. Undecodable
// deliveries are dropped; handler failures are returned for dead-lettering.
func (r *Runtime) dispatch(ctx context.Context, body []byte) error {
	env, err := core.Decode(body)
	if err != nil {
		r.logger.Warn("dropping undecodable message", "error", err, "bytes", len(body))
		return nil
	}
	switch {
	case env.Event != nil:
		ev := *env.Event
		r.logger.Debug("event received", "event_type", ev.Type, "source", ev.Source)
		if err := r.handler.OnEvent(ctx, ev); err != nil {
			return fmt.Errorf("on_event %s from %s: %w", ev.Type, ev.Source, err)
		}
	case env.Message.Kind.IsTask():
		return r.executeTask(ctx, *env.Message)
	default:
		msg := *env.Message
		mh, ok := r.handler.(core.MessageHandler)
		if !ok {
			r.logger.Debug("ignoring direct message", "kind", msg.Kind, "from", msg.From)
			return nil
		}
		if err := mh.OnMessage(ctx, msg); err != nil {
			return fmt.Errorf("on_message %s from %s: %w", msg.Kind, msg.From, err)
		}
	}
	return nil
}

func (r *Runtime) executeTask(ctx context.Context, msg core.DirectMessage) error {
	task := core.Task(msg.Payload)
	start := r.now()
	res, err := r.handler.ExecuteTask(ctx, task)
	if err != nil {
		r.logger.Error("task execution failed", "task_type", task.Type(), "from", msg.From, "error", err)
		return fmt.Errorf("%w: %s: %v", core.ErrTaskExecution, task.Type(), err)
	}
	r.logger.Info("task executed",
		"task_type", task.Type(),
		"from", msg.From,
		"status", res.Status,
		"duration", r.now().Sub(start),
	)
	return nil
}
