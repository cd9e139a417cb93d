// Package orchestrator supervises the agent fleet: it tracks roster liveness
// from consumed broadcasts, alarms on silent agents and dispatches workflows.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jarvis/internal/agent"
	"jarvis/internal/core"
	"jarvis/internal/workflow"
)

// DefaultRoster is the set of agents expected by default.
var DefaultRoster = []string{
	"photo-agent",
	"marketing-agent",
	"social-media-agent",
	"crm-agent",
	"calendar-agent",
	"finance-agent",
	"task-agent",
}

// SystemStatus is the orchestrator's own state.
type SystemStatus string

const (
	SystemStarting SystemStatus = "starting"
	SystemRunning  SystemStatus = "running"
	SystemStopping SystemStatus = "stopping"
	SystemStopped  SystemStatus = "stopped"
)

// Config holds orchestrator settings.
type Config struct {
	Identity         string
	Endpoint         string
	Roster           []string
	HealthInterval   time.Duration
	SilenceThreshold time.Duration
	Catalog          workflow.Catalog
}

// Report is the full system status.
type Report struct {
	SystemStatus  SystemStatus  `json:"system_status"`
	StartTime     time.Time     `json:"start_time"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	UptimeHuman   string        `json:"uptime_human"`
	Agents        []AgentRecord `json:"agents"`
	Summary       Summary       `json:"agents_summary"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Orchestrator is an agent runtime whose handler maintains the registry.
type Orchestrator struct {
	cfg        Config
	runtime    *agent.Runtime
	registry   *Registry
	monitor    *HealthMonitor
	dispatcher *workflow.Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	status    SystemStatus
	startedAt time.Time
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	now         func() time.Time
	runtimeOpts []agent.Option
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock replaces time.Now for the registry, monitor and runtime.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithRuntimeOptions are passed to the embedded agent runtime.
func WithRuntimeOptions(opts ...agent.Option) Option {
	return func(o *options) { o.runtimeOpts = append(o.runtimeOpts, opts...) }
}

// New wires the runtime, registry, health monitor and dispatcher.
func New(cfg Config, opts ...Option) *Orchestrator {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if cfg.Identity == "" {
		cfg.Identity = "orchestrator"
	}
	if cfg.Roster == nil {
		cfg.Roster = DefaultRoster
	}
	logger := o.logger.With("component", "orchestrator")

	orc := &Orchestrator{
		cfg:      cfg,
		registry: NewRegistry(cfg.Roster, logger),
		logger:   logger,
		now:      o.now,
		status:   SystemStarting,
	}
	rtOpts := append([]agent.Option{agent.WithLogger(o.logger), agent.WithClock(o.now)}, o.runtimeOpts...)
	orc.runtime = agent.New(cfg.Identity, cfg.Endpoint, orc, rtOpts...)
	orc.dispatcher = workflow.NewDispatcher(orc.runtime, cfg.Catalog, o.logger)
	orc.monitor = NewHealthMonitor(orc.registry, orc.runtime, o.logger,
		WithInterval(cfg.HealthInterval),
		WithThreshold(cfg.SilenceThreshold),
		WithMonitorClock(o.now),
		WithStats(orc.stats),
	)
	return orc
}

// Registry exposes read access to agent records.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Runtime returns the embedded agent runtime.
func (o *Orchestrator) Runtime() *agent.Runtime { return o.runtime }

func (o *Orchestrator) setStatus(s SystemStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = s
}

// OnEvent updates the registry from every consumed broadcast.
func (o *Orchestrator) OnEvent(ctx context.Context, ev core.BroadcastEvent) error {
	rostered := o.registry.Observe(ev, o.now())
	switch {
	case ev.Type.Lifecycle() || ev.Type == core.EventSystemError:
		o.logger.Info("event received", "event_type", ev.Type, "source", ev.Source, "rostered", rostered)
	case !rostered && ev.Source != o.cfg.Identity:
		o.logger.Debug("event from unknown agent", "event_type", ev.Type, "source", ev.Source)
	}
	return nil
}

// ExecuteTask runs a distributed task: the task type names a workflow.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task core.Task) (core.TaskResult, error) {
	h, err := o.Dispatch(ctx, string(task.Type()), task.Params())
	if err != nil {
		o.logger.Warn("distributed task failed", "task_type", task.Type(), "error", err)
	}
	return h.Result(), nil
}

// Dispatch sends the steps of a named workflow.
func (o *Orchestrator) Dispatch(ctx context.Context, name string, params map[string]any) (workflow.Handle, error) {
	return o.dispatcher.Dispatch(ctx, name, params)
}

// Run starts the runtime, announces the system and sweeps until ctx is done.
// A connection failure is returned without retry.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.startedAt = o.now()
	o.status = SystemStarting
	o.mu.Unlock()
	o.logger.Info("starting orchestrator", "roster", o.registry.Roster())

	err := o.runtime.Run(ctx, func(ctx context.Context) error {
		o.setStatus(SystemRunning)
		err := o.runtime.PublishBroadcast(ctx, core.EventSystemStarted, map[string]any{
			"start_time":      o.startedAt.UTC().Format(time.RFC3339Nano),
			"expected_agents": o.registry.Roster(),
		})
		if err != nil {
			o.logger.Error("publish system.started failed", "error", err)
		}
		defer o.announceStopping(ctx)
		return o.monitor.Run(ctx)
	})
	o.setStatus(SystemStopped)
	o.logger.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) announceStopping(ctx context.Context) {
	o.setStatus(SystemStopping)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := o.runtime.PublishBroadcast(pctx, core.EventSystemStopping, map[string]any{
		"stop_time": o.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		o.logger.Warn("publish system.stopping failed", "error", err)
	}
}

// Status returns the full system status report.
func (o *Orchestrator) Status() Report {
	o.mu.RLock()
	status, started := o.status, o.startedAt
	o.mu.RUnlock()
	now := o.now()
	uptime := time.Duration(0)
	if !started.IsZero() {
		uptime = now.Sub(started)
	}
	return Report{
		SystemStatus:  status,
		StartTime:     started,
		UptimeSeconds: uptime.Seconds(),
		UptimeHuman:   fmt.Sprintf("%dh %dm", int(uptime.Hours()), int(uptime.Minutes())%60),
		Agents:        o.registry.Snapshot(),
		Summary:       o.registry.Summary(),
		Timestamp:     now,
	}
}

func (o *Orchestrator) stats() map[string]any {
	r := o.Status()
	return map[string]any{
		"system_status":   string(r.SystemStatus),
		"uptime_seconds":  r.UptimeSeconds,
		"agents":          r.Agents,
		"agents_online":   r.Summary.Online,
		"agents_expected": r.Summary.Total,
		"timestamp":       r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
