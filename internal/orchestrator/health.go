package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"jarvis/internal/core"
)

const (
	DefaultHealthInterval   = 30 * time.Second
	DefaultSilenceThreshold = 300 * time.Second
)

// Publisher broadcasts an event. *agent.Runtime satisfies it.
type Publisher interface {
	PublishBroadcast(ctx context.Context, eventType core.EventType, payload map[string]any) error
}

// HealthMonitor periodically sweeps the registry for silent agents and
// republishes aggregate stats.
type HealthMonitor struct {
	registry  *Registry
	publisher Publisher
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	stats     func() map[string]any
	logger    *slog.Logger
}

// MonitorOption configures a HealthMonitor.
type MonitorOption func(*HealthMonitor)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithThreshold sets the silence threshold.
func WithThreshold(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithMonitorClock replaces time.Now.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *HealthMonitor) { m.now = now }
}

// WithStats sets the system.stats payload provider.
func WithStats(f func() map[string]any) MonitorOption {
	return func(m *HealthMonitor) { m.stats = f }
}

// NewHealthMonitor returns a monitor with the default interval and threshold.
func NewHealthMonitor(reg *Registry, pub Publisher, logger *slog.Logger, opts ...MonitorOption) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &HealthMonitor{
		registry:  reg,
		publisher: pub,
		interval:  DefaultHealthInterval,
		threshold: DefaultSilenceThreshold,
		now:       time.Now,
		logger:    logger.With("component", "health"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.stats == nil {
		m.stats = func() map[string]any {
			s := reg.Summary()
			return map[string]any{
				"agents":          reg.Snapshot(),
				"agents_online":   s.Online,
				"agents_expected": s.Total,
			}
		}
	}
	return m
}

// Sweep runs one health pass and returns the alarms it raised.
func (m *HealthMonitor) Sweep(ctx context.Context) []Alarm {
	alarms := m.registry.sweep(m.now(), m.threshold)
	for _, a := range alarms {
		m.logger.Warn("agent unresponsive", "agent", a.Identity, "silence", a.Silence.Round(time.Second))
		err := m.publisher.PublishBroadcast(ctx, core.EventAgentUnresponsive, map[string]any{
			"identity":         a.Identity,
			"agent_name":       a.Identity,
			"silence_duration": a.Silence.Seconds(),
		})
		if err != nil {
			m.logger.Error("publish alarm failed", "agent", a.Identity, "error", err)
		}
	}
	if err := m.publisher.PublishBroadcast(ctx, core.EventSystemStats, m.stats()); err != nil {
		m.logger.Error("publish stats failed", "error", err)
	}
	return alarms
}

// Run sweeps immediately and then on every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("health monitor started", "interval", m.interval, "threshold", m.threshold)
	for {
		if ctx.Err() != nil {
			return nil
		}
		m.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
