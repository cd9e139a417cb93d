package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/internal/core"
)

type published struct {
	typ     core.EventType
	payload map[string]any
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
}

func (f *fakePublisher) PublishBroadcast(ctx context.Context, typ core.EventType, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{typ: typ, payload: payload})
	return f.err
}

func (f *fakePublisher) count(typ core.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.sent {
		if p.typ == typ {
			n++
		}
	}
	return n
}

func (f *fakePublisher) last(typ core.EventType) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].typ == typ {
			return f.sent[i].payload
		}
	}
	return nil
}

func TestSweepPublishesAlarmAndStats(t *testing.T) {
	reg := NewRegistry([]string{"photo-agent", "marketing-agent"}, nil)
	reg.Observe(event(core.EventAgentStarted, "photo-agent"), t0)
	now := t0.Add(301 * time.Second)
	pub := &fakePublisher{}
	m := NewHealthMonitor(reg, pub, nil,
		WithThreshold(300*time.Second),
		WithMonitorClock(func() time.Time { return now }))

	alarms := m.Sweep(context.Background())
	require.Len(t, alarms, 1)
	assert.Equal(t, 1, pub.count(core.EventAgentUnresponsive))
	alarm := pub.last(core.EventAgentUnresponsive)
	assert.Equal(t, "photo-agent", alarm["identity"])
	assert.Equal(t, 301.0, alarm["silence_duration"])

	stats := pub.last(core.EventSystemStats)
	require.NotNil(t, stats)
	assert.Equal(t, 0, stats["agents_online"])
	assert.Equal(t, 2, stats["agents_expected"])

	assert.Empty(t, m.Sweep(context.Background()))
	assert.Equal(t, 1, pub.count(core.EventAgentUnresponsive))
	assert.Equal(t, 2, pub.count(core.EventSystemStats))
}

func TestSweepSurvivesPublishFailure(t *testing.T) {
	reg := NewRegistry([]string{"crm-agent"}, nil)
	reg.Observe(event(core.EventAgentStarted, "crm-agent"), t0)
	pub := &fakePublisher{err: errors.New("broker down")}
	m := NewHealthMonitor(reg, pub, nil,
		WithMonitorClock(func() time.Time { return t0.Add(time.Hour) }))

	alarms := m.Sweep(context.Background())
	assert.Len(t, alarms, 1)
	assert.Equal(t, StatusUnresponsive, status(t, reg, "crm-agent"))
	assert.Equal(t, 1, pub.count(core.EventSystemStats))
}

func TestMonitorRunSweepsUntilCancelled(t *testing.T) {
	reg := NewRegistry([]string{"crm-agent"}, nil)
	pub := &fakePublisher{}
	m := NewHealthMonitor(reg, pub, nil, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return pub.count(core.EventSystemStats) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestNonPositiveOptionsKeepDefaults(t *testing.T) {
	m := NewHealthMonitor(NewRegistry(nil, nil), &fakePublisher{}, nil, WithInterval(0), WithThreshold(-time.Second))
	assert.Equal(t, DefaultHealthInterval, m.interval)
	assert.Equal(t, DefaultSilenceThreshold, m.threshold)
}
