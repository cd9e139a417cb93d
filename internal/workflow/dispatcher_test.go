package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/internal/agent"
	"jarvis/internal/core"
	"jarvis/internal/eventbus"
)

type sent struct {
	to   string
	task core.Task
}

type fakeSender struct {
	failOn int // 1-based call number that fails; 0 never fails
	calls  int
	sent   []sent
}

func (f *fakeSender) SendDirect(ctx context.Context, to string, kind core.MessageKind, payload map[string]any) error {
	f.calls++
	if f.calls == f.failOn {
		return &core.PublishError{Target: to, Err: errors.New("broker went away")}
	}
	f.sent = append(f.sent, sent{to: to, task: core.Task(payload)})
	return nil
}

func TestClientOnboardingSendsThreeSteps(t *testing.T) {
	fs := &fakeSender{}
	d := NewDispatcher(fs, nil, nil)

	h, err := d.Dispatch(context.Background(), ClientOnboarding, map[string]any{"name": "Ana"})
	require.NoError(t, err)
	assert.Equal(t, core.TaskInitiated, h.Status)
	assert.NotEmpty(t, h.ID)

	require.Len(t, fs.sent, 3)
	assert.Equal(t, []string{"crm-agent", "photo-agent", "calendar-agent"}, []string{fs.sent[0].to, fs.sent[1].to, fs.sent[2].to})
	assert.Equal(t, core.TaskType("register_client"), fs.sent[0].task.Type())
	assert.Equal(t, map[string]any{"name": "Ana"}, fs.sent[0].task["client_data"])
	assert.Equal(t, "Ana", fs.sent[1].task.String("client_name"))
	assert.Equal(t, core.TaskType("schedule_consultation"), fs.sent[2].task.Type())
	for _, s := range fs.sent {
		assert.Equal(t, h.ID, s.task.String("workflow_id"))
	}
}

func TestFailedStepDoesNotRollBack(t *testing.T) {
	fs := &fakeSender{failOn: 2}
	d := NewDispatcher(fs, nil, nil)

	h, err := d.Dispatch(context.Background(), ClientOnboarding, map[string]any{"client_data": map[string]any{"name": "Ana"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPublish)
	assert.Equal(t, core.TaskError, h.Status)

	assert.Equal(t, []string{"crm-agent", "calendar-agent"}, h.Sent)
	require.Len(t, h.Failures, 1)
	assert.Equal(t, "photo-agent", h.Failures[0].Target)
	assert.Contains(t, h.Message, "photo-agent")
	assert.NotContains(t, h.Message, "crm-agent")
	assert.NotContains(t, h.Message, "calendar-agent")

	res := h.Result().Map()
	assert.Equal(t, "error", res["status"])
	assert.Equal(t, []string{"photo-agent"}, res["failed"])
}

func TestUnknownWorkflow(t *testing.T) {
	fs := &fakeSender{}
	h, err := NewDispatcher(fs, nil, nil).Dispatch(context.Background(), "launch_rocket", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
	assert.Equal(t, core.TaskError, h.Status)
	assert.Zero(t, fs.calls)
}

func TestPlanDefaults(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, nil, nil)

	steps, err := d.Plan(PhotoWorkflow, nil, "wf-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "/app/photos", steps[0].Task.String("path"))
	assert.Equal(t, "social-media-agent", steps[2].Target)

	steps, err = d.Plan(MarketingCampaign, map[string]any{"campaign_data": map[string]any{"season": "summer"}}, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"marketing-agent", "social-media-agent", "crm-agent"},
		[]string{steps[0].Target, steps[1].Target, steps[2].Target})
	assert.Equal(t, map[string]any{"season": "summer"}, steps[2].Task["campaign_data"])
}

func TestDispatchOverBroker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	rt := agent.New("orchestrator", "redis://"+mr.Addr(), nil,
		agent.WithConnectorOptions(eventbus.WithoutQueue()))
	require.NoError(t, rt.Connect(ctx))
	defer rt.Stop(ctx)

	h, err := NewDispatcher(rt, nil, nil).Dispatch(ctx, ClientOnboarding, map[string]any{"name": "Ana"})
	require.NoError(t, err)
	assert.Equal(t, core.TaskInitiated, h.Status)

	for _, target := range []string{"crm-agent", "photo-agent", "calendar-agent"} {
		items, err := mr.List(eventbus.QueueName(target))
		require.NoError(t, err)
		require.Len(t, items, 1, target)
		env, err := core.Decode([]byte(items[0]))
		require.NoError(t, err)
		require.NotNil(t, env.Message)
		assert.Equal(t, "orchestrator", env.Message.From)
		assert.Equal(t, target, env.Message.To)
		assert.True(t, env.Message.Kind.IsTask())
	}
}
