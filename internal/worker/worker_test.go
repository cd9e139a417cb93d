package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/internal/agent"
	"jarvis/internal/core"
	"jarvis/internal/eventbus"
	"jarvis/internal/memory"
	"jarvis/internal/workflow"
)

type fakeConnector struct {
	mu        sync.Mutex
	published []core.BroadcastEvent
}

func (f *fakeConnector) Identity() string { return "worker" }

func (f *fakeConnector) PublishBroadcast(ctx context.Context, ev core.BroadcastEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeConnector) SendDirect(ctx context.Context, msg core.DirectMessage) error { return nil }

func (f *fakeConnector) Consume(ctx context.Context, h eventbus.Handler) error { return nil }

func (f *fakeConnector) Failed() <-chan error { return nil }

func (f *fakeConnector) Close() error { return nil }

func (f *fakeConnector) find(typ core.EventType) (core.BroadcastEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.published {
		if ev.Type == typ {
			return ev, true
		}
	}
	return core.BroadcastEvent{}, false
}

func newWorker(t *testing.T, identity string, mem memory.Store) (*Worker, *fakeConnector) {
	t.Helper()
	spec, ok := Lookup(identity)
	require.True(t, ok, identity)
	fc := &fakeConnector{}
	dial := func(ctx context.Context, endpoint, id string, opts ...eventbus.Option) (eventbus.Connector, error) {
		return fc, nil
	}
	w := New(spec, "", mem, nil, agent.WithDialer(dial))
	require.NoError(t, w.Runtime().Connect(context.Background()))
	return w, fc
}

func newMemory(t *testing.T) *memory.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	s := memory.NewRedisStore(&redis.Options{Addr: mr.Addr()}, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUnknownTaskType(t *testing.T) {
	w, fc := newWorker(t, "photo-agent", nil)

	res, err := w.ExecuteTask(context.Background(), core.NewTask("launch_rocket", nil))
	require.NoError(t, err)
	assert.Equal(t, core.TaskError, res.Status)
	assert.Equal(t, "unknown task type: launch_rocket", res.Message)

	ev, ok := fc.find(core.EventTaskFailed)
	require.True(t, ok)
	assert.Equal(t, "photo-agent", ev.Source)
	assert.Equal(t, "launch_rocket", ev.Payload["task_type"])
}

func TestRegisterAndFindClient(t *testing.T) {
	mem := newMemory(t)
	w, fc := newWorker(t, "crm-agent", mem)
	ctx := context.Background()

	res, err := w.ExecuteTask(ctx, core.NewTask("register_client", map[string]any{
		"client_data": map[string]any{"name": "Ana Souza", "email": "ana@example.com"},
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)
	require.Equal(t, core.TaskSuccess, res.Status, res.Message)
	assert.NotEmpty(t, res.Data["client_id"])

	done, ok := fc.find(core.EventTaskCompleted)
	require.True(t, ok)
	assert.Equal(t, "wf-1", done.Payload["workflow_id"])
	newClient, ok := fc.find(EventNewClient)
	require.True(t, ok)
	assert.Equal(t, "Ana Souza", newClient.Payload["name"])

	res, err = w.ExecuteTask(ctx, core.NewTask("find_client", map[string]any{"name": "souza"}))
	require.NoError(t, err)
	clients, _ := res.Data["clients"].([]map[string]any)
	require.Len(t, clients, 1)
	assert.Equal(t, "ana@example.com", clients[0]["email"])

	st, err := mem.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts[memory.Semantic])
	assert.Equal(t, 2, st.Counts[memory.Working])
}

func TestInvalidParameters(t *testing.T) {
	w, fc := newWorker(t, "finance-agent", nil)
	res, err := w.ExecuteTask(context.Background(), core.NewTask("create_invoice", map[string]any{"amount": -5.0}))
	require.NoError(t, err)
	assert.Equal(t, core.TaskError, res.Status)
	assert.Contains(t, res.Message, "amount")
	_, ok := fc.find(EventInvoiceIssued)
	assert.False(t, ok)
}

func TestGetStats(t *testing.T) {
	w, _ := newWorker(t, "task-agent", nil)
	ctx := context.Background()
	_, _ = w.ExecuteTask(ctx, core.NewTask("create_task", map[string]any{"title": "cull shoot"}))
	_, _ = w.ExecuteTask(ctx, core.NewTask("create_task", nil))

	res, err := w.ExecuteTask(ctx, core.NewTask(TaskGetStats, nil))
	require.NoError(t, err)
	assert.Equal(t, core.TaskSuccess, res.Status)
	assert.Equal(t, 1, res.Data["tasks_completed"])
	assert.Equal(t, 1, res.Data["tasks_failed"])
}

func TestSubscribedEventsRemembered(t *testing.T) {
	mem := newMemory(t)
	w, _ := newWorker(t, "photo-agent", mem)
	ctx := context.Background()

	require.NoError(t, w.OnEvent(ctx, core.BroadcastEvent{ID: "ev-1", Type: EventNewClient, Source: "crm-agent", Timestamp: time.Now()}))
	require.NoError(t, w.OnEvent(ctx, core.BroadcastEvent{ID: "ev-2", Type: core.EventSystemStats, Source: "orchestrator"}))

	e, err := mem.Get(ctx, memory.Episodic, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "crm-agent", e.Data["source"])
	_, err = mem.Get(ctx, memory.Episodic, "ev-2")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.Equal(t, 1, w.Stats()["events_handled"])
}

func TestCatalogCoversWorkflowSteps(t *testing.T) {
	d := workflow.NewDispatcher(nil, nil, nil)
	for _, name := range workflow.DefaultCatalog().Names() {
		steps, err := d.Plan(name, map[string]any{"name": "Ana"}, "wf")
		require.NoError(t, err)
		for _, s := range steps {
			spec, ok := Lookup(s.Target)
			require.True(t, ok, s.Target)
			_, ok = spec.Tasks[s.Task.Type()]
			assert.True(t, ok, "%s cannot run %s from %s", s.Target, s.Task.Type(), name)
		}
	}
}

func TestWorkflowStepsSucceed(t *testing.T) {
	ctx := context.Background()
	d := workflow.NewDispatcher(nil, nil, nil)
	for _, name := range workflow.DefaultCatalog().Names() {
		steps, err := d.Plan(name, map[string]any{"name": "Ana", "campaign_data": map[string]any{"service_type": "wedding"}}, "wf")
		require.NoError(t, err)
		for _, s := range steps {
			w, _ := newWorker(t, s.Target, nil)
			res, err := w.ExecuteTask(ctx, s.Task)
			require.NoError(t, err)
			assert.Equal(t, core.TaskSuccess, res.Status, "%s/%s: %s", s.Target, s.Task.Type(), res.Message)
		}
	}
}

func TestIdentitiesMatchRoster(t *testing.T) {
	want := []string{"calendar-agent", "crm-agent", "finance-agent", "marketing-agent", "photo-agent", "social-media-agent", "task-agent"}
	got := Identities()
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestSchedulePostsCount(t *testing.T) {
	w, _ := newWorker(t, "social-media-agent", nil)
	ctx := context.Background()

	res, err := w.ExecuteTask(ctx, core.NewTask("schedule_posts", map[string]any{"count": json.Number("5")}))
	require.NoError(t, err)
	require.Equal(t, core.TaskSuccess, res.Status, res.Message)
	assert.Len(t, res.Data["posts"], 5)

	for _, bad := range []any{-1, 0, json.Number("1000000000000"), 2.5, "many"} {
		res, err := w.ExecuteTask(ctx, core.NewTask("schedule_posts", map[string]any{"count": bad}))
		require.NoError(t, err)
		assert.Equal(t, core.TaskError, res.Status, "count %v", bad)
		assert.Contains(t, res.Message, "count")
	}
}

func TestCompleteTaskKeepsTitle(t *testing.T) {
	mem := newMemory(t)
	w, _ := newWorker(t, "task-agent", mem)
	ctx := context.Background()

	res, err := w.ExecuteTask(ctx, core.NewTask("create_task", map[string]any{"title": "cull shoot"}))
	require.NoError(t, err)
	id, _ := res.Data["todo_id"].(string)
	require.NotEmpty(t, id)

	res, err = w.ExecuteTask(ctx, core.NewTask("complete_task", map[string]any{"todo_id": id}))
	require.NoError(t, err)
	require.Equal(t, core.TaskSuccess, res.Status, res.Message)
	assert.Equal(t, "cull shoot", res.Data["title"])

	e, err := mem.Get(ctx, memory.Procedural, "todo:"+id)
	require.NoError(t, err)
	assert.Equal(t, "cull shoot", e.Data["title"])
	assert.Equal(t, true, e.Data["done"])
	assert.Equal(t, int64(2), e.Version)

	res, err = w.ExecuteTask(ctx, core.NewTask("complete_task", map[string]any{"todo_id": "nope"}))
	require.NoError(t, err)
	assert.Equal(t, core.TaskError, res.Status)
	assert.Contains(t, res.Message, "unknown todo")
}
