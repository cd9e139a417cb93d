// Package worker provides the domain agents of the roster. Each worker is an
// agent runtime whose task and event handling is driven by a Spec table.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"jarvis/internal/agent"
	"jarvis/internal/core"
	"jarvis/internal/memory"
)

// TaskGetStats is answered by every worker.
const TaskGetStats core.TaskType = "get_stats"

// ErrInvalidTask marks a task rejected for missing or malformed parameters.
var ErrInvalidTask = errors.New("invalid task")

// TaskFunc handles one task kind and returns the result data.
type TaskFunc func(ctx context.Context, w *Worker, task core.Task) (map[string]any, error)

// EventFunc reacts to one subscribed event kind.
type EventFunc func(ctx context.Context, w *Worker, ev core.BroadcastEvent) error

// Spec is the table a worker is built from.
type Spec struct {
	Identity string
	Tasks    map[core.TaskType]TaskFunc
	Events   map[core.EventType]EventFunc
}

// Publisher broadcasts an event. *agent.Runtime satisfies it.
type Publisher interface {
	PublishBroadcast(ctx context.Context, eventType core.EventType, payload map[string]any) error
}

// Worker executes the tasks of one Spec.
type Worker struct {
	spec    Spec
	runtime *agent.Runtime
	pub     Publisher
	mem     memory.Store
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	completed int
	failed    int
	events    int
	startedAt time.Time
}

// New builds a worker for spec on endpoint. mem may be nil, in which case
// nothing is remembered.
func New(spec Spec, endpoint string, mem memory.Store, logger *slog.Logger, opts ...agent.Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		spec:   spec,
		mem:    mem,
		logger: logger.With("identity", spec.Identity, "component", "worker"),
		now:    time.Now,
	}
	w.runtime = agent.New(spec.Identity, endpoint, w, append([]agent.Option{agent.WithLogger(logger)}, opts...)...)
	w.pub = w.runtime
	return w
}

// Identity returns the worker identity.
func (w *Worker) Identity() string { return w.spec.Identity }

// Runtime returns the embedded agent runtime.
func (w *Worker) Runtime() *agent.Runtime { return w.runtime }

// Run starts the worker and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.startedAt = w.now()
	w.mu.Unlock()
	return w.runtime.Run(ctx, nil)
}

// OnEvent runs the handler subscribed to ev.Type; other events are ignored.
func (w *Worker) OnEvent(ctx context.Context, ev core.BroadcastEvent) error {
	fn, ok := w.spec.Events[ev.Type]
	if !ok {
		return nil
	}
	w.mu.Lock()
	w.events++
	w.mu.Unlock()
	w.logger.Debug("handling event", "event_type", ev.Type, "source", ev.Source)
	return fn(ctx, w, ev)
}

// ExecuteTask runs the handler for the task kind. Handler failures and
// unknown kinds become error results and a task.failed broadcast; they are
// never returned as errors.
func (w *Worker) ExecuteTask(ctx context.Context, task core.Task) (core.TaskResult, error) {
	typ := task.Type()
	var res core.TaskResult
	switch fn, ok := w.spec.Tasks[typ]; {
	case ok:
		data, err := fn(ctx, w, task)
		if err != nil {
			res = core.Failure(err.Error())
		} else {
			res = core.Success(data)
		}
	case typ == TaskGetStats:
		res = core.Success(w.Stats())
	default:
		res = core.Failure(fmt.Sprintf("unknown task type: %s", typ))
	}
	w.finish(ctx, task, res)
	return res, nil
}

func (w *Worker) finish(ctx context.Context, task core.Task, res core.TaskResult) {
	typ := task.Type()
	payload := map[string]any{
		"agent_name": w.spec.Identity,
		"task_type":  string(typ),
	}
	if id := task.String("workflow_id"); id != "" {
		payload["workflow_id"] = id
	}
	evType := core.EventTaskCompleted
	w.mu.Lock()
	if res.Status == core.TaskError {
		w.failed++
		evType = core.EventTaskFailed
		payload["error"] = res.Message
	} else {
		w.completed++
		payload["result"] = res.Data
	}
	w.mu.Unlock()

	w.Remember(ctx, memory.Working, taskMemoryID(task), map[string]any{
		"agent":     w.spec.Identity,
		"task_type": string(typ),
		"task":      task.Params(),
		"result":    res.Map(),
	})
	if err := w.pub.PublishBroadcast(ctx, evType, payload); err != nil {
		w.logger.Warn("task outcome not published", "task_type", typ, "error", err)
	}
}

func taskMemoryID(task core.Task) string {
	if id := task.String("task_id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// Publish broadcasts a domain event from this worker.
func (w *Worker) Publish(ctx context.Context, eventType core.EventType, payload map[string]any) {
	if err := w.pub.PublishBroadcast(ctx, eventType, payload); err != nil {
		w.logger.Warn("publish failed", "event_type", eventType, "error", err)
	}
}

// Remember stores data in memory. Failures are logged, not returned.
func (w *Worker) Remember(ctx context.Context, kind memory.Kind, id string, data map[string]any) {
	if w.mem == nil {
		return
	}
	if _, err := w.mem.Put(ctx, kind, id, data); err != nil {
		w.logger.Warn("memory write failed", "kind", kind, "id", id, "error", err)
	}
}

// Fetch reads one memory entry; without a store every id is missing.
func (w *Worker) Fetch(ctx context.Context, kind memory.Kind, id string) (memory.Entry, error) {
	if w.mem == nil {
		return memory.Entry{}, memory.ErrNotFound
	}
	return w.mem.Get(ctx, kind, id)
}

// Recall searches memory; without a store it finds nothing.
func (w *Worker) Recall(ctx context.Context, kind memory.Kind, query map[string]any, limit int) ([]memory.Entry, error) {
	if w.mem == nil {
		return nil, nil
	}
	return w.mem.Search(ctx, kind, query, limit)
}

// Stats reports task counters.
func (w *Worker) Stats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	uptime := 0.0
	if !w.startedAt.IsZero() {
		uptime = w.now().Sub(w.startedAt).Seconds()
	}
	return map[string]any{
		"agent_name":      w.spec.Identity,
		"tasks_completed": w.completed,
		"tasks_failed":    w.failed,
		"events_handled":  w.events,
		"uptime_seconds":  uptime,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
