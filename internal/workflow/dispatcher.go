// Package workflow decomposes one named request into ordered, fire-and-forget
// task sends to specific agents.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"jarvis/internal/core"
)

// ErrUnknownWorkflow is returned for names missing from the catalog.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// Sender delivers one direct message. *agent.Runtime satisfies it.
type Sender interface {
	SendDirect(ctx context.Context, to string, kind core.MessageKind, payload map[string]any) error
}

// Step is one resolved unit of a workflow.
type Step struct {
	Target string
	Task   core.Task
}

// StepFailure records a step whose send failed.
type StepFailure struct {
	Index  int
	Target string
	Task   core.TaskType
	Err    error
}

func (f StepFailure) String() string {
	return fmt.Sprintf("step %d (%s/%s): %v", f.Index+1, f.Target, f.Task, f.Err)
}

// Handle reports the outcome of a dispatch.
type Handle struct {
	ID       string
	Name     string
	Status   core.TaskStatus
	Sent     []string
	Failures []StepFailure
	Message  string
}

// Result converts the handle into the execute_task result shape.
func (h Handle) Result() core.TaskResult {
	res := core.TaskResult{
		Status:  h.Status,
		Message: h.Message,
		Data:    map[string]any{"workflow_id": h.ID, "workflow": h.Name, "sent_to": h.Sent},
	}
	if len(h.Failures) > 0 {
		failed := make([]string, 0, len(h.Failures))
		for _, f := range h.Failures {
			failed = append(failed, f.Target)
		}
		res.Data["failed"] = failed
	}
	return res
}

// Dispatcher sends the steps of catalog workflows.
type Dispatcher struct {
	sender  Sender
	catalog Catalog
	logger  *slog.Logger
	newID   func() string
}

// NewDispatcher returns a dispatcher over catalog; nil catalog means DefaultCatalog.
func NewDispatcher(sender Sender, catalog Catalog, logger *slog.Logger) *Dispatcher {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		catalog: catalog,
		logger:  logger.With("component", "workflow"),
		newID:   uuid.NewString,
	}
}

// Plan resolves the steps of name without sending anything.
func (d *Dispatcher) Plan(name string, params map[string]any, workflowID string) ([]Step, error) {
	def, ok := d.catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	steps := make([]Step, 0, len(def.Steps))
	for _, b := range def.Steps {
		steps = append(steps, Step{Target: b.Target, Task: b.Build(params, workflowID)})
	}
	return steps, nil
}

// Dispatch sends every step in order without waiting for responses. A failed
// send is reported but neither stops later steps nor rolls back earlier ones.
// The returned error is non-nil exactly when the handle status is error.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) (Handle, error) {
	h := Handle{ID: d.newID(), Name: name}
	steps, err := d.Plan(name, params, h.ID)
	if err != nil {
		h.Status = core.TaskError
		h.Message = err.Error()
		d.logger.Warn("workflow rejected", "workflow", name, "error", err)
		return h, err
	}
	d.logger.Info("dispatching workflow", "workflow", name, "workflow_id", h.ID, "steps", len(steps))
	for i, s := range steps {
		if err := d.sender.SendDirect(ctx, s.Target, core.KindTaskRequest, s.Task); err != nil {
			f := StepFailure{Index: i, Target: s.Target, Task: s.Task.Type(), Err: err}
			h.Failures = append(h.Failures, f)
			d.logger.Error("workflow step failed", "workflow_id", h.ID, "step", i+1, "target", s.Target, "error", err)
			continue
		}
		h.Sent = append(h.Sent, s.Target)
		d.logger.Debug("workflow step sent", "workflow_id", h.ID, "step", i+1, "target", s.Target, "task_type", s.Task.Type())
	}
	if len(h.Failures) == 0 {
		h.Status = core.TaskInitiated
		h.Message = fmt.Sprintf("workflow %s initiated", name)
		return h, nil
	}
	msgs := make([]string, 0, len(h.Failures))
	errs := make([]error, 0, len(h.Failures))
	for _, f := range h.Failures {
		msgs = append(msgs, f.String())
		errs = append(errs, f.Err)
	}
	h.Status = core.TaskError
	h.Message = "workflow " + name + " partially sent: " + strings.Join(msgs, "; ")
	return h, fmt.Errorf("%s: %w", h.Message, errors.Join(errs...))
}
