package core

import (
	"encoding/json"
	"math"
)

// TaskType names a task kind understood by a worker.
type TaskType string

// Task is the payload of a task_request message. The "type" key selects the handler.
type Task map[string]any

// Type returns the task kind, or "" when absent or not a string.
func (t Task) Type() TaskType {
	s, _ := t["type"].(string)
	return TaskType(s)
}

// String returns the string parameter named key, or "".
func (t Task) String(key string) string {
	s, _ := t[key].(string)
	return s
}

// Float returns the numeric parameter named key. Decoded payloads carry
// json.Number; tasks built in process may carry any Go number.
func (t Task) Float(key string) (float64, bool) {
	switch v := t[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Int returns the integer parameter named key. Fractional numbers are rejected.
func (t Task) Int(key string) (int64, bool) {
	switch v := t[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	f, ok := t.Float(key)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// Params returns the task without its "type" key.
func (t Task) Params() map[string]any {
	out := make(map[string]any, len(t))
	for k, v := range t {
		if k == "type" {
			continue
		}
		out[k] = v
	}
	return out
}

// NewTask builds a task of kind typ carrying params.
func NewTask(typ TaskType, params map[string]any) Task {
	t := Task{"type": string(typ)}
	for k, v := range params {
		if k == "type" {
			continue
		}
		t[k] = v
	}
	return t
}

// TaskStatus represents the outcome of a task or workflow.
type TaskStatus string

const (
	TaskSuccess   TaskStatus = "success"
	TaskError     TaskStatus = "error"
	TaskInitiated TaskStatus = "initiated"
)

// TaskResult is what execute_task returns. It is never published by the runtime.
type TaskResult struct {
	Status  TaskStatus
	Message string
	Data    map[string]any
}

// Success returns a successful result carrying data.
func Success(data map[string]any) TaskResult {
	return TaskResult{Status: TaskSuccess, Data: data}
}

// Failure returns an error result with a message.
func Failure(msg string) TaskResult {
	return TaskResult{Status: TaskError, Message: msg}
}

// Map flattens the result into the {status, message, ...} wire shape.
func (r TaskResult) Map() map[string]any {
	out := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		out[k] = v
	}
	out["status"] = string(r.Status)
	if r.Message != "" {
		out["message"] = r.Message
	}
	return out
}
