package core

import "context"

// Handler is the extension point every agent variant implements.
// The runtime calls it from a single consuming goroutine per identity.
type Handler interface {
	OnEvent(ctx context.Context, event BroadcastEvent) error
	ExecuteTask(ctx context.Context, task Task) (TaskResult, error)
}

// MessageHandler is optionally implemented to receive generic direct messages.
type MessageHandler interface {
	OnMessage(ctx context.Context, msg DirectMessage) error
}
