// Package fleet supervises several agents inside one process.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrAlreadyRunning is returned when spawning an identity twice.
var ErrAlreadyRunning = errors.New("agent already running")

// ErrNotRunning is returned when stopping an unknown identity.
var ErrNotRunning = errors.New("agent not running")

// Agent is a runnable agent. *worker.Worker satisfies it.
type Agent interface {
	Identity() string
	Run(ctx context.Context) error
}

// Factory creates agents by identity.
type Factory interface {
	Create(identity string) (Agent, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(identity string) (Agent, error)

// Create calls f.
func (f FactoryFunc) Create(identity string) (Agent, error) { return f(identity) }

type member struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Fleet manages the lifecycle of spawned agents.
type Fleet struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	members map[string]*member
	exited  []error
}

// New returns an empty fleet.
func New(f Factory, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{factory: f, logger: logger.With("component", "fleet"), members: make(map[string]*member)}
}

// Spawn creates identity and runs it in its own goroutine until ctx is done
// or Stop is called.
func (f *Fleet) Spawn(ctx context.Context, identity string) error {
	f.mu.Lock()
	if _, ok := f.members[identity]; ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, identity)
	}
	f.mu.Unlock()

	ag, err := f.factory.Create(identity)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	actx, cancel := context.WithCancel(ctx)
	m := &member{cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	if _, ok := f.members[identity]; ok {
		f.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, identity)
	}
	f.members[identity] = m
	f.mu.Unlock()

	go func() {
		defer close(m.done)
		err := ag.Run(actx)
		m.err = err
		if err != nil {
			f.logger.Error("agent exited", "agent", identity, "error", err)
			f.mu.Lock()
			f.exited = append(f.exited, fmt.Errorf("%s: %w", identity, err))
			f.mu.Unlock()
		} else {
			f.logger.Info("agent exited", "agent", identity)
		}
	}()
	f.logger.Info("agent spawned", "agent", identity)
	return nil
}

// Identities returns the spawned identities in sorted order.
func (f *Fleet) Identities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.members))
	for id := range f.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels one agent and waits for it to exit.
func (f *Fleet) Stop(identity string) error {
	f.mu.Lock()
	m, ok := f.members[identity]
	delete(f.members, identity)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, identity)
	}
	m.cancel()
	<-m.done
	return m.err
}

// Wait blocks until every spawned agent has exited and joins their errors.
func (f *Fleet) Wait() error {
	f.mu.Lock()
	members := make([]*member, 0, len(f.members))
	for _, m := range f.members {
		members = append(members, m)
	}
	f.mu.Unlock()
	for _, m := range members {
		<-m.done
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return errors.Join(f.exited...)
}

// StopAll cancels every agent and waits for them.
func (f *Fleet) StopAll() error {
	f.mu.Lock()
	for _, m := range f.members {
		m.cancel()
	}
	f.mu.Unlock()
	return f.Wait()
}
