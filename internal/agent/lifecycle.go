package agent

import (
	"fmt"
	"sync"
)

// State is a step of the runtime lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateConnected State = "connected"
	StateConsuming State = "consuming"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

// trigger moves the lifecycle between states.
type trigger string

const (
	triggerConnect  trigger = "connect"
	triggerConsume  trigger = "consume"
	triggerAnnounce trigger = "announce"
	triggerStop     trigger = "stop"
	triggerRelease  trigger = "release"
)

// lifecycle is a table-driven state machine guarded by a mutex.
type lifecycle struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[trigger]State
}

func newLifecycle() *lifecycle {
	l := &lifecycle{current: StateCreated, transitions: make(map[State]map[trigger]State)}
	l.add(StateCreated, triggerConnect, StateConnected)
	l.add(StateConnected, triggerConsume, StateConsuming)
	l.add(StateConsuming, triggerAnnounce, StateRunning)
	for _, s := range []State{StateCreated, StateConnected, StateConsuming, StateRunning} {
		l.add(s, triggerStop, StateStopping)
	}
	l.add(StateStopping, triggerRelease, StateStopped)
	return l
}

func (l *lifecycle) add(from State, t trigger, to State) {
	if _, ok := l.transitions[from]; !ok {
		l.transitions[from] = make(map[trigger]State)
	}
	l.transitions[from][t] = to
}

// fire applies t and returns the state it left.
func (l *lifecycle) fire(t trigger) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	to, ok := l.transitions[l.current][t]
	if !ok {
		return l.current, fmt.Errorf("invalid lifecycle transition %q from %s", t, l.current)
	}
	from := l.current
	l.current = to
	return from, nil
}

// check reports whether t is valid from the current state without applying it.
func (l *lifecycle) check(t trigger) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.transitions[l.current][t]; !ok {
		return fmt.Errorf("invalid lifecycle transition %q from %s", t, l.current)
	}
	return nil
}

func (l *lifecycle) state() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}
