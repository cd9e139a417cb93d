package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"jarvis/internal/core"
)

// AgentStatus is the orchestrator's view of one rostered agent.
type AgentStatus string

const (
	StatusExpected     AgentStatus = "expected"
	StatusOnline       AgentStatus = "online"
	StatusOffline      AgentStatus = "offline"
	StatusUnresponsive AgentStatus = "unresponsive"
)

// AgentRecord is a snapshot of one roster entry.
type AgentRecord struct {
	Identity         string      `json:"identity"`
	Status           AgentStatus `json:"status"`
	LastSeen         *time.Time  `json:"last_seen"`
	MessagesReceived int         `json:"messages_received"`
	Errors           int         `json:"errors"`
}

// Alarm is raised once when a seen agent goes silent past the threshold.
type Alarm struct {
	Identity string
	Silence  time.Duration
}

// Summary counts roster entries by status.
type Summary struct {
	Total        int `json:"total"`
	Online       int `json:"online"`
	Offline      int `json:"offline"`
	Unresponsive int `json:"unresponsive"`
	Expected     int `json:"expected"`
}

type entry struct {
	AgentRecord
	waitLogged bool
}

// Registry tracks the configured roster. Records change only through Observe
// and the health sweep; both take the same lock.
type Registry struct {
	mu      sync.RWMutex
	roster  []string
	entries map[string]*entry
	logger  *slog.Logger
}

// NewRegistry creates an expected record for every roster identity.
func NewRegistry(roster []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{entries: make(map[string]*entry, len(roster)), logger: logger}
	for _, id := range roster {
		if _, dup := r.entries[id]; dup {
			continue
		}
		r.roster = append(r.roster, id)
		r.entries[id] = &entry{AgentRecord: AgentRecord{Identity: id, Status: StatusExpected}}
	}
	return r
}

// Observe applies one consumed broadcast. It reports whether the source is rostered.
func (r *Registry) Observe(ev core.BroadcastEvent, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ev.Source]
	if !ok {
		return false
	}
	seen := now
	e.LastSeen = &seen
	e.MessagesReceived++

	switch ev.Type {
	case core.EventAgentStarted:
		if e.Status != StatusOnline {
			r.logger.Info("agent online", "agent", ev.Source, "previous", e.Status)
		}
		e.Status = StatusOnline
	case core.EventAgentStopped:
		e.Status = StatusOffline
		r.logger.Info("agent offline", "agent", ev.Source)
	default:
		// liveness only; status changes wait for agent.started or agent.stopped
		if ev.Type.Failure() {
			e.Errors++
		}
	}
	return true
}

// sweep demotes silent agents and returns one alarm per new unresponsive agent.
func (r *Registry) sweep(now time.Time, threshold time.Duration) []Alarm {
	r.mu.Lock()
	defer r.mu.Unlock()
	var alarms []Alarm
	for _, id := range r.roster {
		e := r.entries[id]
		if e.LastSeen == nil {
			if e.Status != StatusExpected {
				e.Status = StatusExpected
				e.waitLogged = false
			}
			if !e.waitLogged {
				r.logger.Warn("waiting for agent", "agent", id)
				e.waitLogged = true
			}
			continue
		}
		silence := now.Sub(*e.LastSeen)
		if silence > threshold && e.Status != StatusUnresponsive {
			e.Status = StatusUnresponsive
			alarms = append(alarms, Alarm{Identity: id, Silence: silence})
		}
	}
	return alarms
}

// Record returns a copy of one record.
func (r *Registry) Record(identity string) (AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	if !ok {
		return AgentRecord{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns copies of all records in roster order.
func (r *Registry) Snapshot() []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRecord, 0, len(r.roster))
	for _, id := range r.roster {
		out = append(out, r.entries[id].snapshot())
	}
	return out
}

// Roster returns the configured identities.
func (r *Registry) Roster() []string {
	return append([]string(nil), r.roster...)
}

// Summary counts records by status.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{Total: len(r.roster)}
	for _, e := range r.entries {
		switch e.Status {
		case StatusOnline:
			s.Online++
		case StatusOffline:
			s.Offline++
		case StatusUnresponsive:
			s.Unresponsive++
		case StatusExpected:
			s.Expected++
		}
	}
	return s
}

func (e *entry) snapshot() AgentRecord {
	rec := e.AgentRecord
	if e.LastSeen != nil {
		t := *e.LastSeen
		rec.LastSeen = &t
	}
	return rec
}
