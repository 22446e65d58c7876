package orchestrator

import (
	"sync"
	"time"

	"github.com/tandemdev/tandem-core/appserver"
)

// Key identifies a conversation by its tenant and project.
type Key struct {
	Tenant  string
	Project string
}

// ConversationState is a snapshot of one conversation's bookkeeping:
// which agent thread backs it, whether a turn is in flight, and the last
// reported token usage.
type ConversationState struct {
	Tenant       string
	Project      string
	ThreadID     string
	TurnID       string
	Active       bool
	Turns        int
	LastActivity time.Time
	Usage        appserver.UsageStats
}

// Registry tracks per-conversation state across turns. The registry's
// mutex protects the map; snapshots are copies, so callers never hold a
// reference into live state.
type Registry struct {
	mu     sync.RWMutex
	states map[Key]*ConversationState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[Key]*ConversationState)}
}

func (r *Registry) state(key Key) *ConversationState {
	st, ok := r.states[key]
	if !ok {
		st = &ConversationState{Tenant: key.Tenant, Project: key.Project}
		r.states[key] = st
	}
	return st
}

// ThreadID returns the agent thread backing a conversation, or empty if
// the conversation has never run.
func (r *Registry) ThreadID(key Key) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[key]; ok {
		return st.ThreadID
	}
	return ""
}

// SetThread records the agent thread backing a conversation.
func (r *Registry) SetThread(key Key, threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(key)
	st.ThreadID = threadID
	st.LastActivity = time.Now()
}

// BeginTurn marks a conversation as having an in-flight turn.
func (r *Registry) BeginTurn(key Key, turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(key)
	st.TurnID = turnID
	st.Active = true
	st.Turns++
	st.LastActivity = time.Now()
}

// SetTurnID updates the in-flight turn id once the agent reports it.
func (r *Registry) SetTurnID(key Key, turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[key]; ok && st.Active {
		st.TurnID = turnID
	}
}

// EndTurn marks a conversation's turn as finished.
func (r *Registry) EndTurn(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[key]; ok {
		st.TurnID = ""
		st.Active = false
		st.LastActivity = time.Now()
	}
}

// SetUsage stores the latest reported token usage for a conversation.
// Usage updates from the agent are already cumulative, so the newest one
// wins.
func (r *Registry) SetUsage(key Key, usage appserver.UsageStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(key)
	st.Usage = usage
}

// Get returns a copy of a conversation's state.
func (r *Registry) Get(key Key) (ConversationState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[key]; ok {
		return *st, true
	}
	return ConversationState{}, false
}

// Snapshot returns copies of all conversation states.
func (r *Registry) Snapshot() []ConversationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConversationState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, *st)
	}
	return out
}
