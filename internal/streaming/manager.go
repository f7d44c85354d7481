package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const DefaultCapacity = 256

var droppedEvents = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "orchestrator_stream_dropped_events_total",
		Help: "Events not delivered to a slow stream subscriber",
	},
)

// Event is a workspace-scoped action lifecycle event pushed to live subscribers.
type Event struct {
	WorkspaceID string    `json:"workspace_id"`
	Type        string    `json:"type"`
	ActionID    string    `json:"action_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	TeamID      string    `json:"team_id,omitempty"`
	ActionType  string    `json:"action_type,omitempty"`
	State       string    `json:"state,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Seq         uint64    `json:"seq"`
}

// Manager provides in-memory pub/sub for workspace events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-workspace ring buffer for replay and last_event_id support
	history  map[string]*ring
	capacity int
	logger   *zap.Logger
}

// NewManager creates a manager retaining capacity events per workspace for replay.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// Name identifies the manager as an event sink.
func (m *Manager) Name() string { return "hub" }

// Deliver publishes evt to its workspace.
func (m *Manager) Deliver(ctx context.Context, evt Event) error {
	m.Publish(evt.WorkspaceID, evt)
	return nil
}

// Subscribe adds a subscriber channel for a workspace; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(workspaceID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workspaceID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workspaceID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(workspaceID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[workspaceID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, workspaceID)
		}
	}
}

// Publish assigns the next workspace sequence number and sends evt to all subscribers (non-blocking).
func (m *Manager) Publish(workspaceID string, evt Event) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[workspaceID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[workspaceID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.WorkspaceID = workspaceID
	rg.push(evt)

	for ch := range m.subscribers[workspaceID] {
		select {
		case ch <- evt:
		default:
			droppedEvents.Inc()
			m.logger.Debug("Dropping event for slow subscriber",
				zap.String("workspace_id", workspaceID),
				zap.Uint64("seq", evt.Seq),
			)
		}
	}
	return evt.Seq
}

// Marshal returns JSON for event payloads on the wire or in logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(workspaceID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[workspaceID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
