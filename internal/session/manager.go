package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/echojourney/internal/observe"
)

// Manager tracks the open sessions of the process. Sessions are independent;
// the Manager only guards the id namespace and the shared configuration.
// All exported methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	sessions map[string]*Orchestrator
	metrics  *observe.Metrics
	now      func() time.Time
}

// NewManager creates a Manager handing cfg to every session it opens.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Orchestrator),
		metrics:  cfg.Metrics,
		now:      time.Now,
	}, nil
}

// Update applies fn to a copy of the shared configuration and installs it
// for sessions opened afterwards. Open sessions keep their configuration.
// The metrics instance cannot be replaced.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	fn(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Metrics = m.metrics
	m.cfg = cfg.withDefaults()
	return nil
}

// Open creates and starts the session described by info and returns it with
// the greeting. A failed start leaves no session behind.
func (m *Manager) Open(ctx context.Context, info Info) (*Orchestrator, []Message, error) {
	if info.SessionID == "" {
		return nil, nil, errors.New("session: open: empty session id")
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = m.now()
	}

	m.mu.Lock()
	if _, ok := m.sessions[info.SessionID]; ok {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrExists, info.SessionID)
	}
	o, err := New(info, m.cfg)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}
	m.sessions[info.SessionID] = o
	m.mu.Unlock()

	msgs, err := o.Start(ctx)
	if err != nil {
		m.Close(info.SessionID)
		return nil, nil, err
	}
	m.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session opened", "session_id", info.SessionID, "user_id", info.UserID, "platform", info.Platform)
	return o, msgs, nil
}

// Get returns the open session with the given id.
func (m *Manager) Get(id string) (*Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.sessions[id]
	return o, ok
}

// Close closes and forgets the session. Unknown ids are ignored.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	o, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	started := o.State() != StateNotStarted
	o.Close()
	if started {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("session closed", "session_id", id, "duration", m.now().Sub(o.Info().StartedAt).Round(time.Second))
	}
}

// Sessions returns the ids of the open sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.sessions))
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() {
	for _, id := range m.Sessions() {
		m.Close(id)
	}
}
