package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pulseid/internal/domain"
	"github.com/ashureev/pulseid/internal/metrics"
)

const sweepInterval = 5 * time.Minute

// CleanupCallback is called after an expired session has been removed.
type CleanupCallback func(sessionID string)

// Manager keeps live sessions in memory. Interaction logs are never
// persisted: an expired or removed session is gone.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	orch      *Orchestrator
	template  func() domain.EmailTemplate
	ttl       time.Duration
	onCleanup CleanupCallback
	logger    *slog.Logger
}

// NewManager creates a manager. New sessions start from the template
// returned by initial; idle sessions older than ttl are swept.
func NewManager(orch *Orchestrator, initial func() domain.EmailTemplate, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if initial == nil {
		initial = func() domain.EmailTemplate { return domain.EmailTemplate{} }
	}
	return &Manager{
		sessions: make(map[string]*Session),
		orch:     orch,
		template: initial,
		ttl:      ttl,
		logger:   logger,
	}
}

// OnCleanup registers a callback for swept sessions.
func (m *Manager) OnCleanup(cb CleanupCallback) {
	m.mu.Lock()
	m.onCleanup = cb
	m.mu.Unlock()
}

// GetOrCreate returns the session for id, creating it when absent.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.Touch()
		return s
	}
	s := New(id, m.template())
	m.sessions[id] = s
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.logger.Debug("Session created", "session_id", id)
	return s
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Remove discards a session and closes its agent connection.
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if ok && m.orch != nil {
		m.orch.Close(ctx, s)
	}
}

// Run sweeps expired sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	m.logger.Info("Session sweeper started", "interval", sweepInterval, "ttl", m.ttl)

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx, time.Now())
		case <-ctx.Done():
			m.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep removes sessions idle since before now-ttl. Sessions with an action
// in flight are kept until the next sweep.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}

	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen()) < m.ttl {
			continue
		}
		if !s.action.TryLock() {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, s)
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	cb := m.onCleanup
	m.mu.Unlock()

	for _, s := range expired {
		if m.orch != nil {
			m.orch.Close(ctx, s)
		}
		s.action.Unlock()
		if cb != nil {
			cb(s.ID)
		}
		m.logger.Info("Session expired", "session_id", s.ID)
	}
	return len(expired)
}

// CloseAll removes every session and closes its agents. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	metrics.SessionsActive.Set(0)
	cb := m.onCleanup
	m.mu.Unlock()

	for _, s := range all {
		if m.orch != nil {
			m.orch.Close(ctx, s)
		}
		if cb != nil {
			cb(s.ID)
		}
	}
	m.logger.Info("Sessions closed", "count", len(all))
}
