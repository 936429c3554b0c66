// Package session holds per-client outreach sessions and the orchestrator
// that drives them: connect the agents, run queries, generate emails and
// send them.
package session

import (
	"sync"
	"time"

	"github.com/ashureev/pulseid/internal/agent"
	"github.com/ashureev/pulseid/internal/domain"
	"github.com/ashureev/pulseid/internal/templates"
)

// Session is the state owned by one client. Every orchestrator action takes
// the session explicitly.
type Session struct {
	ID string

	// action serialises user-triggered actions. Acquired with TryLock so a
	// second action is rejected instead of queued.
	action sync.Mutex

	mu         sync.RWMutex
	state      State
	dataSource string
	model      string
	apiKey     string
	agents     agent.Agents
	log        *Log
	template   *templates.WorkingCopy
	lastSeen   time.Time
}

// New creates an idle session whose working copy starts from tmpl.
func New(id string, tmpl domain.EmailTemplate) *Session {
	return &Session{
		ID:       id,
		state:    Idle,
		log:      NewLog(),
		template: templates.NewWorkingCopy(tmpl),
		lastSeen: time.Now(),
	}
}

// View is a read-only snapshot of a session.
type View struct {
	ID         string                    `json:"id"`
	State      State                     `json:"state"`
	DataSource string                    `json:"data_source"`
	Model      string                    `json:"model"`
	Template   domain.EmailTemplate      `json:"template"`
	FirstIndex int                       `json:"first_index"`
	Entries    []domain.InteractionEntry `json:"entries"`
	CanSend    bool                      `json:"can_send"`
	CanDraft   bool                      `json:"can_generate"`
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	log := s.log
	v := View{
		ID:         s.ID,
		State:      s.state,
		DataSource: s.dataSource,
		Model:      s.model,
	}
	s.mu.RUnlock()

	v.Template = s.template.Template()
	v.FirstIndex = log.Base()
	v.Entries = log.Entries()
	v.CanSend = log.HasSendableEmails()
	_, v.CanDraft = log.LatestExtraction()
	return v
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// DataSource returns the selected data source, empty when not connected.
func (s *Session) DataSource() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataSource
}

// Log returns the session's interaction log.
func (s *Session) Log() *Log {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

// Template returns the session's working template.
func (s *Session) Template() *templates.WorkingCopy {
	return s.template
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) connection() (agent.Agents, State) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents, s.state
}

// detach drops the agent connection and returns it for closing.
func (s *Session) detach() agent.Agents {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agents
	s.agents = nil
	s.state = Idle
	return a
}
