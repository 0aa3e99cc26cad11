package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager is the registry of live sessions.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Orchestrator
	maxSessions int
	deps        Deps
	logger      *zap.Logger
}

// CreateOptions configure a new session. Empty fields take defaults: a
// random id, "New Chat", the provider's current workspace at turn time, and
// the registry's default model.
type CreateOptions struct {
	ID        string
	Name      string
	Workspace string
	Model     string
}

// NewManager creates a registry holding at most maxSessions sessions.
func NewManager(maxSessions int, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		sessions:    make(map[string]*Orchestrator),
		maxSessions: maxSessions,
		deps:        deps,
		logger:      deps.Logger.With(zap.String("component", "session-manager")),
	}
}

// Create registers a new session.
func (m *Manager) Create(opts CreateOptions) (*Orchestrator, error) {
	sess, err := m.newSession(opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sess.ID]; exists {
		return nil, fmt.Errorf("session: id %s already exists", sess.ID)
	}
	return m.insertLocked(sess)
}

// GetOrCreate returns the session with id, creating it with defaults if it
// does not exist. created reports which happened.
func (m *Manager) GetOrCreate(id string) (o *Orchestrator, created bool, err error) {
	m.mu.RLock()
	o, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return o, false, nil
	}

	sess, err := m.newSession(CreateOptions{ID: id})
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another connection may have created it while we were unlocked.
	if o, ok := m.sessions[id]; ok {
		return o, false, nil
	}
	o, err = m.insertLocked(sess)
	return o, err == nil, err
}

func (m *Manager) newSession(opts CreateOptions) (Session, error) {
	sess := Session{
		ID:        opts.ID,
		Name:      opts.Name,
		Workspace: opts.Workspace,
		Model:     m.deps.Models.Default(),
		CreatedAt: time.Now().UTC(),
		Messages:  []Message{},
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Name == "" {
		sess.Name = defaultSessionName
	}
	if sess.Workspace == "" && m.deps.Workspace != nil {
		sess.Workspace = m.deps.Workspace.Current()
	}
	if opts.Model != "" {
		model, err := m.deps.Models.Normalize(opts.Model)
		if err != nil {
			return Session{}, fmt.Errorf("session: model %q: %w", opts.Model, err)
		}
		sess.Model = model
	}
	return sess, nil
}

func (m *Manager) insertLocked(sess Session) (*Orchestrator, error) {
	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}
	o := newOrchestrator(sess, m.deps)
	m.sessions[sess.ID] = o
	m.logger.Info("session created", zap.String("session_id", sess.ID), zap.String("model", sess.Model))
	return o, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, nil
}

// List returns summaries of all sessions, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	result := make([]Summary, 0, len(m.sessions))
	for _, o := range m.sessions {
		result = append(result, o.summary())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Delete removes the session and terminates its running turn, if any.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	o, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	o.Close()
	m.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// Remove unregisters o if it is still the session registered under its id,
// then closes it. Unlike Delete it never touches a newer session that reused
// the id.
func (m *Manager) Remove(o *Orchestrator) {
	id := o.ID()
	m.mu.Lock()
	registered := m.sessions[id] == o
	if registered {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	o.Close()
	if registered {
		m.logger.Info("session deleted", zap.String("session_id", id))
	}
}

// Shutdown closes every session concurrently and waits for their agent
// processes to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Orchestrator, 0, len(m.sessions))
	for id, o := range m.sessions {
		all = append(all, o)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range all {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			o.Close()
		}(o)
	}
	wg.Wait()
	m.logger.Info("all sessions closed", zap.Int("count", len(all)))
}
