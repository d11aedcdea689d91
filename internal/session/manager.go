// ABOUTME: Owns live agent sessions: connector + output buffer + activity metadata.
// ABOUTME: Enforces one session per agent and reaps idle sessions on a fixed interval.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-dev/orchestra/internal/buffer"
	"github.com/orchestra-dev/orchestra/internal/connector"
	"github.com/orchestra-dev/orchestra/internal/events"
)

// ErrSessionNotFound indicates the specified session was not found.
var ErrSessionNotFound = errors.New("session not found")

// Session is one live channel to an agent. It exclusively owns its
// connector and buffer; nothing else writes into either.
type Session struct {
	ID        string
	AgentID   string
	Connector connector.Connector
	Buffer    *buffer.Buffer
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// LastActivity returns when the session last saw traffic in either
// direction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records activity now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// sessionSink feeds connector output into the session's buffer and counts
// it as activity, so a chatty session is never reaped.
type sessionSink struct {
	session *Session
}

func (k *sessionSink) Append(text string) {
	k.session.Touch()
	k.session.Buffer.Append(text)
}

// connectorFactory builds a connector; swapped out in tests.
type connectorFactory func(kind string, params connector.Params, cfg connector.Config, sink connector.OutputSink, logger *slog.Logger) (connector.Connector, error)

// Config holds session lifecycle policy.
type Config struct {
	// IdleThreshold is how long a session may sit without activity
	// before the reaper closes it.
	IdleThreshold time.Duration
	// ReapInterval is how often the reaper scans.
	ReapInterval time.Duration
	// BufferCapacity is the per-session output buffer size in lines.
	BufferCapacity int
	// Connector is the policy handed to every connector built here.
	Connector connector.Config
}

func (c Config) withDefaults() Config {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 30 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = buffer.DefaultCapacity
	}
	return c
}

// Manager owns the map of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> session
	byAgent  map[string]string   // agentID -> sessionID

	cfg      Config
	notifier *events.Notifier
	logger   *slog.Logger
	factory  connectorFactory

	// onConnectorFailed is invoked with the agent ID when a session's
	// connector surfaces terminal failure, so the owner can mark the
	// agent ineligible.
	onConnectorFailed func(agentID string)
}

// NewManager creates a session manager. notifier and onConnectorFailed may
// be nil.
func NewManager(cfg Config, notifier *events.Notifier, onConnectorFailed func(string), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		byAgent:           make(map[string]string),
		cfg:               cfg.withDefaults(),
		notifier:          notifier,
		logger:            logger.With("component", "sessions"),
		factory:           connector.New,
		onConnectorFailed: onConnectorFailed,
	}
}

// GetOrCreate returns the live session for agentID, or builds one: a fresh
// buffer, a connector of the requested kind, a connect. A failed connect
// registers nothing.
func (m *Manager) GetOrCreate(ctx context.Context, agentID, kind string, params connector.Params) (*Session, error) {
	m.mu.RLock()
	if sessionID, ok := m.byAgent[agentID]; ok {
		existing := m.sessions[sessionID]
		m.mu.RUnlock()
		return existing, nil
	}
	m.mu.RUnlock()

	session := &Session{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Buffer:       buffer.New(m.cfg.BufferCapacity),
		CreatedAt:    time.Now(),
		lastActivity: time.Now(),
	}

	conn, err := m.factory(kind, params, m.cfg.Connector, &sessionSink{session: session}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("building %s connector: %w", kind, err)
	}
	session.Connector = conn

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to agent %s: %w", agentID, err)
	}

	m.mu.Lock()
	// Someone else may have connected this agent while we dialed
	if sessionID, ok := m.byAgent[agentID]; ok {
		existing := m.sessions[sessionID]
		m.mu.Unlock()
		_ = conn.Disconnect()
		return existing, nil
	}
	m.sessions[session.ID] = session
	m.byAgent[agentID] = session.ID
	m.mu.Unlock()

	go m.watch(session)

	m.logger.Info("session opened",
		"session_id", session.ID,
		"agent_id", agentID,
		"kind", kind,
	)
	m.publish(session.ID, "", "connected")
	return session, nil
}

// Close disconnects and removes a session. Buffer contents are discarded;
// callers needing history must have consumed it already. Closing an
// unknown (already closed) session succeeds.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		delete(m.byAgent, session.AgentID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	// The connector may already be dead; report the state it was actually in
	oldState := session.Connector.Status().String()
	if err := session.Connector.Disconnect(); err != nil {
		return fmt.Errorf("disconnecting session %s: %w", sessionID, err)
	}
	session.Buffer.Clear()

	m.logger.Info("session closed",
		"session_id", sessionID,
		"agent_id", session.AgentID,
	)
	m.publish(sessionID, oldState, "closed")
	return nil
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// GetByAgent returns the live session for an agent, if any.
func (m *Manager) GetByAgent(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionID, ok := m.byAgent[agentID]
	if !ok {
		return nil, false
	}
	return m.sessions[sessionID], true
}

// List returns the live sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// RunReaper closes idle sessions on the configured interval until ctx is
// cancelled. Blocks; run in its own goroutine.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle closes sessions whose last activity is past the idle threshold.
// An eviction is policy, not a failure.
func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleThreshold)

	var stale []*Session
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.logger.Info("reaping idle session",
			"session_id", s.ID,
			"agent_id", s.AgentID,
			"idle_for", time.Since(s.LastActivity()).Round(time.Second),
		)
		if err := m.Close(s.ID); err != nil {
			m.logger.Warn("closing idle session", "session_id", s.ID, "error", err)
		}
	}
}

// watch follows a session's connector notifications, counting transitions
// as activity and surfacing terminal failure to the owner.
func (m *Manager) watch(session *Session) {
	for change := range session.Connector.Notifications() {
		session.Touch()
		m.publish(session.ID, change.Old.String(), change.New.String())

		if change.New == connector.StatusFailed {
			m.logger.Warn("session connector failed",
				"session_id", session.ID,
				"agent_id", session.AgentID,
				"reason", change.Reason,
			)
			if m.onConnectorFailed != nil {
				m.onConnectorFailed(session.AgentID)
			}
			_ = m.Close(session.ID)
			return
		}
	}
}

// publish emits a session status change.
func (m *Manager) publish(sessionID, oldState, newState string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(events.StatusChange{
		EntityKind: events.EntitySession,
		EntityID:   sessionID,
		OldState:   oldState,
		NewState:   newState,
		Timestamp:  time.Now(),
	})
}
