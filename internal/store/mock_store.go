// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	agents      map[string]*AgentRecord // keyed by agent ID
	tasks       map[string]*TaskRecord  // keyed by task ID
	transitions []*Transition           // append order preserved
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*AgentRecord),
		tasks:  make(map[string]*TaskRecord),
	}
}

// SaveAgent stores an agent record, replacing any existing record.
func (m *MockStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	a := *agent
	return &a, nil
}

// ListAgents returns all agents ordered by registration time.
func (m *MockStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentRecord, 0, len(m.agents))
	for _, agent := range m.agents {
		a := *agent
		agents = append(agents, &a)
	}

	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
		}
		return agents[i].ID < agents[j].ID
	})

	return agents, nil
}

// SaveTask stores a task record, replacing any existing record.
func (m *MockStore) SaveTask(ctx context.Context, task *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *task
	m.tasks[t.ID] = &t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	t := *task
	return &t, nil
}

// ListTasks returns the most recent tasks, newest first.
func (m *MockStore) ListTasks(ctx context.Context, limit int) ([]*TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]*TaskRecord, 0, len(m.tasks))
	for _, task := range m.tasks {
		t := *task
		tasks = append(tasks, &t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// RecordTransition appends one audit trail entry.
func (m *MockStore) RecordTransition(ctx context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *tr
	m.transitions = append(m.transitions, &t)
	return nil
}

// ListTransitions returns the audit trail for one entity, oldest first.
func (m *MockStore) ListTransitions(ctx context.Context, entityKind, entityID string, limit int) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transition
	for _, tr := range m.transitions {
		if tr.EntityKind != entityKind || tr.EntityID != entityID {
			continue
		}
		t := *tr
		out = append(out, &t)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
