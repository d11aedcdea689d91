// ABOUTME: Store interface and data types for orchestra persistence
// ABOUTME: Defines AgentRecord, TaskRecord, Transition and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AgentRecord is the persisted form of a pool agent.
type AgentRecord struct {
	ID                 string
	RepositoryAffinity string
	Status             string
	LastHeartbeat      time.Time
	CurrentTaskID      string
	RegisteredAt       time.Time
}

// TaskRecord is the persisted form of a queued task.
// StartedAt and CompletedAt are zero until the task reaches those states.
type TaskRecord struct {
	ID              string
	Command         string
	RepositoryPath  string
	Priority        string
	Status          string
	AssignedAgentID string
	Outcome         string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Transition is one entry in the status audit trail.
type Transition struct {
	ID         string
	EntityKind string
	EntityID   string
	OldState   string
	NewState   string
	Timestamp  time.Time
}

// Store persists agents, tasks, and the status transition audit trail.
type Store interface {
	// SaveAgent inserts or updates an agent record
	SaveAgent(ctx context.Context, agent *AgentRecord) error

	// GetAgent retrieves an agent by ID, returning ErrNotFound if absent
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)

	// ListAgents returns all agent records ordered by registration time
	ListAgents(ctx context.Context) ([]*AgentRecord, error)

	// SaveTask inserts or updates a task record
	SaveTask(ctx context.Context, task *TaskRecord) error

	// GetTask retrieves a task by ID, returning ErrNotFound if absent
	GetTask(ctx context.Context, id string) (*TaskRecord, error)

	// ListTasks returns the most recent tasks, newest first.
	// A limit of 0 means no limit.
	ListTasks(ctx context.Context, limit int) ([]*TaskRecord, error)

	// RecordTransition appends one entry to the status audit trail
	RecordTransition(ctx context.Context, tr *Transition) error

	// ListTransitions returns the audit trail for one entity, oldest first.
	// A limit of 0 means no limit.
	ListTransitions(ctx context.Context, entityKind, entityID string, limit int) ([]*Transition, error)

	// Close closes the store and releases resources
	Close() error
}
