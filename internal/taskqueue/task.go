// ABOUTME: Task model for queued agent work: priority bands, status lifecycle, outcomes.
// ABOUTME: Tasks are retained after completion; queue membership ends at terminal status.

package taskqueue

import "time"

// Priority orders tasks within the queue. Higher bands always schedule first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityRank maps bands to a sortable weight, highest first.
var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Valid reports whether p is a known priority band.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// TaskStatus is the closed set of task lifecycle states.
type TaskStatus string

const (
	// TaskPending means the task is waiting for an eligible agent.
	TaskPending TaskStatus = "pending"
	// TaskAssigned means an agent was claimed but the command has not
	// been issued to it yet.
	TaskAssigned TaskStatus = "assigned"
	// TaskInProgress means the command was issued through the agent's
	// session.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted is terminal: the execution layer reported success.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed is terminal: the execution layer reported failure, or
	// the assigned agent was lost. Failed tasks are not requeued.
	TaskFailed TaskStatus = "failed"
)

// Terminal reports whether the status ends queue membership.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Outcome is the externally reported result of a task's execution.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Task is a unit of queued work. ID, Command, RepositoryPath, Priority, and
// CreatedAt are immutable after enqueue; Status and AssignedAgentID mutate
// only through the Queue.
type Task struct {
	ID              string
	Command         string
	RepositoryPath  string
	Priority        Priority
	CreatedAt       time.Time
	AssignedAgentID string
	Status          TaskStatus

	// StartedAt is set when the command is actually issued; CompletedAt
	// when a terminal outcome is reported.
	StartedAt   time.Time
	CompletedAt time.Time

	// seq breaks creation-time ties for strict FIFO within a band.
	seq int64
}

// before reports scheduling order: priority descending, then FIFO.
func (t *Task) before(other *Task) bool {
	if pr, po := priorityRank[t.Priority], priorityRank[other.Priority]; pr != po {
		return pr < po
	}
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.seq < other.seq
}
