// ABOUTME: Task queue and scheduler: pairs pending tasks with idle agents by priority and affinity.
// ABOUTME: The agent claim is a registry compare-and-set, so double assignment cannot occur.

package taskqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-dev/orchestra/internal/events"
	"github.com/orchestra-dev/orchestra/internal/registry"
)

// ErrEmptyCommand indicates a submission with no command text.
var ErrEmptyCommand = errors.New("task command is empty")

// ErrInvalidPriority indicates an unknown priority band.
var ErrInvalidPriority = errors.New("invalid task priority")

// ErrTaskNotFound indicates the specified task was not found.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskNotActive indicates an outcome was reported for a task that is not
// assigned or in progress.
var ErrTaskNotActive = errors.New("task is not assigned or in progress")

// AgentPool is what the scheduler needs from the agent registry.
type AgentPool interface {
	FindEligible(repositoryPath string) (matching, fallback []registry.Agent)
	Assign(agentID, taskID string) error
	Release(agentID string, failed bool) error
	Unassign(agentID string) error
	Get(agentID string) (registry.Agent, error)
}

// Assignment records one task/agent pairing made by a scheduling pass.
type Assignment struct {
	TaskID  string
	AgentID string
}

// Queue holds all tasks, pending and historical, and implements the
// scheduling pass. Shared by many callers; all mutation happens under its
// lock, and the agent side of a pairing goes through the pool's
// compare-and-set Assign.
type Queue struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	nextSeq  int64
	pool     AgentPool
	notifier *events.Notifier
	logger   *slog.Logger

	// wake is signalled on enqueue so the scheduler loop can run a pass
	// without waiting for the next tick.
	wake chan struct{}
}

// NewQueue creates a task queue scheduling against the given pool. The
// notifier may be nil.
func NewQueue(pool AgentPool, notifier *events.Notifier, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		tasks:    make(map[string]*Task),
		pool:     pool,
		notifier: notifier,
		logger:   logger.With("component", "taskqueue"),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue validates and adds a task in Pending status. Always succeeds for
// valid input; eligibility is the scheduler's problem, not the submitter's.
func (q *Queue) Enqueue(command, repositoryPath string, priority Priority) (Task, error) {
	if command == "" {
		return Task{}, ErrEmptyCommand
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return Task{}, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	q.mu.Lock()
	task := &Task{
		ID:             uuid.New().String(),
		Command:        command,
		RepositoryPath: repositoryPath,
		Priority:       priority,
		CreatedAt:      time.Now(),
		Status:         TaskPending,
		seq:            q.nextSeq,
	}
	q.nextSeq++
	q.tasks[task.ID] = task
	q.mu.Unlock()

	q.logger.Info("task enqueued",
		"task_id", task.ID,
		"priority", task.Priority,
		"repository", task.RepositoryPath,
	)
	q.publish(task.ID, "", TaskPending)

	// Nudge the scheduler loop
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return *task, nil
}

// Wake returns the channel signalled on enqueue, for the scheduler loop to
// select on alongside its tick.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// ScheduleOnce runs a single scheduling pass: every Pending task, in
// priority-then-FIFO order, is offered to the longest-idle eligible agent.
// A task with no eligible agent stays Pending and never blocks the tasks
// behind it. Returns the pairings made; the caller dispatches the commands.
func (q *Queue) ScheduleOnce() []Assignment {
	var assignments []Assignment

	for _, taskID := range q.pendingOrder() {
		task, ok := q.snapshot(taskID)
		if !ok || task.Status != TaskPending {
			// Raced with a concurrent pass or an outcome; skip
			continue
		}

		matching, fallback := q.pool.FindEligible(task.RepositoryPath)
		agentID := q.claim(taskID, matching)
		if agentID == "" {
			agentID = q.claim(taskID, fallback)
		}
		if agentID == "" {
			continue
		}

		if !q.markAssigned(taskID, agentID) {
			// The task reached a terminal state between the snapshot
			// and the claim; give the agent back. Not an outcome, so the
			// agent's failure streak is untouched.
			if err := q.pool.Unassign(agentID); err != nil {
				q.logger.Error("returning agent after lost task",
					"agent_id", agentID, "error", err)
			}
			continue
		}

		q.logger.Info("task assigned",
			"task_id", taskID,
			"agent_id", agentID,
		)
		assignments = append(assignments, Assignment{TaskID: taskID, AgentID: agentID})
	}

	return assignments
}

// claim tries candidates in order until the pool's compare-and-set accepts
// one. Agents that stopped being idle since FindEligible simply lose.
func (q *Queue) claim(taskID string, candidates []registry.Agent) string {
	for _, agent := range candidates {
		if err := q.pool.Assign(agent.ID, taskID); err == nil {
			return agent.ID
		}
	}
	return ""
}

// markAssigned moves a Pending task to Assigned under the queue lock.
// Returns false if the task is no longer Pending.
func (q *Queue) markAssigned(taskID, agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.Status != TaskPending {
		return false
	}
	task.Status = TaskAssigned
	task.AssignedAgentID = agentID
	q.publishLocked(taskID, TaskPending, TaskAssigned)
	return true
}

// MarkInProgress records that the task's command was issued to its agent.
func (q *Queue) MarkInProgress(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskAssigned {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotActive, taskID, task.Status)
	}
	task.Status = TaskInProgress
	task.StartedAt = time.Now()
	q.publishLocked(taskID, TaskAssigned, TaskInProgress)
	return nil
}

// Requeue returns an Assigned task to Pending, used when its command could
// not be dispatched (dead channel). The task was never issued, so this is
// not a failure; it will be retried on a later pass. The agent must be
// released by the caller.
func (q *Queue) Requeue(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskAssigned {
		return fmt.Errorf("%w: %s is %s, not assigned", ErrTaskNotActive, taskID, task.Status)
	}
	task.Status = TaskPending
	task.AssignedAgentID = ""
	q.publishLocked(taskID, TaskAssigned, TaskPending)
	return nil
}

// ReportOutcome applies the externally reported result of a task and
// releases its agent. Terminal; failed tasks are not requeued here,
// re-submission is the caller's decision.
func (q *Queue) ReportOutcome(taskID string, outcome Outcome) error {
	q.mu.Lock()

	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskAssigned && task.Status != TaskInProgress {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskNotActive, taskID, task.Status)
	}

	old := task.Status
	agentID := task.AssignedAgentID
	failed := outcome == OutcomeFailed

	if failed {
		task.Status = TaskFailed
	} else {
		task.Status = TaskCompleted
	}
	task.CompletedAt = time.Now()
	q.publishLocked(taskID, old, task.Status)
	q.mu.Unlock()

	q.logger.Info("task outcome reported",
		"task_id", taskID,
		"outcome", outcome,
		"agent_id", agentID,
	)

	if agentID != "" {
		if err := q.pool.Release(agentID, failed); err != nil {
			// The agent may already have gone offline; the outcome
			// itself still stands.
			q.logger.Warn("releasing agent after outcome",
				"agent_id", agentID, "error", err)
		}
	}
	return nil
}

// FailLostAgent marks the active task of a lost agent as Failed without
// releasing the agent, which has already left Working through the timeout
// path. No-op if the agent has no active task.
func (q *Queue) FailLostAgent(agentID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, task := range q.tasks {
		if task.AssignedAgentID != agentID {
			continue
		}
		if task.Status != TaskAssigned && task.Status != TaskInProgress {
			continue
		}

		old := task.Status
		task.Status = TaskFailed
		task.CompletedAt = time.Now()
		q.publishLocked(task.ID, old, TaskFailed)
		q.logger.Warn("task failed: assigned agent lost",
			"task_id", task.ID,
			"agent_id", agentID,
		)
		return task.ID, true
	}
	return "", false
}

// NextTaskForAgent supports pull-based agents: returns the task already
// assigned to this agent if one is active, otherwise the best Pending task
// that is unconstrained or matches the agent's affinity. Does not perform
// the pairing itself.
func (q *Queue) NextTaskForAgent(agentID string) (Task, bool) {
	agent, err := q.pool.Get(agentID)
	if err != nil {
		return Task{}, false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	// An active assignment wins
	for _, task := range q.tasks {
		if task.AssignedAgentID == agentID &&
			(task.Status == TaskAssigned || task.Status == TaskInProgress) {
			return *task, true
		}
	}

	var best *Task
	for _, task := range q.tasks {
		if task.Status != TaskPending {
			continue
		}
		if task.RepositoryPath != "" && task.RepositoryPath != agent.RepositoryAffinity {
			continue
		}
		if best == nil || task.before(best) {
			best = task
		}
	}
	if best == nil {
		return Task{}, false
	}
	return *best, true
}

// Get returns a copy of a task.
func (q *Queue) Get(taskID string) (Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return *task, nil
}

// List returns copies of all tasks in scheduling order, including finished
// ones.
func (q *Queue) List() []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].before(&out[j]) })
	return out
}

// Pending returns copies of Pending tasks in scheduling order.
func (q *Queue) Pending() []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []Task
	for _, task := range q.tasks {
		if task.Status == TaskPending {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].before(&out[j]) })
	return out
}

// pendingOrder returns the IDs of Pending tasks in scheduling order.
func (q *Queue) pendingOrder() []string {
	pending := q.Pending()
	ids := make([]string, len(pending))
	for i, task := range pending {
		ids[i] = task.ID
	}
	return ids
}

// snapshot returns a copy of a task and whether it exists.
func (q *Queue) snapshot(taskID string) (Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// publish emits a task status change without holding the queue lock.
func (q *Queue) publish(taskID string, oldStatus, newStatus TaskStatus) {
	if q.notifier == nil {
		return
	}
	q.notifier.Publish(events.StatusChange{
		EntityKind: events.EntityTask,
		EntityID:   taskID,
		OldState:   string(oldStatus),
		NewState:   string(newStatus),
		Timestamp:  time.Now(),
	})
}

// publishLocked is publish for call sites already holding the lock; the
// notifier never blocks, so holding the lock across it is safe.
func (q *Queue) publishLocked(taskID string, oldStatus, newStatus TaskStatus) {
	q.publish(taskID, oldStatus, newStatus)
}
