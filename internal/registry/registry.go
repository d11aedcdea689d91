// ABOUTME: Tracks known agents, their repository affinity, and their status state machine.
// ABOUTME: All status mutation goes through atomic check-then-write operations under one lock.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orchestra-dev/orchestra/internal/events"
)

// ErrDuplicateAgent indicates an agent with the same ID is already registered.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrInvalidTransition indicates the requested status change is not allowed
// by the agent state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAgentNotIdle indicates an assignment was attempted on an agent that is
// not eligible for work.
var ErrAgentNotIdle = errors.New("agent is not idle")

// Status is the closed set of agent lifecycle states.
type Status string

const (
	// StatusIdle means the agent is healthy and eligible for assignment.
	StatusIdle Status = "idle"
	// StatusWorking means the agent has a task assigned or in progress.
	StatusWorking Status = "working"
	// StatusOffline means the agent has not sent a heartbeat recently.
	StatusOffline Status = "offline"
	// StatusError means the agent reported a fault or failed repeatedly.
	StatusError Status = "error"
	// StatusDeregistered means the agent was removed. The record is kept
	// for history; the status is terminal.
	StatusDeregistered Status = "deregistered"
)

// validTransitions encodes the agent state machine. An absent edge is an
// invalid transition and is rejected, never coerced.
var validTransitions = map[Status]map[Status]bool{
	StatusIdle: {
		StatusIdle:         true, // heartbeat refresh
		StatusWorking:      true, // task assigned
		StatusOffline:      true, // heartbeat timeout
		StatusError:        true, // fault report
		StatusDeregistered: true,
	},
	StatusWorking: {
		StatusIdle:         true, // task completed or failed
		StatusOffline:      true, // heartbeat timeout
		StatusError:        true, // fault report or repeated failures
		StatusDeregistered: true,
	},
	StatusOffline: {
		StatusIdle:         true, // heartbeat received
		StatusError:        true, // fault report
		StatusOffline:      true,
		StatusDeregistered: true,
	},
	StatusError: {
		StatusIdle:         true, // explicit fault clear
		StatusOffline:      true, // heartbeat timeout
		StatusError:        true,
		StatusDeregistered: true,
	},
	StatusDeregistered: {},
}

// Agent is a known agent process. ID and RegisteredAt are immutable after
// registration; everything else mutates through the Registry.
type Agent struct {
	ID                 string
	RepositoryAffinity string
	Status             Status
	LastHeartbeat      time.Time
	CurrentTaskID      string
	RegisteredAt       time.Time

	// Transport describes how to reach the agent's process. Set at
	// registration or on first explicit connect.
	Transport TransportSpec

	// consecutiveFailures counts task failures since the last success.
	consecutiveFailures int
}

// TransportSpec names the connector kind and parameters used to open a
// session to this agent.
type TransportSpec struct {
	Kind    string
	Address string
	URL     string
	Command []string
	Dir     string
}

// Registry is the shared, mutated-by-many store of agent state. Callers
// never receive references into internal state; lookups return copies.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	notifier *events.Notifier
	logger   *slog.Logger

	// failureThreshold is the consecutive task failure count at which a
	// Working agent transitions to Error instead of back to Idle.
	failureThreshold int
}

// NewRegistry creates a Registry. The notifier may be nil when no observer
// cares about status changes (tests).
func NewRegistry(notifier *events.Notifier, failureThreshold int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Registry{
		agents:           make(map[string]*Agent),
		notifier:         notifier,
		logger:           logger.With("component", "registry"),
		failureThreshold: failureThreshold,
	}
}

// Register adds a new agent. New agents start Idle with a fresh heartbeat so
// the scheduler can see them immediately; an agent is only considered stale
// once its heartbeat actually times out.
func (r *Registry) Register(id, repositoryAffinity string, transport TransportSpec) (Agent, error) {
	if id == "" {
		return Agent{}, fmt.Errorf("agent id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[id]; ok && existing.Status != StatusDeregistered {
		return Agent{}, fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}

	now := time.Now()
	agent := &Agent{
		ID:                 id,
		RepositoryAffinity: repositoryAffinity,
		Status:             StatusIdle,
		LastHeartbeat:      now,
		RegisteredAt:       now,
		Transport:          transport,
	}
	r.agents[id] = agent

	r.logger.Info("agent registered",
		"agent_id", id,
		"repository", repositoryAffinity,
		"total_agents", len(r.agents),
	)
	r.publish(id, "", StatusIdle)

	return *agent, nil
}

// Deregister soft-removes an agent. The record stays for audit history but
// the agent is permanently ineligible.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status == StatusDeregistered {
		return nil
	}

	old := agent.Status
	agent.Status = StatusDeregistered
	agent.CurrentTaskID = ""

	r.logger.Info("agent deregistered", "agent_id", id)
	r.publish(id, old, StatusDeregistered)
	return nil
}

// Heartbeat refreshes the agent's heartbeat timestamp and revives an
// Offline agent to Idle. Error agents stay in Error until explicitly
// cleared; Working agents keep working.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status == StatusDeregistered {
		return fmt.Errorf("%w: %s is deregistered", ErrInvalidTransition, id)
	}

	agent.LastHeartbeat = time.Now()
	if agent.Status == StatusOffline {
		agent.Status = StatusIdle
		r.logger.Info("agent revived by heartbeat", "agent_id", id)
		r.publish(id, StatusOffline, StatusIdle)
	}
	return nil
}

// UpdateStatus applies an explicit status change, enforcing the transition
// table. Assignments must go through Assign, not UpdateStatus.
func (r *Registry) UpdateStatus(id string, newStatus Status) error {
	if newStatus == StatusWorking {
		return fmt.Errorf("%w: use Assign to mark an agent working", ErrInvalidTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return r.transitionLocked(agent, newStatus)
}

// ReportFault moves an agent to Error on an explicit fault report.
func (r *Registry) ReportFault(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	r.logger.Warn("agent reported fault", "agent_id", id, "reason", reason)
	return r.transitionLocked(agent, StatusError)
}

// Assign atomically claims an Idle agent for a task. The eligibility check
// and the Working transition happen under one lock, so two concurrent
// scheduling attempts can never both claim the same agent.
func (r *Registry) Assign(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if agent.Status != StatusIdle {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotIdle, agentID, agent.Status)
	}

	agent.Status = StatusWorking
	agent.CurrentTaskID = taskID
	r.publish(agentID, StatusIdle, StatusWorking)
	return nil
}

// Release returns a Working agent to Idle after a task outcome. A failed
// outcome increments the consecutive failure count; at the configured
// threshold the agent goes to Error instead.
func (r *Registry) Release(agentID string, failed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if agent.Status != StatusWorking {
		return fmt.Errorf("%w: %s is %s, not working", ErrInvalidTransition, agentID, agent.Status)
	}

	agent.CurrentTaskID = ""

	if failed {
		agent.consecutiveFailures++
		if agent.consecutiveFailures >= r.failureThreshold {
			r.logger.Warn("agent exceeded failure threshold",
				"agent_id", agentID,
				"failures", agent.consecutiveFailures,
			)
			agent.Status = StatusError
			r.publish(agentID, StatusWorking, StatusError)
			return nil
		}
	} else {
		agent.consecutiveFailures = 0
	}

	agent.Status = StatusIdle
	r.publish(agentID, StatusWorking, StatusIdle)
	return nil
}

// Unassign undoes a pairing that never produced an outcome: the task was
// lost or its command could not be dispatched. The agent goes back to Idle
// with its consecutive failure streak untouched, since nothing about the
// agent's own work was decided.
func (r *Registry) Unassign(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if agent.Status != StatusWorking {
		return fmt.Errorf("%w: %s is %s, not working", ErrInvalidTransition, agentID, agent.Status)
	}

	agent.CurrentTaskID = ""
	agent.Status = StatusIdle
	r.publish(agentID, StatusWorking, StatusIdle)
	return nil
}

// clearTaskLocked detaches the current task when an agent leaves Working
// through a non-outcome path (heartbeat timeout, fault), keeping the
// Working-implies-task invariant intact. Caller holds the lock.
func (r *Registry) clearTaskLocked(agent *Agent) {
	agent.CurrentTaskID = ""
}

// FindEligible returns Idle agents for a scheduling attempt: first those
// whose affinity matches repositoryPath, then all remaining Idle agents as
// a fallback. Both sequences are ordered oldest heartbeat first, so the
// longest-idle agent is preferred.
func (r *Registry) FindEligible(repositoryPath string) (matching, fallback []Agent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, agent := range r.agents {
		if agent.Status != StatusIdle {
			continue
		}
		if repositoryPath != "" && agent.RepositoryAffinity == repositoryPath {
			matching = append(matching, *agent)
		} else {
			fallback = append(fallback, *agent)
		}
	}

	byOldestHeartbeat := func(agents []Agent) func(i, j int) bool {
		return func(i, j int) bool {
			if agents[i].LastHeartbeat.Equal(agents[j].LastHeartbeat) {
				return agents[i].ID < agents[j].ID
			}
			return agents[i].LastHeartbeat.Before(agents[j].LastHeartbeat)
		}
	}
	sort.Slice(matching, byOldestHeartbeat(matching))
	sort.Slice(fallback, byOldestHeartbeat(fallback))
	return matching, fallback
}

// MarkStale transitions agents whose heartbeat is older than timeout to
// Offline and returns the IDs of agents that were Working when they went
// stale, so the caller can deal with their in-flight tasks.
func (r *Registry) MarkStale(timeout time.Duration) (lostWorking []string) {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, agent := range r.agents {
		switch agent.Status {
		case StatusOffline, StatusDeregistered:
			continue
		}
		if agent.LastHeartbeat.After(cutoff) {
			continue
		}

		old := agent.Status
		if old == StatusWorking {
			lostWorking = append(lostWorking, id)
			r.clearTaskLocked(agent)
		}
		agent.Status = StatusOffline
		r.logger.Warn("agent went offline",
			"agent_id", id,
			"last_heartbeat", agent.LastHeartbeat,
		)
		r.publish(id, old, StatusOffline)
	}
	return lostWorking
}

// SetTransport records how to reach an agent, from an explicit connect.
func (r *Registry) SetTransport(id string, transport TransportSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	agent.Transport = transport
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return *agent, nil
}

// List returns copies of all agent records, including deregistered ones.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// transitionLocked applies a validated status change. Caller holds the lock.
func (r *Registry) transitionLocked(agent *Agent, newStatus Status) error {
	if agent.Status == newStatus {
		return nil
	}
	if !validTransitions[agent.Status][newStatus] {
		return fmt.Errorf("%w: %s -> %s for agent %s",
			ErrInvalidTransition, agent.Status, newStatus, agent.ID)
	}

	old := agent.Status
	if old == StatusWorking {
		r.clearTaskLocked(agent)
	}
	agent.Status = newStatus
	r.publish(agent.ID, old, newStatus)
	return nil
}

// publish emits a status-change notification. Caller holds the lock; the
// notifier itself never blocks.
func (r *Registry) publish(agentID string, oldStatus, newStatus Status) {
	if r.notifier == nil {
		return
	}
	r.notifier.Publish(events.StatusChange{
		EntityKind: events.EntityAgent,
		EntityID:   agentID,
		OldState:   string(oldStatus),
		NewState:   string(newStatus),
		Timestamp:  time.Now(),
	})
}
