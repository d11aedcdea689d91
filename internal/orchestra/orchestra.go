// ABOUTME: Orchestra facade wiring registry, queue, sessions, events, and store
// ABOUTME: Owns the boundary API and the scheduler/monitor/reaper/persist loops

package orchestra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-dev/orchestra/internal/buffer"
	"github.com/orchestra-dev/orchestra/internal/config"
	"github.com/orchestra-dev/orchestra/internal/connector"
	"github.com/orchestra-dev/orchestra/internal/events"
	"github.com/orchestra-dev/orchestra/internal/registry"
	"github.com/orchestra-dev/orchestra/internal/session"
	"github.com/orchestra-dev/orchestra/internal/store"
	"github.com/orchestra-dev/orchestra/internal/taskqueue"
)

// ErrNoTransport indicates the agent has no transport on record and none
// was supplied, so no session can be opened.
var ErrNoTransport = errors.New("agent has no transport")

// persistTimeout bounds each store write made by the persist loop.
const persistTimeout = 5 * time.Second

// Orchestra coordinates the agent pool: it owns the registry, the task
// queue, the session manager, the event notifier, and the store, and runs
// the background loops that tie them together.
type Orchestra struct {
	cfg      *config.Config
	logger   *slog.Logger
	notifier *events.Notifier
	registry *registry.Registry
	queue    *taskqueue.Queue
	sessions *session.Manager
	monitor  *registry.Monitor
	store    store.Store

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates an Orchestra from configuration. st may be nil to run
// without persistence; logger may be nil for the default.
func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Orchestra {
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestra{
		cfg:    cfg,
		logger: logger.With("component", "orchestra"),
		store:  st,
	}

	o.notifier = events.NewNotifier(logger)
	o.registry = registry.NewRegistry(o.notifier, cfg.Scheduler.FailureThreshold, logger)
	o.queue = taskqueue.NewQueue(o.registry, o.notifier, logger)

	o.sessions = session.NewManager(session.Config{
		IdleThreshold:  cfg.Sessions.IdleThreshold,
		ReapInterval:   cfg.Sessions.ReapInterval,
		BufferCapacity: cfg.Sessions.BufferCapacity,
		Connector: connector.Config{
			ConnectTimeout:   cfg.Connectors.ConnectTimeout,
			SendTimeout:      cfg.Connectors.SendTimeout,
			SendTimeoutLimit: cfg.Connectors.SendTimeoutLimit,
			Reconnect:        cfg.Connectors.Reconnect,
			BackoffBase:      cfg.Connectors.BackoffBase,
			BackoffMax:       cfg.Connectors.BackoffMax,
			MaxAttempts:      cfg.Connectors.MaxAttempts,
		},
	}, o.notifier, o.handleConnectorFailure, logger)

	o.monitor = registry.NewMonitor(o.registry, nil,
		cfg.Agents.HeartbeatTimeout, cfg.Agents.SweepInterval,
		o.handleAgentLost, logger)

	return o
}

// Start launches the background loops: scheduler, heartbeat sweep, session
// reaper, and the store persist loop. Idempotent start is an error.
func (o *Orchestra) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return fmt.Errorf("orchestra already started")
	}
	o.started = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.scheduleLoop(runCtx)
	}()
	go func() {
		defer o.wg.Done()
		o.monitor.Run(runCtx)
	}()
	go func() {
		defer o.wg.Done()
		o.sessions.RunReaper(runCtx)
	}()

	if o.store != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.persistLoop(runCtx)
		}()
	}

	o.logger.Info("orchestra started",
		"scheduler_tick", o.cfg.Scheduler.Tick,
		"heartbeat_timeout", o.cfg.Agents.HeartbeatTimeout,
	)
	return nil
}

// Shutdown stops the background loops, closes every live session, and
// waits for the loops to exit.
func (o *Orchestra) Shutdown() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	for _, s := range o.sessions.List() {
		if err := o.sessions.Close(s.ID); err != nil {
			o.logger.Warn("closing session on shutdown", "session_id", s.ID, "error", err)
		}
	}
	o.notifier.Close()
	o.logger.Info("orchestra stopped")
}

// SubmitTask adds a task to the queue. An empty priority defaults to
// normal; repositoryPath may be empty for an unconstrained task.
func (o *Orchestra) SubmitTask(command, repositoryPath string, priority taskqueue.Priority) (taskqueue.Task, error) {
	return o.queue.Enqueue(command, repositoryPath, priority)
}

// RegisterAgent adds an agent to the pool. The transport describes how to
// reach the agent's process and may be zero if the agent will be connected
// explicitly later.
func (o *Orchestra) RegisterAgent(id, repositoryAffinity string, transport registry.TransportSpec) (registry.Agent, error) {
	return o.registry.Register(id, repositoryAffinity, transport)
}

// Heartbeat records a liveness signal from an agent.
func (o *Orchestra) Heartbeat(agentID string) error {
	if err := o.registry.Heartbeat(agentID); err != nil {
		return err
	}
	// Status changes persist through the notifier; the refreshed
	// timestamp needs an explicit write.
	o.persistAgent(agentID)
	return nil
}

// DeregisterAgent soft-removes an agent and closes its session if one is
// open. The agent record is kept for history.
func (o *Orchestra) DeregisterAgent(agentID string) error {
	if err := o.registry.Deregister(agentID); err != nil {
		return err
	}
	if s, ok := o.sessions.GetByAgent(agentID); ok {
		if err := o.sessions.Close(s.ID); err != nil {
			o.logger.Warn("closing session on deregister", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// ClearAgentFault returns an Error agent to Idle after operator review.
func (o *Orchestra) ClearAgentFault(agentID string) error {
	return o.registry.UpdateStatus(agentID, registry.StatusIdle)
}

// ReportAgentFault moves an agent to Error on an explicit fault report.
func (o *Orchestra) ReportAgentFault(agentID, reason string) error {
	return o.registry.ReportFault(agentID, reason)
}

// ConnectAgent opens (or returns) the session to an agent and returns its
// session ID. A non-nil transport replaces the agent's transport on
// record first.
func (o *Orchestra) ConnectAgent(ctx context.Context, agentID string, transport *registry.TransportSpec) (string, error) {
	if transport != nil {
		if err := o.registry.SetTransport(agentID, *transport); err != nil {
			return "", err
		}
	}

	agent, err := o.registry.Get(agentID)
	if err != nil {
		return "", err
	}
	if agent.Transport.Kind == "" {
		return "", fmt.Errorf("%w: %s", ErrNoTransport, agentID)
	}

	s, err := o.sessions.GetOrCreate(ctx, agentID, agent.Transport.Kind, transportParams(agent.Transport))
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// DisconnectSession closes a session. The agent stays registered.
func (o *Orchestra) DisconnectSession(sessionID string) error {
	return o.sessions.Close(sessionID)
}

// StreamOutput replays buffered output from cursor onward and then follows
// live output until ctx is cancelled. A cursor of 0 replays everything
// still buffered.
func (o *Orchestra) StreamOutput(ctx context.Context, sessionID string, cursor int64) (<-chan buffer.Line, error) {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Buffer.StreamFrom(ctx, cursor, nil), nil
}

// LastOutput returns up to n most recent buffered lines, oldest first.
func (o *Orchestra) LastOutput(sessionID string, n int) ([]buffer.Line, error) {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Buffer.LastLines(n), nil
}

// SendCommand writes one command line to an agent's live session outside
// the scheduler, for interactive use.
func (o *Orchestra) SendCommand(ctx context.Context, sessionID, command string) error {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	s.Touch()
	return s.Connector.SendCommand(ctx, command)
}

// ReportTaskOutcome applies the result of a task and releases its agent.
func (o *Orchestra) ReportTaskOutcome(taskID string, outcome taskqueue.Outcome) error {
	return o.queue.ReportOutcome(taskID, outcome)
}

// SubscribeStatusChanges returns a channel of agent/task/session status
// transitions. The subscription ends when ctx is cancelled.
func (o *Orchestra) SubscribeStatusChanges(ctx context.Context) (<-chan events.StatusChange, string) {
	return o.notifier.Subscribe(ctx)
}

// Agents returns a snapshot of every known agent.
func (o *Orchestra) Agents() []registry.Agent {
	return o.registry.List()
}

// GetAgent returns a copy of one agent.
func (o *Orchestra) GetAgent(agentID string) (registry.Agent, error) {
	return o.registry.Get(agentID)
}

// Tasks returns a snapshot of every task, newest first.
func (o *Orchestra) Tasks() []taskqueue.Task {
	return o.queue.List()
}

// GetTask returns a copy of one task.
func (o *Orchestra) GetTask(taskID string) (taskqueue.Task, error) {
	return o.queue.Get(taskID)
}

// PendingTasks returns the Pending tasks in scheduling order.
func (o *Orchestra) PendingTasks() []taskqueue.Task {
	return o.queue.Pending()
}

// NextTaskForAgent supports pull-based agents asking what to work on.
func (o *Orchestra) NextTaskForAgent(agentID string) (taskqueue.Task, bool) {
	return o.queue.NextTaskForAgent(agentID)
}

// Sessions returns the live sessions.
func (o *Orchestra) Sessions() []*session.Session {
	return o.sessions.List()
}

// AuditTrail returns the persisted status transitions for one entity,
// oldest first. Requires a store.
func (o *Orchestra) AuditTrail(ctx context.Context, entityKind, entityID string, limit int) ([]*store.Transition, error) {
	if o.store == nil {
		return nil, fmt.Errorf("no store configured")
	}
	return o.store.ListTransitions(ctx, entityKind, entityID, limit)
}

// scheduleLoop pairs tasks with agents on every tick and on every enqueue
// nudge, then dispatches the paired commands.
func (o *Orchestra) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Scheduler.Tick)
	defer ticker.Stop()

	wake := o.queue.Wake()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		for _, a := range o.queue.ScheduleOnce() {
			o.dispatch(ctx, a)
		}
	}
}

// dispatch issues an assigned task's command through the agent's session.
// A delivery failure is not a task failure: the task goes back to Pending
// and the agent is parked Offline until its next heartbeat.
func (o *Orchestra) dispatch(ctx context.Context, a taskqueue.Assignment) {
	err := o.deliver(ctx, a)
	if err == nil {
		return
	}

	o.logger.Warn("dispatch failed, requeueing task",
		"task_id", a.TaskID,
		"agent_id", a.AgentID,
		"error", err,
	)

	if rqErr := o.queue.Requeue(a.TaskID); rqErr != nil {
		o.logger.Error("requeue after failed dispatch", "task_id", a.TaskID, "error", rqErr)
	}
	if relErr := o.registry.Unassign(a.AgentID); relErr != nil {
		o.logger.Warn("returning agent after failed dispatch", "agent_id", a.AgentID, "error", relErr)
	}
	if offErr := o.registry.UpdateStatus(a.AgentID, registry.StatusOffline); offErr != nil {
		o.logger.Warn("parking agent offline after failed dispatch", "agent_id", a.AgentID, "error", offErr)
	}
}

func (o *Orchestra) deliver(ctx context.Context, a taskqueue.Assignment) error {
	agent, err := o.registry.Get(a.AgentID)
	if err != nil {
		return err
	}
	if agent.Transport.Kind == "" {
		return fmt.Errorf("%w: %s", ErrNoTransport, a.AgentID)
	}

	task, err := o.queue.Get(a.TaskID)
	if err != nil {
		return err
	}

	s, err := o.sessions.GetOrCreate(ctx, agent.ID, agent.Transport.Kind, transportParams(agent.Transport))
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	if err := s.Connector.SendCommand(ctx, task.Command); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	s.Touch()

	if err := o.queue.MarkInProgress(a.TaskID); err != nil {
		// Lost a race with an outcome report or a lost-agent sweep;
		// the command went out, nothing more to do here.
		o.logger.Warn("task left assigned state during dispatch", "task_id", a.TaskID, "error", err)
	}

	o.logger.Info("task dispatched",
		"task_id", a.TaskID,
		"agent_id", a.AgentID,
		"session_id", s.ID,
	)
	return nil
}

// handleConnectorFailure parks an agent whose session channel died. Any
// in-flight task fails; a command may have been half-delivered, so it is
// not silently retried.
func (o *Orchestra) handleConnectorFailure(agentID string) {
	o.logger.Warn("agent connection failed", "agent_id", agentID)

	if err := o.registry.UpdateStatus(agentID, registry.StatusOffline); err != nil &&
		!errors.Is(err, registry.ErrAgentNotFound) {
		o.logger.Warn("marking agent offline", "agent_id", agentID, "error", err)
	}
	if taskID, ok := o.queue.FailLostAgent(agentID); ok {
		o.logger.Warn("in-flight task failed with its connection",
			"task_id", taskID, "agent_id", agentID)
	}
}

// handleAgentLost resolves the in-flight task of an agent that went stale
// while Working. The registry has already parked the agent Offline.
func (o *Orchestra) handleAgentLost(agentID string) {
	if taskID, ok := o.queue.FailLostAgent(agentID); ok {
		o.logger.Warn("in-flight task failed with lost agent",
			"task_id", taskID, "agent_id", agentID)
	}
}

// persistLoop mirrors status changes into the store: the current record of
// the changed entity plus one audit trail entry per transition. Session
// changes are transient and not persisted.
func (o *Orchestra) persistLoop(ctx context.Context) {
	changes, subID := o.notifier.Subscribe(ctx)
	defer o.notifier.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			o.persistChange(change)
		}
	}
}

func (o *Orchestra) persistChange(change events.StatusChange) {
	switch change.EntityKind {
	case events.EntityAgent:
		o.persistAgent(change.EntityID)
	case events.EntityTask:
		o.persistTask(change.EntityID)
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	tr := &store.Transition{
		ID:         uuid.New().String(),
		EntityKind: change.EntityKind,
		EntityID:   change.EntityID,
		OldState:   change.OldState,
		NewState:   change.NewState,
		Timestamp:  change.Timestamp,
	}
	if err := o.store.RecordTransition(ctx, tr); err != nil {
		o.logger.Warn("recording transition", "entity_id", change.EntityID, "error", err)
	}
}

func (o *Orchestra) persistAgent(agentID string) {
	if o.store == nil {
		return
	}
	agent, err := o.registry.Get(agentID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	record := &store.AgentRecord{
		ID:                 agent.ID,
		RepositoryAffinity: agent.RepositoryAffinity,
		Status:             string(agent.Status),
		LastHeartbeat:      agent.LastHeartbeat,
		CurrentTaskID:      agent.CurrentTaskID,
		RegisteredAt:       agent.RegisteredAt,
	}
	if err := o.store.SaveAgent(ctx, record); err != nil {
		o.logger.Warn("persisting agent", "agent_id", agentID, "error", err)
	}
}

func (o *Orchestra) persistTask(taskID string) {
	if o.store == nil {
		return
	}
	task, err := o.queue.Get(taskID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	record := &store.TaskRecord{
		ID:              task.ID,
		Command:         task.Command,
		RepositoryPath:  task.RepositoryPath,
		Priority:        string(task.Priority),
		Status:          string(task.Status),
		AssignedAgentID: task.AssignedAgentID,
		CreatedAt:       task.CreatedAt,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
	}
	if task.Status.Terminal() {
		record.Outcome = string(task.Status)
	}
	if err := o.store.SaveTask(ctx, record); err != nil {
		o.logger.Warn("persisting task", "task_id", taskID, "error", err)
	}
}

func transportParams(t registry.TransportSpec) connector.Params {
	return connector.Params{
		Address: t.Address,
		URL:     t.URL,
		Command: t.Command,
		Dir:     t.Dir,
	}
}
