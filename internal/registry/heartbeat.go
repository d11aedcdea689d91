// ABOUTME: HeartbeatSource capability interface and the monitor loop that consumes one.
// ABOUTME: Decouples discovery/heartbeat strategies from the registry and scheduler.

package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// HeartbeatSource is any external source of agent liveness signals: a
// polling discovery scan, a push endpoint, a process watcher. The registry
// does not care which.
type HeartbeatSource interface {
	// Heartbeats returns a channel of agent IDs that are alive. The
	// channel is closed when the source shuts down.
	Heartbeats(ctx context.Context) <-chan string
}

// Monitor drives the registry from a HeartbeatSource and periodically
// sweeps heartbeat-silent agents to Offline.
type Monitor struct {
	registry *Registry
	source   HeartbeatSource
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	// onAgentLost is called for each agent that went stale while Working,
	// so the owner can resolve the agent's in-flight task.
	onAgentLost func(agentID string)
}

// NewMonitor creates a heartbeat monitor. source may be nil when heartbeats
// arrive only through the registry's Heartbeat call. onAgentLost may be nil.
func NewMonitor(reg *Registry, source HeartbeatSource, timeout, sweepInterval time.Duration, onAgentLost func(string), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:    reg,
		source:      source,
		timeout:     timeout,
		interval:    sweepInterval,
		logger:      logger.With("component", "heartbeat-monitor"),
		onAgentLost: onAgentLost,
	}
}

// Run consumes the heartbeat source and runs the stale sweep until ctx is
// cancelled. Blocks; run in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	var beats <-chan string
	if m.source != nil {
		beats = m.source.Heartbeats(ctx)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case id, ok := <-beats:
			if !ok {
				beats = nil
				continue
			}
			if err := m.registry.Heartbeat(id); err != nil && !errors.Is(err, ErrAgentNotFound) {
				m.logger.Warn("heartbeat rejected", "agent_id", id, "error", err)
			}

		case <-ticker.C:
			lost := m.registry.MarkStale(m.timeout)
			for _, id := range lost {
				m.logger.Warn("working agent lost to heartbeat timeout", "agent_id", id)
				if m.onAgentLost != nil {
					m.onAgentLost(id)
				}
			}
		}
	}
}
