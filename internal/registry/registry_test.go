// ABOUTME: Tests for the agent registry state machine and eligibility queries.
// ABOUTME: Covers registration, transitions, heartbeats, atomic assignment, and stale sweeps.

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-dev/orchestra/internal/events"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(nil, 3, nil)
}

func TestRegistry_RegisterStartsIdle(t *testing.T) {
	r := newTestRegistry(t)

	agent, err := r.Register("a1", "/repo/one", TransportSpec{})
	require.NoError(t, err)

	assert.Equal(t, StatusIdle, agent.Status)
	assert.False(t, agent.LastHeartbeat.IsZero())
	assert.Empty(t, agent.CurrentTaskID)
}

func TestRegistry_RegisterDuplicateFails(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	_, err = r.Register("a1", "/other", TransportSpec{})
	assert.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestRegistry_RegisterEmptyIDFails(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("", "/repo", TransportSpec{})
	assert.Error(t, err)
}

func TestRegistry_ReRegisterAfterDeregister(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)
	require.NoError(t, r.Deregister("a1"))

	_, err = r.Register("a1", "/repo", TransportSpec{})
	assert.NoError(t, err)
}

func TestRegistry_HeartbeatRevivesOffline(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	require.NoError(t, r.UpdateStatus("a1", StatusOffline))

	require.NoError(t, r.Heartbeat("a1"))

	agent, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, agent.Status)
}

func TestRegistry_HeartbeatDoesNotClearError(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	require.NoError(t, r.ReportFault("a1", "disk full"))
	require.NoError(t, r.Heartbeat("a1"))

	agent, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, agent.Status)

	// Explicit clear brings it back
	require.NoError(t, r.UpdateStatus("a1", StatusIdle))
}

func TestRegistry_HeartbeatUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.Heartbeat("ghost"), ErrAgentNotFound)
}

func TestRegistry_InvalidTransitionsRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	// Working is only reachable via Assign
	err = r.UpdateStatus("a1", StatusWorking)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Deregistered is terminal
	require.NoError(t, r.Deregister("a1"))
	err = r.UpdateStatus("a1", StatusIdle)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = r.Heartbeat("a1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRegistry_AssignOnlyIdleAgents(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	require.NoError(t, r.Assign("a1", "t1"))

	agent, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, agent.Status)
	assert.Equal(t, "t1", agent.CurrentTaskID)

	// Second assignment is rejected, not coerced
	err = r.Assign("a1", "t2")
	assert.ErrorIs(t, err, ErrAgentNotIdle)

	agent, _ = r.Get("a1")
	assert.Equal(t, "t1", agent.CurrentTaskID)
}

func TestRegistry_AssignIsAtomicUnderContention(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	const attempts = 50
	var wg sync.WaitGroup
	wins := make(chan string, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			taskID := "task-" + string(rune('a'+n%26))
			if err := r.Assign("a1", taskID); err == nil {
				wins <- taskID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one concurrent assignment must win")

	agent, _ := r.Get("a1")
	assert.Equal(t, winners[0], agent.CurrentTaskID)
}

func TestRegistry_ReleaseSuccessReturnsToIdle(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)
	require.NoError(t, r.Assign("a1", "t1"))

	require.NoError(t, r.Release("a1", false))

	agent, _ := r.Get("a1")
	assert.Equal(t, StatusIdle, agent.Status)
	assert.Empty(t, agent.CurrentTaskID)
}

func TestRegistry_RepeatedFailuresEscalateToError(t *testing.T) {
	r := NewRegistry(nil, 3, nil)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, r.Assign("a1", "t"))
		require.NoError(t, r.Release("a1", true))
		agent, _ := r.Get("a1")
		assert.Equal(t, StatusIdle, agent.Status, "below threshold stays idle")
	}

	require.NoError(t, r.Assign("a1", "t"))
	require.NoError(t, r.Release("a1", true))

	agent, _ := r.Get("a1")
	assert.Equal(t, StatusError, agent.Status, "third consecutive failure escalates")
}

func TestRegistry_UnassignKeepsFailureStreak(t *testing.T) {
	r := NewRegistry(nil, 3, nil)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	// Two failed outcomes put the agent one short of the threshold
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Assign("a1", "t"))
		require.NoError(t, r.Release("a1", true))
	}

	// An undone pairing is not an outcome and must not reset the streak
	require.NoError(t, r.Assign("a1", "t"))
	require.NoError(t, r.Unassign("a1"))

	agent, _ := r.Get("a1")
	assert.Equal(t, StatusIdle, agent.Status)
	assert.Empty(t, agent.CurrentTaskID)

	require.NoError(t, r.Assign("a1", "t"))
	require.NoError(t, r.Release("a1", true))
	agent, _ = r.Get("a1")
	assert.Equal(t, StatusError, agent.Status, "streak survived the unassign")

	err = r.Unassign("a1")
	assert.ErrorIs(t, err, ErrInvalidTransition, "only a working agent can be unassigned")
}

func TestRegistry_SuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(nil, 3, nil)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	require.NoError(t, r.Assign("a1", "t"))
	require.NoError(t, r.Release("a1", true))
	require.NoError(t, r.Assign("a1", "t"))
	require.NoError(t, r.Release("a1", false))

	for i := 0; i < 2; i++ {
		require.NoError(t, r.Assign("a1", "t"))
		require.NoError(t, r.Release("a1", true))
	}

	agent, _ := r.Get("a1")
	assert.Equal(t, StatusIdle, agent.Status, "counter reset by the success in between")
}

func TestRegistry_FindEligibleAffinityFirst(t *testing.T) {
	r := newTestRegistry(t)

	// Non-matching agent registered first
	_, err := r.Register("other", "/repo/two", TransportSpec{})
	require.NoError(t, err)
	_, err = r.Register("match", "/repo/one", TransportSpec{})
	require.NoError(t, err)

	matching, fallback := r.FindEligible("/repo/one")
	require.Len(t, matching, 1)
	assert.Equal(t, "match", matching[0].ID)
	require.Len(t, fallback, 1)
	assert.Equal(t, "other", fallback[0].ID)
}

func TestRegistry_FindEligibleOrdersByOldestHeartbeat(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("fresh", "/repo", TransportSpec{})
	require.NoError(t, err)
	_, err = r.Register("stale", "/repo", TransportSpec{})
	require.NoError(t, err)

	// "fresh" heartbeats again, so "stale" becomes the longest-idle agent
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat("fresh"))

	matching, _ := r.FindEligible("/repo")
	require.Len(t, matching, 2)
	assert.Equal(t, "stale", matching[0].ID, "longest-idle agent first")
	assert.Equal(t, "fresh", matching[1].ID)
}

func TestRegistry_FindEligibleExcludesNonIdle(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("busy", "/repo", TransportSpec{})
	require.NoError(t, err)
	_, err = r.Register("gone", "/repo", TransportSpec{})
	require.NoError(t, err)
	_, err = r.Register("ready", "/repo", TransportSpec{})
	require.NoError(t, err)

	require.NoError(t, r.Assign("busy", "t1"))
	require.NoError(t, r.UpdateStatus("gone", StatusOffline))

	matching, fallback := r.FindEligible("/repo")
	require.Len(t, matching, 1)
	assert.Equal(t, "ready", matching[0].ID)
	assert.Empty(t, fallback)
}

func TestRegistry_MarkStaleMovesToOffline(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	// Heartbeat is fresh: nothing happens
	lost := r.MarkStale(time.Minute)
	assert.Empty(t, lost)
	agent, _ := r.Get("a1")
	assert.Equal(t, StatusIdle, agent.Status)

	// Zero timeout makes every heartbeat stale
	time.Sleep(time.Millisecond)
	lost = r.MarkStale(0)
	assert.Empty(t, lost, "idle agents are not reported as lost work")

	agent, _ = r.Get("a1")
	assert.Equal(t, StatusOffline, agent.Status)

	matching, fallback := r.FindEligible("/repo")
	assert.Empty(t, matching)
	assert.Empty(t, fallback)
}

func TestRegistry_MarkStaleReportsLostWorkingAgents(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)
	require.NoError(t, r.Assign("a1", "t1"))

	time.Sleep(time.Millisecond)
	lost := r.MarkStale(0)
	require.Equal(t, []string{"a1"}, lost)

	agent, _ := r.Get("a1")
	assert.Equal(t, StatusOffline, agent.Status)
	assert.Empty(t, agent.CurrentTaskID, "offline agent holds no task")
}

func TestRegistry_StatusChangesArePublished(t *testing.T) {
	notifier := events.NewNotifier(nil)
	defer notifier.Close()

	r := NewRegistry(notifier, 3, nil)
	ch, _ := notifier.Subscribe(context.Background())

	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	select {
	case change := <-ch:
		assert.Equal(t, events.EntityAgent, change.EntityKind)
		assert.Equal(t, "a1", change.EntityID)
		assert.Equal(t, string(StatusIdle), change.NewState)
	case <-time.After(time.Second):
		t.Fatal("no status change published for registration")
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)

	agent, err := r.Get("a1")
	require.NoError(t, err)
	agent.Status = StatusError // mutating the copy must not leak in

	fresh, _ := r.Get("a1")
	assert.Equal(t, StatusIdle, fresh.Status)
}
