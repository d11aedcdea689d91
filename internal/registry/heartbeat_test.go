// ABOUTME: Tests for the heartbeat monitor loop and source consumption.
// ABOUTME: Uses a channel-backed fake HeartbeatSource.

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource feeds a fixed channel of agent IDs.
type fakeSource struct {
	ch chan string
}

func (f *fakeSource) Heartbeats(ctx context.Context) <-chan string {
	return f.ch
}

func TestMonitor_SourceHeartbeatsReviveAgents(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus("a1", StatusOffline))

	src := &fakeSource{ch: make(chan string, 1)}
	m := NewMonitor(r, src, time.Minute, 10*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	src.ch <- "a1"

	require.Eventually(t, func() bool {
		agent, err := r.Get("a1")
		return err == nil && agent.Status == StatusIdle
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_SweepReportsLostWorkingAgent(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("a1", "/repo", TransportSpec{})
	require.NoError(t, err)
	require.NoError(t, r.Assign("a1", "t1"))

	lost := make(chan string, 1)
	m := NewMonitor(r, nil, time.Millisecond, 5*time.Millisecond, func(id string) {
		select {
		case lost <- id:
		default:
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case id := <-lost:
		assert.Equal(t, "a1", id)
	case <-time.After(time.Second):
		t.Fatal("lost working agent was not reported")
	}

	agent, _ := r.Get("a1")
	assert.Equal(t, StatusOffline, agent.Status)
}
