// ABOUTME: Tests for the stream connector engine using in-memory pipes.
// ABOUTME: Covers line decoding, disconnect semantics, notifications, and backoff exhaustion.

package connector

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records appended lines and signals each arrival.
type captureSink struct {
	mu    sync.Mutex
	lines []string
	ch    chan string
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan string, 64)}
}

func (s *captureSink) Append(text string) {
	s.mu.Lock()
	s.lines = append(s.lines, text)
	s.mu.Unlock()
	select {
	case s.ch <- text:
	default:
	}
}

func (s *captureSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// pipeDialer hands out the client halves of net.Pipe pairs and exposes the
// server halves to the test.
type pipeDialer struct {
	mu      sync.Mutex
	servers chan net.Conn
	fails   int // dials to fail before succeeding
	dials   int
}

func newPipeDialer(failFirst int) *pipeDialer {
	return &pipeDialer{servers: make(chan net.Conn, 8), fails: failFirst}
}

func (d *pipeDialer) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	d.dials++
	fail := d.dials <= d.fails
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	server, client := net.Pipe()
	d.servers <- server
	return client, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newPipeConnector(t *testing.T, dialer *pipeDialer, cfg Config, sink OutputSink) *streamConnector {
	t.Helper()
	if sink == nil {
		sink = newCaptureSink()
	}
	return newStreamConnector("test", dialer.dial, cfg, sink, testLogger())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamConnector_LinesFlowToSink(t *testing.T) {
	dialer := newPipeDialer(0)
	sink := newCaptureSink()
	c := newPipeConnector(t, dialer, Config{}, sink)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.Equal(t, StatusConnected, c.Status())

	server := <-dialer.servers
	go func() {
		server.Write([]byte("line one\nline two\n"))
	}()

	for _, want := range []string{"line one", "line two"} {
		select {
		case got := <-sink.ch:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestStreamConnector_SendCommandWritesLine(t *testing.T) {
	dialer := newPipeDialer(0)
	c := newPipeConnector(t, dialer, Config{}, nil)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	server := <-dialer.servers
	got := make(chan string, 1)
	go func() {
		r := bufio.NewReader(server)
		line, err := r.ReadString('\n')
		if err == nil {
			got <- line
		}
	}()

	require.NoError(t, c.SendCommand(context.Background(), "run tests"))

	select {
	case line := <-got:
		assert.Equal(t, "run tests\n", line)
	case <-time.After(time.Second):
		t.Fatal("command never reached the agent side")
	}
}

func TestStreamConnector_DisconnectIsIdempotent(t *testing.T) {
	dialer := newPipeDialer(0)
	c := newPipeConnector(t, dialer, Config{}, nil)

	require.NoError(t, c.Connect(context.Background()))
	<-dialer.servers

	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect(), "second disconnect must also succeed")
	assert.Equal(t, StatusDisconnected, c.Status())

	err := c.SendCommand(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStreamConnector_SendBeforeConnect(t *testing.T) {
	c := newPipeConnector(t, newPipeDialer(0), Config{}, nil)
	assert.ErrorIs(t, c.SendCommand(context.Background(), "early"), ErrNotConnected)
}

func TestStreamConnector_StreamBreakNotifiesOnce(t *testing.T) {
	dialer := newPipeDialer(0)
	c := newPipeConnector(t, dialer, Config{}, nil)

	require.NoError(t, c.Connect(context.Background()))
	server := <-dialer.servers

	// Drain the Connecting/Connected transitions
	drainUntil(t, c.Notifications(), StatusConnected)

	server.Close()

	change := waitChange(t, c.Notifications())
	assert.Equal(t, StatusDisconnected, change.New)

	// No further Disconnected notification may arrive
	select {
	case extra := <-c.Notifications():
		t.Fatalf("unexpected second notification: %v -> %v", extra.Old, extra.New)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamConnector_ReconnectAfterBreak(t *testing.T) {
	dialer := newPipeDialer(0)
	sink := newCaptureSink()
	c := newPipeConnector(t, dialer, Config{
		Reconnect:   true,
		BackoffBase: time.Millisecond,
		MaxAttempts: 3,
	}, sink)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	first := <-dialer.servers

	first.Write([]byte("before break\n"))
	first.Close()

	// The connector redials; a fresh server side appears
	var second net.Conn
	select {
	case second = <-dialer.servers:
	case <-time.After(2 * time.Second):
		t.Fatal("connector did not redial after stream break")
	}
	defer second.Close()

	require.Eventually(t, func() bool {
		return c.Status() == StatusConnected
	}, time.Second, 5*time.Millisecond)

	second.Write([]byte("after break\n"))

	require.Eventually(t, func() bool {
		lines := sink.all()
		return len(lines) == 2 && lines[1] == "after break"
	}, time.Second, 5*time.Millisecond)
}

func TestStreamConnector_RepeatedSendTimeoutsBreakStream(t *testing.T) {
	dialer := newPipeDialer(0)
	c := newPipeConnector(t, dialer, Config{
		SendTimeout:      20 * time.Millisecond,
		SendTimeoutLimit: 2,
	}, nil)

	require.NoError(t, c.Connect(context.Background()))
	server := <-dialer.servers
	defer server.Close()

	// The server side never reads, so every write blocks past its deadline
	err := c.SendCommand(context.Background(), "first")
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.Equal(t, StatusConnected, c.Status(), "one timeout does not break the stream")

	err = c.SendCommand(context.Background(), "second")
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, c.Status(), "limit reached breaks the stream")
	assert.ErrorIs(t, c.SendCommand(context.Background(), "third"), ErrNotConnected)
}

func TestStreamConnector_SuccessfulSendResetsTimeoutStreak(t *testing.T) {
	dialer := newPipeDialer(0)
	c := newPipeConnector(t, dialer, Config{
		SendTimeout:      20 * time.Millisecond,
		SendTimeoutLimit: 2,
	}, nil)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	server := <-dialer.servers

	// First write times out with nobody reading
	require.Error(t, c.SendCommand(context.Background(), "first"))

	// Drain the server side; a successful send ends the streak
	go io.Copy(io.Discard, server)
	require.NoError(t, c.SendCommand(context.Background(), "second"))
	assert.Equal(t, StatusConnected, c.Status())

	c.mu.Lock()
	streak := c.sendTimeouts
	c.mu.Unlock()
	assert.Zero(t, streak)
}

func TestStreamConnector_BackoffExhaustionSurfacesFailed(t *testing.T) {
	dialer := newPipeDialer(100) // always fails
	c := newPipeConnector(t, dialer, Config{
		Reconnect:   true,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		MaxAttempts: 3,
	}, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, StatusFailed, c.Status())
	assert.Equal(t, 3, dialer.dialCount(), "bounded attempt count")
}

func TestStreamConnector_ConnectCancellationLeavesDisconnected(t *testing.T) {
	dialer := newPipeDialer(100)
	c := newPipeConnector(t, dialer, Config{
		Reconnect:   true,
		BackoffBase: 50 * time.Millisecond,
		MaxAttempts: 10,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := c.Connect(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusDisconnected, c.Status(), "never half-connected")
}

func TestNew_KindValidation(t *testing.T) {
	sink := newCaptureSink()

	_, err := New("carrier-pigeon", Params{}, Config{}, sink, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = New(KindSocket, Params{}, Config{}, sink, nil)
	assert.Error(t, err, "socket requires an address")

	_, err = New(KindWebSocket, Params{}, Config{}, sink, nil)
	assert.Error(t, err, "websocket requires a url")

	_, err = New(KindPTY, Params{}, Config{}, sink, nil)
	assert.Error(t, err, "pty requires a command")

	c, err := New(KindSocket, Params{Address: "127.0.0.1:1"}, Config{}, sink, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, c.Status())
}

// drainUntil reads notifications until one with the wanted new status.
func drainUntil(t *testing.T, ch <-chan StatusChange, want Status) {
	t.Helper()
	for {
		select {
		case change := <-ch:
			if change.New == want {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("never saw transition to %v", want)
		}
	}
}

// waitChange reads one notification or fails.
func waitChange(t *testing.T, ch <-chan StatusChange) StatusChange {
	t.Helper()
	select {
	case change := <-ch:
		return change
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status change")
		return StatusChange{}
	}
}
