// ABOUTME: Shared engine for stream-backed connectors: dial, read loop, backoff, teardown.
// ABOUTME: Transport kinds only differ in how they produce an io.ReadWriteCloser.

package connector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// notificationBufferSize bounds the status-change channel; transitions are
// dropped for an observer that stops draining.
const notificationBufferSize = 16

// maxLineBytes bounds a single decoded output line.
const maxLineBytes = 1 << 20

// dialFunc opens one duplex stream to the agent process.
type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// streamConnector implements Connector over any byte-oriented duplex
// stream. One read loop per live stream decodes lines into the sink; a
// stream break triggers the reconnect policy.
type streamConnector struct {
	kind   string
	dial   dialFunc
	cfg    Config
	sink   OutputSink
	logger *slog.Logger

	mu     sync.Mutex
	status Status
	stream io.ReadWriteCloser
	// gen identifies the current connection; a read loop from a previous
	// generation must not tear down its successor.
	gen          int
	closed       bool
	sendTimeouts int

	notifications chan StatusChange
}

func newStreamConnector(kind string, dial dialFunc, cfg Config, sink OutputSink, logger *slog.Logger) *streamConnector {
	return &streamConnector{
		kind:          kind,
		dial:          dial,
		cfg:           cfg.withDefaults(),
		sink:          sink,
		logger:        logger,
		status:        StatusDisconnected,
		notifications: make(chan StatusChange, notificationBufferSize),
	}
}

// Connect dials the agent, retrying with backoff when reconnection is
// configured. On ctx cancellation the attempt is abandoned and the
// connector is left Disconnected, never half-connected.
func (c *streamConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(StatusConnecting, "connect requested")
	c.mu.Unlock()

	attempts := 1
	if c.cfg.Reconnect {
		attempts = c.cfg.MaxAttempts
	}

	err := c.dialWithBackoff(ctx, attempts)
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			if errors.Is(err, ctx.Err()) {
				c.setStatusLocked(StatusDisconnected, "connect cancelled")
			} else {
				c.setStatusLocked(StatusFailed, err.Error())
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// dialWithBackoff tries up to attempts dials, doubling the delay between
// tries. On success it installs the stream and starts the read loop.
func (c *streamConnector) dialWithBackoff(ctx context.Context, attempts int) error {
	delay := c.cfg.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrNotConnected
		}
		if attempt > 1 {
			c.logger.Info("redialing agent",
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > c.cfg.BackoffMax {
				delay = c.cfg.BackoffMax
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		stream, err := c.dial(dialCtx)
		cancel()
		if err != nil {
			lastErr = classifyDialError(err)
			c.logger.Warn("dial failed", "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			stream.Close()
			return ErrNotConnected
		}
		c.stream = stream
		c.gen++
		gen := c.gen
		c.sendTimeouts = 0
		c.setStatusLocked(StatusConnected, "stream established")
		c.mu.Unlock()

		go c.readLoop(stream, gen)
		return nil
	}
	return lastErr
}

// classifyDialError maps transport errors onto the connector taxonomy.
// Errors a dialer already classified pass through unchanged.
func classifyDialError(err error) error {
	if errors.Is(err, ErrProtocolMismatch) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// readLoop decodes lines from the stream into the sink until the stream
// closes. It runs once per connection generation and triggers exactly one
// Disconnected transition on exit.
func (c *streamConnector) readLoop(stream io.Reader, gen int) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		c.sink.Append(scanner.Text())
	}

	reason := "stream closed"
	if err := scanner.Err(); err != nil {
		reason = err.Error()
	}
	c.streamBroken(gen, reason)
}

// streamBroken handles the end of a connection generation. Stale
// generations (already superseded or deliberately closed) are ignored, so
// the Disconnected notification fires exactly once per live stream.
func (c *streamConnector) streamBroken(gen int, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.stream.Close()
	c.stream = nil
	c.setStatusLocked(StatusDisconnected, reason)
	reconnect := c.cfg.Reconnect && !c.closed
	c.mu.Unlock()

	c.logger.Warn("agent stream broke", "reason", reason)

	if reconnect {
		go c.redial()
	}
}

// redial runs the background reconnect policy after a stream break,
// surfacing Failed once attempts are exhausted.
func (c *streamConnector) redial() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.dialWithBackoff(ctx, c.cfg.MaxAttempts); err != nil {
		c.mu.Lock()
		if !c.closed {
			c.setStatusLocked(StatusFailed, err.Error())
		}
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", "error", err)
	}
}

// SendCommand writes one command line to the agent. A write timeout is
// tolerated SendTimeoutLimit-1 times; repeated timeouts or any other write
// error break the stream.
func (c *streamConnector) SendCommand(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.status != StatusConnected || c.stream == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	stream := c.stream
	gen := c.gen
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if conn, ok := stream.(net.Conn); ok {
		deadline := time.Now().Add(c.cfg.SendTimeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}

	_, err := io.WriteString(stream, text+"\n")
	if err == nil {
		c.mu.Lock()
		c.sendTimeouts = 0
		c.mu.Unlock()
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.mu.Lock()
		c.sendTimeouts++
		count := c.sendTimeouts
		over := count >= c.cfg.SendTimeoutLimit
		c.mu.Unlock()

		c.logger.Warn("command send timed out", "consecutive", count)
		if over {
			c.streamBroken(gen, "repeated send timeouts")
		}
		return fmt.Errorf("sending command: %w", err)
	}

	c.streamBroken(gen, err.Error())
	return fmt.Errorf("sending command: %w", err)
}

// Disconnect closes the channel and disables reconnection. Safe to call
// any number of times.
func (c *streamConnector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	// gen bump makes the read loop's teardown a no-op
	c.gen++
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.setStatusLocked(StatusDisconnected, "disconnect requested")
	}
	// No transition can follow a disconnect; let observers drain and stop
	close(c.notifications)
	return nil
}

// Status returns the current lifecycle state.
func (c *streamConnector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Notifications returns the status transition stream.
func (c *streamConnector) Notifications() <-chan StatusChange {
	return c.notifications
}

// setStatusLocked records a transition and emits a notification without
// blocking. Caller holds the lock.
func (c *streamConnector) setStatusLocked(newStatus Status, reason string) {
	if c.status == newStatus {
		return
	}
	change := StatusChange{
		Old:    c.status,
		New:    newStatus,
		Reason: reason,
		At:     time.Now(),
	}
	c.status = newStatus

	select {
	case c.notifications <- change:
	default:
		c.logger.Debug("dropped connector status change", "new", newStatus.String())
	}
}
