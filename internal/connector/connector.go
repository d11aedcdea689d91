// ABOUTME: Connector capability interface for duplex byte channels to agent processes.
// ABOUTME: One implementation per transport kind; a factory maps kind names to constructors.

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Transport kind names accepted by New.
const (
	KindSocket    = "socket"
	KindWebSocket = "websocket"
	KindPTY       = "pty"
)

// ErrNotConnected indicates a command was sent on a stale or closed handle.
var ErrNotConnected = errors.New("connector is not connected")

// ErrConnectTimeout indicates the connect attempt exceeded its hard bound.
var ErrConnectTimeout = errors.New("connect timed out")

// ErrUnreachable indicates the agent endpoint could not be reached.
var ErrUnreachable = errors.New("agent endpoint unreachable")

// ErrProtocolMismatch indicates the endpoint answered but rejected the
// expected protocol handshake.
var ErrProtocolMismatch = errors.New("agent endpoint protocol mismatch")

// ErrUnknownKind indicates an unrecognized transport kind name.
var ErrUnknownKind = errors.New("unknown connector kind")

// Status is the connector lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusChange is emitted on every connector state transition.
type StatusChange struct {
	Old    Status
	New    Status
	Reason string
	At     time.Time
}

// OutputSink receives each decoded line from the connector's read loop.
// Implemented by the session's output buffer.
type OutputSink interface {
	Append(text string)
}

// Params carries per-kind connection parameters.
type Params struct {
	// Address is the socket endpoint: "host:port", or a filesystem path
	// for a unix socket.
	Address string
	// URL is the websocket endpoint, ws:// or wss://.
	URL string
	// Command is the argv to spawn on a pseudo-terminal.
	Command []string
	// Dir is the working directory for a spawned process.
	Dir string
}

// Config holds timing and retry policy shared by all connector kinds.
type Config struct {
	// ConnectTimeout is the hard bound on a single connect attempt.
	ConnectTimeout time.Duration
	// SendTimeout is the soft bound on a command write. A single timeout
	// does not disconnect; SendTimeoutLimit consecutive ones do.
	SendTimeout      time.Duration
	SendTimeoutLimit int

	// Reconnect enables automatic redial with exponential backoff after
	// a stream break. BackoffBase doubles up to BackoffMax, for at most
	// MaxAttempts tries, before the connector surfaces Failed.
	Reconnect   bool
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.SendTimeoutLimit <= 0 {
		c.SendTimeoutLimit = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Connector is a duplex command/output channel to one agent process.
// Implementations decode incoming bytes into lines and forward them to the
// owning session's OutputSink.
type Connector interface {
	// Connect opens the channel. Blocks up to the configured timeout;
	// honors ctx cancellation, leaving the connector Disconnected.
	Connect(ctx context.Context) error
	// SendCommand writes one command line to the agent. Fails with
	// ErrNotConnected on a stale handle.
	SendCommand(ctx context.Context, text string) error
	// Disconnect closes the channel. Idempotent.
	Disconnect() error
	// Status returns the current lifecycle state.
	Status() Status
	// Notifications returns the stream of status transitions.
	Notifications() <-chan StatusChange
}

// New constructs a connector of the named kind. The sink receives every
// output line the agent emits.
func New(kind string, params Params, cfg Config, sink OutputSink, logger *slog.Logger) (Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connector", "kind", kind)

	switch kind {
	case KindSocket:
		if params.Address == "" {
			return nil, fmt.Errorf("socket connector requires an address")
		}
		return newStreamConnector(kind, socketDialer(params), cfg, sink, logger), nil

	case KindWebSocket:
		if params.URL == "" {
			return nil, fmt.Errorf("websocket connector requires a url")
		}
		return newStreamConnector(kind, websocketDialer(params), cfg, sink, logger), nil

	case KindPTY:
		if len(params.Command) == 0 {
			return nil, fmt.Errorf("pty connector requires a command")
		}
		return newStreamConnector(kind, ptyDialer(params), cfg, sink, logger), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
