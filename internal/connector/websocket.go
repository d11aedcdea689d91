// ABOUTME: WebSocket transport: duplex channel to a remote agent behind a ws endpoint.
// ABOUTME: Adapts message framing onto the stream engine; each message ends a line.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// websocketDialer connects to params.URL with the default handshake. An
// endpoint that answers but refuses the upgrade is a protocol mismatch,
// not an unreachable host.
func websocketDialer(params Params) dialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, params.URL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if errors.Is(err, websocket.ErrBadHandshake) {
				return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
			}
			return nil, err
		}
		return &wsStream{conn: conn}, nil
	}
}

// wsStream presents a websocket connection as a byte stream. Message
// boundaries are turned into newlines so the shared line decoder sees one
// line per message even when the agent omits the terminator.
type wsStream struct {
	conn      *websocket.Conn
	reader    io.Reader
	pendingNL bool
	lastByte  byte
}

func (w *wsStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if w.pendingNL {
			w.pendingNL = false
			p[0] = '\n'
			return 1, nil
		}
		if w.reader == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}

		n, err := w.reader.Read(p)
		if n > 0 {
			w.lastByte = p[n-1]
		}
		if err == io.EOF {
			w.reader = nil
			if w.lastByte != '\n' {
				if n < len(p) {
					p[n] = '\n'
					n++
				} else {
					w.pendingNL = true
				}
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error {
	// Best-effort close frame; the peer may already be gone
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}
