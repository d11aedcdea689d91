// ABOUTME: Socket transport: duplex stream to an agent over tcp or a unix socket.
// ABOUTME: The usual transport for terminal-session agents exposing a local socket.

package connector

import (
	"context"
	"io"
	"net"
	"strings"
)

// socketDialer connects to params.Address. Addresses containing a path
// separator are treated as unix sockets, anything else as host:port tcp.
func socketDialer(params Params) dialFunc {
	network := "tcp"
	if strings.Contains(params.Address, "/") {
		network = "unix"
	}

	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, params.Address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
