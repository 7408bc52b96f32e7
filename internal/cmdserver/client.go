package cmdserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	"pkt.systems/xferd/internal/protocol"
)

// Send submits one request to the command channel at addr and returns the
// response lines. tlsConfig enables TLS when non-nil. The terminating END line
// is appended when lines do not end with one.
func Send(ctx context.Context, addr string, tlsConfig *tls.Config, lines []string) ([]string, error) {
	var (
		conn net.Conn
		err  error
	)
	if tlsConfig != nil {
		d := tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("cmdserver: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	pc := protocol.NewConn(conn, nil)
	if len(lines) == 0 || lines[len(lines)-1] != "END" {
		lines = append(slices.Clone(lines), "END")
	}
	for _, line := range lines {
		if err := pc.WriteLine(line); err != nil {
			return nil, fmt.Errorf("cmdserver: send: %w", err)
		}
	}
	var out []string
	for {
		line, err := pc.ReadLine()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("cmdserver: receive: %w", err)
		}
		out = append(out, line)
	}
}
