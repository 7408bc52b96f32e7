package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/datachan"
	"pkt.systems/xferd/internal/protocol"
)

// Client is a logged in control connection to a remote daemon.
type Client struct {
	conn     net.Conn
	ctl      *protocol.Conn
	host     string
	timeout  time.Duration
	rfcRange bool
}

// Dial connects to addr and logs in with secret.
func Dial(ctx context.Context, addr, secret string, timeout time.Duration, logger pslog.Logger) (*Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, ctl: protocol.NewConn(conn, logger), host: host, timeout: timeout}
	if err := protocol.Login(c.ctl, secret); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: login to %s: %w", addr, err)
	}
	if err := c.features(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) features() error {
	reply, err := c.ctl.Command("FEAT", 211)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	for _, line := range reply.Lines {
		if strings.TrimSpace(line) == "RFC_RANG" {
			c.rfcRange = true
		}
	}
	return nil
}

// Close drops the control connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Quit ends the remote session.
func (c *Client) Quit() error {
	return c.ctl.WriteLine("BYE")
}

// Put uploads up to length bytes (all of r when negative) to path, starting
// at offset in the remote file.
func (c *Client) Put(ctx context.Context, path string, r io.Reader, offset, length int64, streams int, s datachan.Settings, th *datachan.Throttle) (int64, error) {
	if err := c.setRange(offset, length); err != nil {
		return 0, err
	}
	ch, err := c.openData(ctx, streams, s)
	if err != nil {
		return 0, err
	}
	defer ch.Abort()
	if _, err := c.ctl.Command("STOR "+path, 150); err != nil {
		return 0, fmt.Errorf("relay: %w", err)
	}
	n, err := datachan.Copy(ctx, ch, r, length, make([]byte, ch.BufferSize()), th)
	if err != nil {
		return n, err
	}
	if err := ch.Close(); err != nil {
		return n, err
	}
	if _, err := c.expect("STOR", 226); err != nil {
		return n, err
	}
	return n, nil
}

// Get downloads path into w, starting at offset and moving up to length bytes
// (the rest of the file when negative).
func (c *Client) Get(ctx context.Context, path string, w io.Writer, offset, length int64, streams int, s datachan.Settings, th *datachan.Throttle) (int64, error) {
	if err := c.setRange(offset, length); err != nil {
		return 0, err
	}
	ch, err := c.openData(ctx, streams, s)
	if err != nil {
		return 0, err
	}
	defer ch.Abort()
	reply, err := c.ctl.Command("RETR "+path, 150)
	if err != nil {
		return 0, fmt.Errorf("relay: %w", err)
	}
	size, err := announcedSize(reply)
	if err != nil {
		return 0, err
	}
	if length < 0 {
		// Without a range the whole file size is announced.
		size = max(0, size-offset)
	}
	n, err := datachan.Copy(ctx, w, ch, size, make([]byte, ch.BufferSize()), th)
	if err != nil {
		return n, err
	}
	if n != size {
		return n, fmt.Errorf("relay: short read: %d of %d bytes", n, size)
	}
	if _, err := c.expect("RETR", 226); err != nil {
		return n, err
	}
	return n, nil
}

func (c *Client) expect(cmd string, code int) (protocol.Reply, error) {
	reply, err := c.ctl.ReadReply()
	if err != nil {
		return reply, fmt.Errorf("relay: %s: %w", cmd, err)
	}
	if reply.Code != code {
		return reply, &protocol.ReplyError{Command: cmd, Reply: reply}
	}
	return reply, nil
}

// announcedSize parses "150 OK <n> bytes available for reading.".
func announcedSize(reply protocol.Reply) (int64, error) {
	fields := strings.Fields(reply.Text())
	if len(fields) < 2 {
		return 0, fmt.Errorf("relay: RETR reply without size: %q", reply.Text())
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("relay: RETR reply without size: %q", reply.Text())
	}
	return n, nil
}

func (c *Client) setRange(offset, length int64) error {
	switch {
	case length >= 0:
		end := offset + length
		if c.rfcRange {
			end--
		}
		_, err := c.ctl.Command(fmt.Sprintf("RANG %d %d", offset, end), 350)
		return err
	case offset > 0:
		_, err := c.ctl.Command(fmt.Sprintf("REST %d", offset), 350)
		return err
	}
	return nil
}

func (c *Client) negotiate(streams int) (int, error) {
	if streams <= 1 {
		return 1, nil
	}
	reply, err := c.ctl.Command(fmt.Sprintf("NOOP %d", streams), 222, 223)
	if err != nil {
		return 0, err
	}
	if reply.Code == 223 {
		fields := strings.Fields(reply.Text())
		if len(fields) < 2 {
			return 0, fmt.Errorf("relay: malformed stream grant %q", reply.Text())
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("relay: malformed stream grant %q", reply.Text())
		}
		if n < 1 {
			return 0, ErrNoStreams
		}
		return n, nil
	}
	return streams, nil
}

func (c *Client) openData(ctx context.Context, streams int, s datachan.Settings) (*datachan.Channel, error) {
	n, err := c.negotiate(streams)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: c.timeout}
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		reply, err := c.ctl.Command("EPSV", 229)
		if err != nil {
			closeConns(conns)
			return nil, err
		}
		port, err := ParseEPSV(reply.Text())
		if err != nil {
			closeConns(conns)
			return nil, err
		}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(port)))
		if err != nil {
			closeConns(conns)
			return nil, fmt.Errorf("relay: data connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return datachan.Open(conns, s)
}

// ParseEPSV extracts the port of "Entering Extended Passive Mode (|||port|)".
func ParseEPSV(text string) (int, error) {
	start := strings.Index(text, "(|||")
	end := strings.LastIndex(text, "|)")
	if start < 0 || end <= start+4 {
		return 0, fmt.Errorf("relay: malformed EPSV reply %q", text)
	}
	port, err := strconv.Atoi(text[start+4 : end])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("relay: malformed EPSV reply %q", text)
	}
	return port, nil
}

func closeConns(conns []net.Conn) {
	for _, c := range conns {
		_ = c.Close()
	}
}
