// Package protocol implements the line oriented control channel: the reply
// codec shared by both peers, the server side login handshake that binds a
// connection to a registered job, and the client side login used to talk to
// another daemon.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// MaxLineLength bounds a single control line.
const MaxLineLength = 8192

var (
	// ErrLineTooLong reports a control line exceeding MaxLineLength.
	ErrLineTooLong = errors.New("protocol: line too long")
	// ErrMalformedReply reports a reply line without a numeric code.
	ErrMalformedReply = errors.New("protocol: malformed reply")
)

// Conn reads control lines and writes replies on a control connection.
type Conn struct {
	rw     io.ReadWriter
	r      *bufio.Reader
	logger pslog.Logger
}

// NewConn wraps rw. A nil logger disables wire tracing.
func NewConn(rw io.ReadWriter, logger pslog.Logger) *Conn {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Conn{rw: rw, r: bufio.NewReaderSize(rw, MaxLineLength), logger: logger}
}

// ReadLine returns the next line without its terminator and surrounding
// whitespace. A closed connection yields io.EOF.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.readLine(true)
	return strings.TrimSpace(line), err
}

// readLine returns the next line with only its terminator removed.
func (c *Conn) readLine(trace bool) (string, error) {
	line, err := c.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = c.r.ReadSlice('\n')
		}
		return "", ErrLineTooLong
	}
	if err != nil {
		if len(line) == 0 {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
		if !errors.Is(err, io.EOF) {
			return "", err
		}
	}
	text := strings.TrimRight(string(line), "\r\n")
	if trace {
		c.logger.Trace("control.recv", "line", text)
	}
	return text, nil
}

// WriteReply sends one reply line.
func (c *Conn) WriteReply(msg string) error {
	return c.writeLine(msg, true)
}

func (c *Conn) writeLine(msg string, trace bool) error {
	if trace {
		c.logger.Trace("control.send", "line", msg)
	}
	_, err := io.WriteString(c.rw, msg+"\n")
	return err
}

// WriteReplyf formats and sends one reply line.
func (c *Conn) WriteReplyf(format string, args ...any) error {
	return c.WriteReply(fmt.Sprintf(format, args...))
}

// WriteLine sends a command line. It is the client side twin of WriteReply.
func (c *Conn) WriteLine(line string) error {
	return c.WriteReply(line)
}

// ReadRequest reads key=value lines until a line starting with END.
func (c *Conn) ReadRequest() ([]string, error) {
	var lines []string
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, "END") {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// Buffered returns a copy of the input read from the connection but not yet
// consumed.
func (c *Conn) Buffered() []byte {
	b, _ := c.r.Peek(c.r.Buffered())
	return append([]byte(nil), b...)
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// WatchClose reports a peer hang-up while the caller is busy elsewhere. It
// blocks a background read on the connection and calls onClose if the read
// fails for any reason other than the stop deadline. The returned stop
// function ends the watch and must be called before the next ReadLine. A
// connection without read deadlines is not watched.
func (c *Conn) WatchClose(onClose func()) (stop func()) {
	d, ok := c.rw.(readDeadliner)
	if !ok {
		return func() {}
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.r.Peek(1)
		if err != nil && !isTimeout(err) {
			onClose()
		}
		done <- err
	}()
	return func() {
		_ = d.SetReadDeadline(time.Unix(1, 0))
		<-done
		_ = d.SetReadDeadline(time.Time{})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Reply is a parsed server reply. Multi-line replies keep every line,
// including the first and the terminating one.
type Reply struct {
	Code  int
	Lines []string
}

// Text returns the text of the last reply line without its code.
func (r Reply) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	last := r.Lines[len(r.Lines)-1]
	if len(last) > 4 && strings.HasPrefix(last, strconv.Itoa(r.Code)) {
		return last[4:]
	}
	return last
}

// Positive reports a 1xx, 2xx or 3xx reply.
func (r Reply) Positive() bool {
	return r.Code >= 100 && r.Code < 400
}

// ReplyError is returned when the peer answers with an unexpected code.
type ReplyError struct {
	Command string
	Reply   Reply
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("protocol: %s: unexpected reply %d %s", e.Command, e.Reply.Code, e.Reply.Text())
}

// ReadReply reads one reply. A line "<code>-..." opens a block that ends with
// a line starting with the same code followed by a space.
func (c *Conn) ReadReply() (Reply, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Reply{}, err
	}
	code, multi, err := parseReplyCode(line)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{Code: code, Lines: []string{line}}
	if !multi {
		return reply, nil
	}
	terminator := strconv.Itoa(code) + " "
	for {
		// Continuation lines keep their leading space.
		line, err := c.readLine(true)
		if err != nil {
			return Reply{}, err
		}
		reply.Lines = append(reply.Lines, line)
		if strings.HasPrefix(line, terminator) || line == strconv.Itoa(code) {
			return reply, nil
		}
	}
}

func parseReplyCode(line string) (int, bool, error) {
	if len(line) < 3 {
		return 0, false, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	return code, len(line) > 3 && line[3] == '-', nil
}

// Command sends line and reads the reply, failing unless the reply code is
// one of want.
func (c *Conn) Command(line string, want ...int) (Reply, error) {
	if err := c.WriteLine(line); err != nil {
		return Reply{}, err
	}
	reply, err := c.ReadReply()
	if err != nil {
		return Reply{}, err
	}
	verb, _, _ := strings.Cut(line, " ")
	if len(want) == 0 {
		if !reply.Positive() {
			return reply, &ReplyError{Command: verb, Reply: reply}
		}
		return reply, nil
	}
	for _, code := range want {
		if reply.Code == code {
			return reply, nil
		}
	}
	return reply, &ReplyError{Command: verb, Reply: reply}
}
