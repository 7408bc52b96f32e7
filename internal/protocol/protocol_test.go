package protocol

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/job"
)

func lookupOf(jobs ...*job.Job) Lookup {
	return func(secret string) (*job.Job, bool) {
		for _, j := range jobs {
			if j.Secret == secret {
				return j, true
			}
		}
		return nil, false
	}
}

// runHandshake plays client lines against the server side and returns the
// result plus every reply line the client saw.
func runHandshake(t *testing.T, lookup Lookup, client ...string) (Result, []string) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	done := make(chan Result, 1)
	go func() {
		res := Handshake(NewConn(serverConn, pslog.NoopLogger()), Greeting("test"), lookup)
		_ = serverConn.Close()
		done <- res
	}()
	var replies []string
	reader := bufio.NewReader(clientConn)
	readReply := func() bool {
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		replies = append(replies, strings.TrimSpace(line))
		return true
	}
	readReply()
	for _, line := range client {
		if _, err := io.WriteString(clientConn, line+"\r\n"); err != nil {
			break
		}
		if !readReply() {
			break
		}
	}
	_ = clientConn.Close()
	return <-done, replies
}

func TestHandshakeMatchesSecret(t *testing.T) {
	j := &job.Job{User: "alice", Secret: "s3cr3t"}
	for _, order := range [][]string{
		{"SYST", "USER anonymous", "PASS s3cr3t"},
		{"user anonymous", "USER s3cr3t"},
	} {
		res, replies := runHandshake(t, lookupOf(j), order...)
		if res.Outcome != Matched || res.Job != j {
			t.Fatalf("%v: expected match, got %s (%v)", order, res.Outcome, res.Err)
		}
		if replies[0] != "220 xferd test ready" {
			t.Fatalf("unexpected greeting %q", replies[0])
		}
		if last := replies[len(replies)-1]; last != ReplyPasswordNeeded {
			t.Fatalf("%v: last reply %q, success is owed by the caller", order, last)
		}
	}
}

func TestHandshakeOutcomes(t *testing.T) {
	j := &job.Job{User: "alice", Secret: "s3cr3t"}
	cases := []struct {
		name    string
		lines   []string
		outcome Outcome
		reply   string
	}{
		{"unknown secret", []string{"USER anonymous", "PASS nope"}, NoMatch, ReplyNotLoggedIn},
		{"anonymous secret", []string{"USER anonymous", "PASS anonymous"}, ProtocolError, ReplyBadLogin},
		{"empty secret", []string{"USER anonymous", "PASS"}, ProtocolError, ReplyBadLogin},
		{"wrong verb after user", []string{"USER anonymous", "LIST s3cr3t"}, ProtocolError, ReplyBadLogin},
		{"named user", []string{"USER alice"}, ProtocolError, ReplyBadLogin},
		{"command before login", []string{"PWD"}, ProtocolError, ReplyProtocolError},
		{"repeated syst", []string{"SYST", "SYST"}, ProtocolError, ReplyProtocolError},
	}
	for _, tc := range cases {
		res, replies := runHandshake(t, lookupOf(j), tc.lines...)
		if res.Outcome != tc.outcome {
			t.Fatalf("%s: outcome %s, want %s", tc.name, res.Outcome, tc.outcome)
		}
		if last := replies[len(replies)-1]; last != tc.reply {
			t.Fatalf("%s: last reply %q, want %q", tc.name, last, tc.reply)
		}
	}
}

func TestHandshakeTransportClosed(t *testing.T) {
	res, _ := runHandshake(t, lookupOf())
	if res.Outcome != TransportClosed {
		t.Fatalf("expected TransportClosed, got %s", res.Outcome)
	}
	res, _ = runHandshake(t, lookupOf(), "SYST")
	if res.Outcome != TransportClosed {
		t.Fatalf("expected TransportClosed after SYST, got %s", res.Outcome)
	}
}

func TestClientLoginAgainstHandshake(t *testing.T) {
	j := &job.Job{User: "alice", Secret: "s3cr3t"}
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	go func() {
		c := NewConn(serverConn, nil)
		if res := Handshake(c, Greeting("test"), lookupOf(j)); res.Outcome == Matched {
			_ = c.WriteReply(ReplyLoginSuccessful)
		}
		_ = serverConn.Close()
	}()
	if err := Login(NewConn(clientConn, nil), "s3cr3t"); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestClientLoginRejected(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	go func() {
		Handshake(NewConn(serverConn, nil), Greeting("test"), lookupOf())
		_ = serverConn.Close()
	}()
	err := Login(NewConn(clientConn, nil), "wrong")
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) || replyErr.Reply.Code != 530 {
		t.Fatalf("expected 530 reply error, got %v", err)
	}
}

func TestReadReplyMultiline(t *testing.T) {
	input := "211-Features:\r\n PASV\r\n HASH MD5*\n211 END\n226 done\n"
	c := NewConn(struct {
		io.Reader
		io.Writer
	}{strings.NewReader(input), io.Discard}, nil)
	reply, err := c.ReadReply()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Code != 211 || len(reply.Lines) != 4 || reply.Text() != "END" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Lines[1] != " PASV" || reply.Lines[2] != " HASH MD5*" {
		t.Fatalf("continuation lines lost their leading space: %q", reply.Lines)
	}
	next, err := c.ReadReply()
	if err != nil || next.Code != 226 {
		t.Fatalf("unexpected follow-up reply %+v %v", next, err)
	}
}

func TestReadLineLimits(t *testing.T) {
	long := strings.Repeat("x", MaxLineLength+10)
	c := NewConn(struct {
		io.Reader
		io.Writer
	}{strings.NewReader(long + "\nNOOP\r\n"), io.Discard}, nil)
	if _, err := c.ReadLine(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	line, err := c.ReadLine()
	if err != nil || line != "NOOP" {
		t.Fatalf("expected NOOP after oversize line, got %q %v", line, err)
	}
	if _, err := c.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadRequestStopsAtEnd(t *testing.T) {
	c := NewConn(struct {
		io.Reader
		io.Writer
	}{strings.NewReader("a=1\nb=2\nEND\nc=3\n"), io.Discard}, nil)
	lines, err := c.ReadRequest()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("unexpected lines %v", lines)
	}
}
