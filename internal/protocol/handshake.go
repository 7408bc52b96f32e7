package protocol

import (
	"fmt"
	"strings"

	"pkt.systems/xferd/internal/job"
)

// Fixed replies of the login exchange.
const (
	ReplySystem          = "215 Unix Type: L8"
	ReplyPasswordNeeded  = "331 Please specify the password"
	ReplyLoginSuccessful = "230 Login successful"
	ReplyNotLoggedIn     = "530 Not logged in"
	ReplyProtocolError   = "500 Protocol error"
	ReplyBadLogin        = "500 Client login does not comply with protocol."

	anonymous = "anonymous"
)

// Outcome classifies a finished handshake.
type Outcome int

const (
	// Matched means the secret named a registered job.
	Matched Outcome = iota
	// NoMatch means the secret is not registered.
	NoMatch
	// ProtocolError means the client broke the login sequence.
	ProtocolError
	// TransportClosed means the connection failed; no reply is owed.
	TransportClosed
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case NoMatch:
		return "no-match"
	case ProtocolError:
		return "protocol-error"
	case TransportClosed:
		return "transport-closed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Lookup resolves a one-time secret to its job.
type Lookup func(secret string) (*job.Job, bool)

// Result is the handshake outcome and, when matched, the job.
type Result struct {
	Outcome Outcome
	Job     *job.Job
	Err     error
}

// Greeting formats the banner sent to new control connections.
func Greeting(version string) string {
	return fmt.Sprintf("220 xferd %s ready", version)
}

// Handshake runs the server side of the login exchange on c. The client must
// send USER and optionally SYST (each at most once, any order). USER carries
// the literal "anonymous"; the following line supplies the secret as
// "USER <secret>" or "PASS <secret>".
//
// Every reply except the final success is written here. On Matched the caller
// owes ReplyLoginSuccessful once the session is ready.
func Handshake(c *Conn, greeting string, lookup Lookup) Result {
	if err := c.WriteReply(greeting); err != nil {
		return Result{Outcome: TransportClosed, Err: err}
	}
	systSeen := false
	for {
		line, err := c.ReadLine()
		if err != nil {
			return Result{Outcome: TransportClosed, Err: err}
		}
		verb, arg := splitCommand(line)
		switch verb {
		case "SYST":
			if systSeen {
				return protocolError(c, ReplyProtocolError, "repeated SYST")
			}
			systSeen = true
			if err := c.WriteReply(ReplySystem); err != nil {
				return Result{Outcome: TransportClosed, Err: err}
			}
		case "USER":
			return login(c, arg, lookup)
		default:
			return protocolError(c, ReplyProtocolError, fmt.Sprintf("unexpected %q before login", verb))
		}
	}
}

func login(c *Conn, user string, lookup Lookup) Result {
	if !strings.EqualFold(user, anonymous) {
		return protocolError(c, ReplyBadLogin, "USER must be anonymous")
	}
	if err := c.WriteReply(ReplyPasswordNeeded); err != nil {
		return Result{Outcome: TransportClosed, Err: err}
	}
	line, err := c.readLine(false)
	if err != nil {
		return Result{Outcome: TransportClosed, Err: err}
	}
	verb, secret := splitCommand(strings.TrimSpace(line))
	if (verb != "USER" && verb != "PASS") || secret == "" || secret == anonymous {
		return protocolError(c, ReplyBadLogin, "missing secret")
	}
	j, ok := lookup(secret)
	if !ok {
		if err := c.WriteReply(ReplyNotLoggedIn); err != nil {
			return Result{Outcome: TransportClosed, Err: err}
		}
		return Result{Outcome: NoMatch}
	}
	return Result{Outcome: Matched, Job: j}
}

func protocolError(c *Conn, reply, reason string) Result {
	if err := c.WriteReply(reply); err != nil {
		return Result{Outcome: TransportClosed, Err: err}
	}
	return Result{Outcome: ProtocolError, Err: fmt.Errorf("protocol: %s", reason)}
}

// splitCommand returns the upper-cased verb and the trimmed remainder.
func splitCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// Login runs the client side of the exchange: it consumes the greeting, sends
// SYST, USER anonymous and PASS secret, and expects a 230 reply.
func Login(c *Conn, secret string) error {
	greeting, err := c.ReadReply()
	if err != nil {
		return fmt.Errorf("protocol: read greeting: %w", err)
	}
	if greeting.Code != 220 {
		return &ReplyError{Command: "greeting", Reply: greeting}
	}
	if _, err := c.Command("SYST", 215); err != nil {
		return err
	}
	if _, err := c.Command("USER "+anonymous, 331); err != nil {
		return err
	}
	if err := c.writeLine("PASS "+secret, false); err != nil {
		return err
	}
	reply, err := c.ReadReply()
	if err != nil {
		return fmt.Errorf("protocol: read login reply: %w", err)
	}
	if reply.Code != 230 {
		return &ReplyError{Command: "PASS", Reply: reply}
	}
	return nil
}
