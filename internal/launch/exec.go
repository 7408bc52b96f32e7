package launch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/job"
	"pkt.systems/xferd/internal/protocol"
	"pkt.systems/xferd/internal/session"
	"pkt.systems/xferd/internal/svcfields"
)

// ConnFD is the descriptor the control connection has in a session child.
const ConnFD = 3

// DefaultStopGrace is how long a child gets between SIGTERM and SIGKILL.
const DefaultStopGrace = 10 * time.Second

// Envelope is what a session child reads from stdin.
type Envelope struct {
	Job      *job.Job `json:"job"`
	Settings Settings `json:"settings"`
	Home     string   `json:"home,omitempty"`
	// Pending holds control input the daemon read past the login.
	Pending []byte `json:"pending,omitempty"`
}

// Exec runs each session in a child process started from Path with Args. The
// child receives the control connection as descriptor 3 and an Envelope on
// stdin, and is started with the capability's credentials.
type Exec struct {
	Settings Settings
	// Path defaults to the running executable.
	Path string
	// Args default to "session".
	Args []string
	// Env is appended to the identity's HOME, USER and LOGNAME.
	Env       []string
	Stderr    io.Writer
	StopGrace time.Duration
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Name implements Launcher.
func (l *Exec) Name() string { return "exec" }

// Launch implements Launcher. Errors starting the child are reported as
// ErrSwitch; that is where the kernel applies the credentials.
func (l *Exec) Launch(ctx context.Context, req Request) (*Worker, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSetup, err)
		}
		path = exe
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"session"}
	}
	fc, ok := req.Conn.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot be passed to a child process", ErrSetup, req.Conn)
	}
	f, err := fc.File()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	defer f.Close()

	env := Envelope{Job: req.Job, Settings: l.Settings}
	if req.Reader != nil {
		env.Pending = req.Reader.Buffered()
	}
	cmd := exec.CommandContext(ctx, path, args...)
	if c := req.Capability; c != nil {
		env.Home = c.Home
		cmd.Env = append(c.Env(), l.Env...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: c.Credential(), Setsid: true}
		cmd.Dir = "/"
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = l.Stderr
	cmd.Stderr = l.Stderr
	cmd.ExtraFiles = []*os.File{f}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = l.StopGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultStopGrace
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwitch, err)
	}
	// The child owns the connection now.
	_ = req.Conn.Close()

	w := newWorker()
	clk := clock.Or(l.Clock)
	logger := svcfields.WithSubsystem(l.Logger, "launch.exec").With("worker", w.id, "job", req.Job.ID)
	logger.Info("launch.started", "user", req.Job.User, "pid", cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		logger.Debug("launch.exited", "pid", cmd.Process.Pid, "elapsed", clock.Since(clk, w.Started()), "error", err)
		w.finish(err)
	}()
	return w, nil
}

// RunChild is the session child's side of Exec: it decodes the envelope from
// r, adopts the connection on ConnFD and serves the session.
func RunChild(ctx context.Context, r io.Reader, clk clock.Clock, logger pslog.Logger) error {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("launch: decode envelope: %w", err)
	}
	if env.Job == nil {
		return errors.New("launch: envelope carries no job")
	}
	f := os.NewFile(ConnFD, "control")
	if f == nil {
		return errors.New("launch: control descriptor missing")
	}
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("launch: adopt control connection: %w", err)
	}
	return serveChild(ctx, env, conn, clk, logger)
}

func serveChild(ctx context.Context, env Envelope, conn net.Conn, clk clock.Clock, logger pslog.Logger) error {
	defer conn.Close()
	conn = withPrefix(conn, env.Pending)
	reader := protocol.NewConn(conn, svcfields.WithSubsystem(logger, "session.wire"))
	home := env.Home
	if home == "" {
		home = os.Getenv("HOME")
	}
	sess, err := session.New(env.Settings.session(env.Job, conn, reader, home, clock.Or(clk), logger))
	if err != nil {
		_ = reader.WriteReply("500 Error establishing connection: " + err.Error())
		return err
	}
	return sess.Run(ctx)
}
