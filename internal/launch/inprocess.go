package launch

import (
	"context"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/session"
	"pkt.systems/xferd/internal/svcfields"
)

// InProcess runs sessions as goroutines under the daemon's own identity.
type InProcess struct {
	Settings Settings
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Name implements Launcher.
func (l *InProcess) Name() string { return "inprocess" }

// Launch implements Launcher. A capability that requires an identity switch
// is refused; a goroutine cannot change credentials on its own.
func (l *InProcess) Launch(ctx context.Context, req Request) (*Worker, error) {
	if req.Capability != nil && req.Capability.Switch {
		return nil, fmt.Errorf("%w: in-process sessions run as the daemon user", ErrSwitch)
	}
	home := ""
	if req.Capability != nil {
		home = req.Capability.Home
	}
	clk := clock.Or(l.Clock)
	sess, err := session.New(l.Settings.session(req.Job, req.Conn, req.Reader, home, clk, l.Logger))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	w := newWorker()
	logger := svcfields.WithSubsystem(l.Logger, "launch.inprocess").With("worker", w.id, "job", req.Job.ID)
	logger.Debug("launch.started", "user", req.Job.User, "basedir", sess.BaseDir())
	go func() {
		err := sess.Run(ctx)
		_ = req.Conn.Close()
		logger.Debug("launch.exited", "elapsed", clock.Since(clk, w.Started()), "error", err)
		w.finish(err)
	}()
	return w, nil
}
