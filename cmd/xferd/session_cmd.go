package main

import (
	"os"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/clock"
	"pkt.systems/xferd/internal/launch"
	"pkt.systems/xferd/internal/svcfields"
)

// newSessionCommand is the entry point of session children started by the
// exec launcher. It is not meant to be run by hand.
func newSessionCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:    "session",
		Short:  "Serve one session handed over by the daemon (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger.With("pid", os.Getpid(), "uid", os.Getuid())
			if err := launch.RunChild(cmd.Context(), cmd.InOrStdin(), clock.Real{}, logger); err != nil {
				svcfields.WithSubsystem(logger, "cli.session").Warn("session.failed", "error", err)
				return err
			}
			return nil
		},
	}
}
