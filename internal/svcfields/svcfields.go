// Package svcfields holds the log field conventions shared by every xferd
// subsystem.
package svcfields

import (
	"net"
	"strings"

	"pkt.systems/pslog"
)

// Canonical log keys.
const (
	SubsystemKey = pslog.TrustedString("sys")
	PeerKey      = pslog.TrustedString("peer")
	JobKey       = pslog.TrustedString("job")
	UserKey      = pslog.TrustedString("user")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithPeer tags entries with the remote address of a connection.
func WithPeer(logger pslog.Logger, addr net.Addr) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if addr == nil {
		return logger
	}
	return logger.With(PeerKey, addr.String())
}

// WithJob tags entries with a job id and the user it acts for.
func WithJob(logger pslog.Logger, id, user string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(JobKey, id, UserKey, user)
}
