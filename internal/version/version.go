// Package version reports the build version of the daemon. It shows up in
// the control greeting and in ping responses.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/xferd"

// buildVersion is set via -ldflags "-X pkt.systems/xferd/internal/version.buildVersion=...".
var buildVersion = ""

// Build describes the running binary.
type Build struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Modified  bool
	GoVersion string
}

// Read collects build details. Version falls back to a pseudo version made
// from the VCS stamp, then to v0.0.0-unknown.
func Read() Build {
	b := Build{Module: defaultModule}
	info, ok := debug.ReadBuildInfo()
	if ok {
		b = fromBuildInfo(info)
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		b.Version = v
	}
	if b.Version == "" {
		b.Version = "v0.0.0-unknown"
	}
	return b
}

func fromBuildInfo(info *debug.BuildInfo) Build {
	b := Build{Module: defaultModule, GoVersion: info.GoVersion}
	if p := strings.TrimSpace(info.Main.Path); p != "" {
		b.Module = p
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				b.Time = t.UTC()
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		b.Version = v
	} else {
		b.Version = b.pseudo()
	}
	return b
}

func (b Build) pseudo() string {
	if b.Revision == "" || b.Time.IsZero() {
		return ""
	}
	rev := b.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + b.Time.Format("20060102150405") + "-" + rev
	if b.Modified {
		v += "+dirty"
	}
	return v
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path of the binary.
func Module() string {
	return Read().Module
}
