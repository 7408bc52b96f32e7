package identity

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"golang.org/x/sys/unix"
)

// ErrPermission is returned when an identity may not read a file.
var ErrPermission = errors.New("permission denied")

// ReadFile reads path on behalf of the capability. A switching capability is
// checked against the file's owner, group and mode bits first, so the daemon
// never discloses a file the user could not read.
func (c *Capability) ReadFile(path string) ([]byte, error) {
	if c.Switch {
		if err := c.checkRead(path); err != nil {
			return nil, err
		}
	}
	return os.ReadFile(path)
}

func (c *Capability) checkRead(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return &os.PathError{Op: "stat", Path: path, Err: err}
	}
	if !c.mayRead(st.Uid, st.Gid, uint32(st.Mode)) {
		return fmt.Errorf("%s: %w", path, ErrPermission)
	}
	return nil
}

func (c *Capability) mayRead(uid, gid, mode uint32) bool {
	switch {
	case uid == c.UID:
		return mode&unix.S_IRUSR != 0
	case gid == c.GID || slices.Contains(c.Groups, gid):
		return mode&unix.S_IRGRP != 0
	default:
		return mode&unix.S_IROTH != 0
	}
}
