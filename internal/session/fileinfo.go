package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// halfYear is the age after which LIST -a shows the year instead of the time.
const halfYear = 15811200 * time.Second

type fileInfo struct {
	path string
	fi   os.FileInfo
}

func statPath(p string) (fileInfo, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return fileInfo{}, err
	}
	return fileInfo{path: p, fi: fi}, nil
}

func (f fileInfo) name() string {
	if f.path == "/" {
		return f.path
	}
	return filepath.Base(f.path)
}

// perm returns the caller's effective r, w and x rights, filling denied slots
// with empty.
func (f fileInfo) perm(empty string) string {
	out := ""
	for _, bit := range []struct {
		mode uint32
		flag string
	}{{unix.R_OK, "r"}, {unix.W_OK, "w"}, {unix.X_OK, "x"}} {
		if unix.Access(f.path, bit.mode) == nil {
			out += bit.flag
		} else {
			out += empty
		}
	}
	return out
}

func (f fileInfo) kind() string {
	if f.fi.IsDir() {
		return "dir"
	}
	return "file"
}

func (f fileInfo) dirFlag() string {
	if f.fi.IsDir() {
		return "d"
	}
	return "-"
}

// simple is the compact listing used by LIST and STAT:
// "<d|-><rwx> <size> <mtime millis> <name>".
func (f fileInfo) simple() string {
	return fmt.Sprintf("%s%s %d %d %s", f.dirFlag(), f.perm("-"), f.fi.Size(), 1000*f.fi.ModTime().Unix(), f.name())
}

// mlist is the machine readable MLSD/MLST form.
func (f fileInfo) mlist() string {
	return fmt.Sprintf("size=%d;modify=%s;type=%s;perm=%s %s",
		f.fi.Size(), f.fi.ModTime().Local().Format(mfmtLayout), f.kind(), f.perm(""), f.name())
}

// long is the ls -l like form of LIST -a, terminated by a carriage return.
func (f fileInfo) long(now time.Time) string {
	links := "1"
	if f.fi.IsDir() {
		links = "3"
	}
	mtime := f.fi.ModTime().Local()
	date := mtime.Format("Jan 02 15:04")
	if mtime.Before(now.Add(-halfYear)) {
		date = mtime.Format("Jan 02 2006")
	}
	return fmt.Sprintf("%s%s------   %s dummy dummy %d %s %s\r", f.dirFlag(), f.perm("-"), links, f.fi.Size(), date, f.name())
}

// canRead reports whether the file exists and is readable by the caller.
func canRead(p string) bool {
	if _, err := os.Stat(p); err != nil {
		return false
	}
	return unix.Access(p, unix.R_OK) == nil
}
