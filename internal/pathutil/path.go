// Package pathutil expands the user supplied paths found in configuration:
// key and certificate files, the ACL file and home relative session paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR and ${VAR} tokens and a leading "~/" using
// the current user's home directory. Relative results stay relative.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return ExpandHome(p, home), nil
}

// ExpandHome replaces a leading "~" or "~/" with home. Other forms,
// including "~user", are returned unchanged.
func ExpandHome(p, home string) string {
	switch {
	case p == "~":
		return home
	case strings.HasPrefix(p, "~/"):
		return filepath.Join(home, p[2:])
	default:
		return p
	}
}

// Absolute expands p and makes it absolute relative to the working directory.
func Absolute(p string) (string, error) {
	expanded, err := ExpandUserAndEnv(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}
