package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

var (
	// ErrAccessDenied rejects a command below the granted access level or a
	// path outside the session's confinement.
	ErrAccessDenied = errors.New("access denied")
	// ErrSequence rejects commands sent out of order.
	ErrSequence = errors.New("illegal sequence of FTP commands")
	// ErrSyntax rejects malformed arguments.
	ErrSyntax = errors.New("argument syntax error")
)

// confinement resolves client paths against the current directory and keeps
// them below the base directory.
type confinement struct {
	base          string
	current       string
	allowAbsolute bool
	includes      []pattern
	excludes      []pattern
}

// resolve returns the absolute, cleaned form of p. Unless absolute paths are
// allowed the result must be the base directory or lie beneath it.
func (c *confinement) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Clean(filepath.Join(c.current, p))
	}
	if !c.allowAbsolute && !within(c.base, abs) {
		return "", fmt.Errorf("%w: %s not in %s", ErrAccessDenied, abs, c.base)
	}
	return abs, nil
}

func within(base, p string) bool {
	if base == "/" {
		return true
	}
	return p == base || strings.HasPrefix(p, base+string(filepath.Separator))
}

// check applies the exclude and include patterns. Excludes win; an empty
// include list allows everything not excluded.
func (c *confinement) check(p string) error {
	for _, ex := range c.excludes {
		if ex.match(p) {
			return fmt.Errorf("%w: %s excluded via %s", ErrAccessDenied, p, ex.glob)
		}
	}
	if len(c.includes) == 0 {
		return nil
	}
	for _, in := range c.includes {
		if in.match(p) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not included in %s", ErrAccessDenied, p, joinGlobs(c.includes))
}

// resolveChecked resolves p and applies the include and exclude patterns.
func (c *confinement) resolveChecked(p string) (string, error) {
	abs, err := c.resolve(p)
	if err != nil {
		return "", err
	}
	if err := c.check(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// pattern is a shell style glob in which '*' also matches '/', so "/data/*.txt"
// covers every .txt file below /data. Braces and backslashes are literal.
type pattern struct {
	glob string
	g    glob.Glob
}

var literalMeta = strings.NewReplacer(`\`, `\\`, "{", `\{`, "}", `\}`)

func compilePattern(expr string) (pattern, error) {
	quoted := literalMeta.Replace(expr)
	g, err := glob.Compile(quoted)
	if err != nil {
		// An unterminated class is matched literally.
		g, err = glob.Compile(strings.NewReplacer("[", `\[`, "]", `\]`).Replace(quoted))
	}
	if err != nil {
		return pattern{}, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	return pattern{glob: expr, g: g}, nil
}

func (p pattern) match(s string) bool {
	return p.g.Match(s)
}

func joinGlobs(ps []pattern) string {
	globs := make([]string, len(ps))
	for i, p := range ps {
		globs[i] = p.glob
	}
	return "[" + strings.Join(globs, ", ") + "]"
}
