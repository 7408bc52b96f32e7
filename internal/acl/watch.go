package acl

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/xferd/internal/svcfields"
)

// Watcher keeps a List in sync with a file.
type Watcher struct {
	path    string
	logger  pslog.Logger
	current atomic.Pointer[List]
	watcher *fsnotify.Watcher
	reloads chan struct{}
}

// Watch loads path and starts watching its directory. Editors replace files
// by rename, so the directory is watched rather than the file.
func Watch(path string, logger pslog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:    abs,
		logger:  svcfields.WithSubsystem(logger, "cmd.acl"),
		reloads: make(chan struct{}, 1),
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("acl: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("acl: watch %s: %w", filepath.Dir(abs), err)
	}
	w.watcher = fw
	return w, nil
}

// Reload reads the file now. On failure the previous list stays active.
func (w *Watcher) Reload() error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("acl: %w", err)
	}
	defer f.Close()
	l, errs := Parse(f)
	for _, err := range errs {
		w.logger.Error("acl.entry.invalid", "file", w.path, "error", err)
	}
	for _, e := range l.Entries() {
		w.logger.Info("acl.entry.allowed", "dn", e.String())
	}
	prev := w.current.Swap(l)
	if prev != nil {
		w.logger.Info("acl.reloaded", "file", w.path, "entries", l.Len())
	} else {
		w.logger.Info("acl.loaded", "file", w.path, "entries", l.Len())
	}
	select {
	case w.reloads <- struct{}{}:
	default:
	}
	return nil
}

// List returns the active list.
func (w *Watcher) List() *List {
	return w.current.Load()
}

// Reloaded signals after each successful reload.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloads
}

// Verify checks a TLS peer against the active list. It fits
// tls.Config.VerifyConnection.
func (w *Watcher) Verify(cs tls.ConnectionState) error {
	return w.List().Verify(cs)
}

// Run applies file changes until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("acl.reload.failed", "file", w.path, "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("acl.watch.error", "error", err)
		}
	}
}
