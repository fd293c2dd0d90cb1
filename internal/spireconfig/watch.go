package spireconfig

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/pterx/spire/internal/spireproxy"
)

// Watcher watches a config file's directory for writes and publishes a
// freshly decoded-and-compiled RouteTable on Changes whenever the file's
// content actually parses. It watches the directory rather than the file
// itself because editors commonly replace a file via rename rather than
// writing it in place, which fsnotify only reports as an event on the
// directory (grounded on ariadne's HotReloadSystem.WatchConfigChanges in
// packages/engine/config/runtime.go).
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	Changes chan *ChangeEvent
	Errors  chan error

	mu      sync.Mutex
	started bool
}

// ChangeEvent carries a newly compiled snapshot from a reload. A decode or
// compile failure is reported on Errors instead, since the caller
// (spirecli's watchLoop, which publishes through spirecontrol.Bus) should
// log it and keep running on the previous snapshot rather than crash
// (spec.md §9).
type ChangeEvent struct {
	Table *spireproxy.RouteTable
}

// NewWatcher constructs a Watcher for the config file at path. Call Start
// to begin watching.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		watcher: fsw,
		Changes: make(chan *ChangeEvent, 4),
		Errors:  make(chan error, 4),
	}, nil
}

// Start begins watching the file's parent directory and runs until ctx is
// cancelled or Stop is called. It is safe to call at most once.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.Changes)
	defer close(w.Errors)
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			table, err := Load(w.path)
			if err != nil {
				w.Errors <- err
				continue
			}
			w.Changes <- &ChangeEvent{Table: table}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Errors <- err

		case <-ctx.Done():
			return
		}
	}
}

// Stop closes the underlying fsnotify watcher, ending the run loop.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
