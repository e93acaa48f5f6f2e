// Package watcher turns raw filesystem notifications under a directory tree
// into debounced change events and drives the periodic reconciliation loop.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stephnangue/capsule/logger"
)

const DefaultDebounce = 2 * time.Second

// Config configures a Watcher
type Config struct {
	// Debounce is how long a path must stay quiet before its change is
	// delivered.
	Debounce time.Duration
	Logger   logger.Logger
}

type pending struct {
	kind     EventKind
	oldPath  string
	deadline time.Time
}

type renameFrom struct {
	path string
	at   time.Time
}

// Watcher watches directory trees recursively and delivers one event per
// path once the path has been quiet for the debounce window. A rename seen
// by the OS as a rename of the old name followed by a create of the new one
// is delivered as a single Rename event.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	order   []string
	rename  *renameFrom
	ready   []Event

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		now:      time.Now,
		pending:  make(map[string]*pending),
		done:     make(chan struct{}),
	}, nil
}

// Watch adds root and every directory below it and starts delivering
// events.
func (w *Watcher) Watch(root string) error {
	if err := w.addTree(root); err != nil {
		return err
	}
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
	return nil
}

// Poll returns the next debounced event without blocking.
func (w *Watcher) Poll() (Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ready) == 0 {
		return Event{}, false
	}
	ev := w.ready[0]
	w.ready = w.ready[1:]
	return ev, true
}

// Close stops the watcher. Undelivered events are dropped.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	interval := w.debounce / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev, w.now())
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("filesystem watch error", logger.Err(err))
		case <-ticker.C:
			w.flush(w.now())
		}
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// handle folds one raw notification into the pending set.
func (w *Watcher) handle(ev fsnotify.Event, now time.Time) {
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					logger.String("path", ev.Name),
					logger.Err(err),
				)
			}
		}
		w.mu.Lock()
		if w.rename != nil {
			from := w.rename.path
			w.rename = nil
			// a chain of renames keeps the path it started from
			origin := from
			if p, ok := w.pending[from]; ok && p.kind == Rename && p.oldPath != "" {
				origin = p.oldPath
			}
			w.forget(from)
			if origin == ev.Name {
				w.set(ev.Name, Write, "", now)
			} else {
				w.set(ev.Name, Rename, origin, now)
			}
		} else {
			w.set(ev.Name, Create, "", now)
		}
		w.mu.Unlock()

	case ev.Has(fsnotify.Rename):
		w.mu.Lock()
		if w.rename != nil {
			// moved out of the tree, nothing paired with it
			w.set(w.rename.path, Remove, "", now)
		}
		w.rename = &renameFrom{path: ev.Name, at: now}
		w.mu.Unlock()

	case ev.Has(fsnotify.Remove):
		w.mu.Lock()
		w.set(ev.Name, Remove, "", now)
		w.mu.Unlock()

	case ev.Has(fsnotify.Write):
		w.mu.Lock()
		w.set(ev.Name, Write, "", now)
		w.mu.Unlock()
	}
}

// set records a change of path. A create or rename followed by writes
// stays a create or rename; anything else is replaced by the latest kind.
// A pending rename that gets replaced still removes its old path.
// Callers hold mu.
func (w *Watcher) set(path string, kind EventKind, oldPath string, now time.Time) {
	deadline := now.Add(w.debounce)
	p, ok := w.pending[path]
	if !ok {
		w.pending[path] = &pending{kind: kind, oldPath: oldPath, deadline: deadline}
		w.order = append(w.order, path)
		return
	}
	if kind != Write || p.kind == Write || p.kind == Remove {
		if p.kind == Rename && p.oldPath != "" && p.oldPath != oldPath && p.oldPath != path {
			w.set(p.oldPath, Remove, "", now)
		}
		p.kind = kind
		p.oldPath = oldPath
	}
	p.deadline = deadline
}

// forget drops a pending change of path. Callers hold mu.
func (w *Watcher) forget(path string) {
	if _, ok := w.pending[path]; !ok {
		return
	}
	delete(w.pending, path)
	for i, p := range w.order {
		if p == path {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// flush moves every change that has been quiet for the debounce window to
// the ready queue. An unpaired rename turns into a remove.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rename != nil && !now.Before(w.rename.at.Add(w.debounce)) {
		w.set(w.rename.path, Remove, "", w.rename.at)
		w.rename = nil
	}

	kept := w.order[:0]
	for _, path := range w.order {
		p := w.pending[path]
		if now.Before(p.deadline) {
			kept = append(kept, path)
			continue
		}
		delete(w.pending, path)
		ev := Event{Kind: p.kind, Path: path, OldPath: p.oldPath}
		w.ready = append(w.ready, ev)
		w.logger.Debug("debounced filesystem event", logger.String("event", ev.String()))
	}
	w.order = kept
}
