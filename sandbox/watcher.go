package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits after the last write to a
// file before acting on it.
const DefaultDebounce = 200 * time.Millisecond

// Watcher hot-reloads loaded scripts and the policy file when they change
// on disk.
type Watcher struct {
	m        *Manager
	watcher  *fsnotify.Watcher
	log      logrus.FieldLogger
	debounce time.Duration

	mu         sync.Mutex
	scripts    map[string]string // cleaned path -> context ID
	policyPath string
	onPolicy   func(*Policy, error)
	timers     map[string]*time.Timer
	dirs       map[string]bool
}

// NewWatcher returns a watcher for m. Scripts are added with Add.
func NewWatcher(m *Manager, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		m:        m,
		watcher:  fw,
		log:      m.conf().log.WithField("component", "watcher"),
		debounce: debounce,
		scripts:  make(map[string]string),
		timers:   make(map[string]*time.Timer),
		dirs:     make(map[string]bool),
	}, nil
}

// Add watches the file a context was loaded from.
func (w *Watcher) Add(id string) error {
	info, err := w.m.Info(id)
	if err != nil {
		return err
	}
	if info.Path == "" {
		return fmt.Errorf("context %s was not loaded from a file", id)
	}
	file := filepath.Clean(info.Path)
	if err := w.watchDir(file); err != nil {
		return err
	}
	w.mu.Lock()
	w.scripts[file] = id
	w.mu.Unlock()
	return nil
}

// WatchPolicy reloads the policy at file on change and applies it to the
// manager. apply, if not nil, is told about every attempt.
func (w *Watcher) WatchPolicy(file string, apply func(*Policy, error)) error {
	file = filepath.Clean(file)
	if err := w.watchDir(file); err != nil {
		return err
	}
	w.mu.Lock()
	w.policyPath, w.onPolicy = file, apply
	w.mu.Unlock()
	return nil
}

// watchDir watches the directory holding file. Editors often replace a
// file instead of writing it in place, which a watch on the file itself
// would miss.
func (w *Watcher) watchDir(file string) error {
	dir := filepath.Dir(file)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	w.dirs[dir] = true
	return nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule(ctx, filepath.Clean(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("file watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, file string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, isScript := w.scripts[file]
	if !isScript && file != w.policyPath {
		return
	}
	if t, ok := w.timers[file]; ok {
		t.Stop()
	}
	w.timers[file] = time.AfterFunc(w.debounce, func() { w.fire(ctx, file) })
}

func (w *Watcher) fire(ctx context.Context, file string) {
	if ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	delete(w.timers, file)
	id, isScript := w.scripts[file]
	onPolicy := w.onPolicy
	isPolicy := file == w.policyPath
	w.mu.Unlock()

	if isPolicy {
		p, err := LoadPolicy(file)
		if err == nil {
			w.m.ApplyPolicy(p)
			w.log.WithField("file", file).Info("policy reloaded")
		} else {
			w.log.WithError(err).WithField("file", file).Warn("policy reload failed; keeping previous policy")
		}
		if onPolicy != nil {
			onPolicy(p, err)
		}
		return
	}
	if !isScript {
		return
	}

	code, err := os.ReadFile(file)
	if err != nil {
		w.log.WithError(err).WithField("file", file).Warn("read changed script")
		return
	}
	err = w.m.Reload(ctx, id, code)
	if errors.Is(err, ErrContextBusy) {
		w.schedule(ctx, file)
		return
	}
	if err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{"file": file, "context": id}).Warn("hot reload failed; keeping previous program")
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for f, t := range w.timers {
		t.Stop()
		delete(w.timers, f)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
