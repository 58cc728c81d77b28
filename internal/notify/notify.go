// Package notify delivers debounced change notifications for a fixed set
// of files, distinguishing externally-caused changes from self-caused ones
// through a caller-supplied suppression hook.
package notify

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/confsync/confsync/internal/debounce"
)

// Config configures a Notifier.
type Config struct {
	// Paths are the files to monitor. Their parent directories are
	// watched and events are filtered by exact name, so a file replaced
	// by rename, or created after the watch is attached, is still seen.
	Paths []string

	// Settle is how long to wait after a raw notification before
	// invoking OnChange, letting multi-step external editors finish.
	Settle time.Duration

	// Suppress is consulted on every raw notification; returning true
	// drops it as a presumed echo of this process's own write.
	Suppress func() bool

	// OnChange runs after the settle delay, on the timer goroutine.
	OnChange func()

	Logger zerolog.Logger
}

// Notifier watches the configured files until closed.
type Notifier struct {
	watcher  *fsnotify.Watcher
	names    map[string]struct{}
	settle   time.Duration
	suppress func() bool
	onChange func()
	log      zerolog.Logger

	pending debounce.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a Notifier watching the parent directories of cfg.Paths.
// The directories must exist; the files themselves need not.
func New(cfg Config) (*Notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	names := make(map[string]struct{}, len(cfg.Paths))
	dirs := make(map[string]struct{})
	for _, p := range cfg.Paths {
		p = filepath.Clean(p)
		names[p] = struct{}{}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	return &Notifier{
		watcher:  w,
		names:    names,
		settle:   cfg.Settle,
		suppress: cfg.Suppress,
		onChange: cfg.OnChange,
		log:      cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins delivering notifications.
func (n *Notifier) Start() {
	n.mu.Lock()
	if n.started || n.closed {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()
	go n.run()
}

func (n *Notifier) run() {
	defer close(n.doneCh)

	for {
		select {
		case <-n.stopCh:
			return
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.handle(ev)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.log.Error().Err(err).Msg("file watcher error")
		}
	}
}

func (n *Notifier) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if _, ok := n.names[filepath.Clean(ev.Name)]; !ok {
		return
	}
	if n.suppress != nil && n.suppress() {
		n.log.Debug().Str("file", ev.Name).Msg("change notification suppressed")
		return
	}
	// Bursts from a multi-write editor collapse into one callback.
	n.pending.Arm(n.settle, n.onChange)
}

// Close stops watching and cancels any pending settle-delay callback.
// It blocks until the event loop has exited. Idempotent.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.mu.Unlock()

	close(n.stopCh)
	n.pending.Cancel()
	err := n.watcher.Close()
	if started {
		<-n.doneCh
	}
	return err
}
