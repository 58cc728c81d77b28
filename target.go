package confsync

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/confsync/confsync/internal/clonev"
	"github.com/confsync/confsync/internal/debounce"
	"github.com/confsync/confsync/internal/document"
	"github.com/confsync/confsync/internal/notify"
	"github.com/confsync/confsync/internal/overlay"
)

// ErrClosed is returned by mutation and reload operations on a closed
// target.
var ErrClosed = errors.New("confsync: sync target is closed")

// Target binds an in-memory value of type T to one primary JSON file and
// an optional environment overlay, keeping the two sides consistent:
// in-memory updates are persisted (debounced) to disk, and external file
// edits are reflected back into memory.
//
// All operations on one Target are serialized under a single lock; change
// events are emitted in the order their triggering operations acquired it.
type Target[T any] struct {
	cfg     Config
	id      string
	log     zerolog.Logger
	store   *document.Store
	paths   overlay.Paths
	keyPath []string
	def     T
	cloner  clonev.Strategy
	feed    *feed[T]

	mu         sync.Mutex
	value      T
	pendingOld *T
	dirty      bool
	saving     bool
	lastSave   time.Time
	timer      debounce.Timer
	notifier   *notify.Notifier
	closed     bool
}

// New creates a sync target bound to cfg.Path with the given default
// value. The primary file is created with the serialized default if
// absent; the overlay file, when an environment is configured, is created
// as an empty object. The initial load (primary first, then overlay) is
// implicit and emits no change event.
func New[T any](cfg Config, defaultValue T) (*Target[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("confsync: resolve path: %w", err)
	}
	cfg.Path = abs

	env := cfg.Environment
	if env == "" && cfg.AutoEnvironment {
		env = overlay.DetectEnvironment(cfg.LookupEnv, filepath.Dir(abs))
	}

	var keyPath []string
	if cfg.Section != "" {
		keyPath = []string{cfg.Section}
	} else {
		keyPath = document.SplitKey(cfg.Key)
	}

	id := ulid.Make().String()
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	t := &Target[T]{
		cfg:     cfg,
		id:      id,
		log:     base.With().Str("target", id).Str("path", abs).Logger(),
		store:   document.New(cfg.Indent),
		paths:   overlay.Resolve(abs, env),
		keyPath: keyPath,
		def:     defaultValue,
		feed:    newFeed[T](),
	}
	switch cfg.CloneMode {
	case CloneGob:
		t.cloner = clonev.Gob{}
	default:
		t.cloner = clonev.JSON{}
	}

	if !t.store.Exists(t.paths.Primary) {
		if err := t.store.Write(t.paths.Primary, t.keyPath, defaultValue); err != nil {
			return nil, fmt.Errorf("confsync: create %s: %w", t.paths.Primary, err)
		}
		// Creating the default file is a self-write; suppress its echo.
		t.lastSave = time.Now()
	}
	if t.paths.HasOverlay() {
		if err := t.store.EnsureFile(t.paths.Overlay, []byte("{}\n")); err != nil {
			return nil, fmt.Errorf("confsync: create %s: %w", t.paths.Overlay, err)
		}
	}

	t.value = t.load()

	if cfg.Watch {
		n, err := notify.New(notify.Config{
			Paths:    t.paths.LoadOrder(),
			Settle:   cfg.Settle,
			Suppress: t.suppressed,
			OnChange: t.onExternalChange,
			Logger:   t.log,
		})
		if err != nil {
			t.feed.close()
			return nil, fmt.Errorf("confsync: attach watcher: %w", err)
		}
		t.notifier = n
		n.Start()
	}

	t.log.Debug().Str("environment", env).Msg("sync target ready")
	return t, nil
}

// Value returns a deep-copied point-in-time snapshot of the current value.
func (t *Target[T]) Value() T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clone(t.value)
}

// Update applies fn to the live value under the target lock and schedules
// a persist. Bursts of updates within the debounce interval coalesce into
// one write and one change event; the event carries the value before the
// first update of the burst as old. With a zero debounce interval the
// write happens synchronously before Update returns.
func (t *Target[T]) Update(fn func(*T)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.pendingOld == nil {
		old := t.clone(t.value)
		t.pendingOld = &old
	}
	fn(&t.value)
	t.dirty = true

	if t.cfg.DebounceInterval <= 0 {
		return t.flushLocked(false)
	}
	t.timer.Arm(t.cfg.DebounceInterval, t.timerFired)
	return nil
}

// Set replaces the whole value. Shorthand for Update.
func (t *Target[T]) Set(v T) error {
	return t.Update(func(p *T) { *p = v })
}

// Save persists immediately, cancelling any pending debounce timer. If a
// burst of updates was pending, its single code-update event is emitted
// by this flush; a Save with nothing pending persists the current value
// and emits no event.
func (t *Target[T]) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.dirty {
		return t.flushLocked(false)
	}
	t.timer.Cancel()
	return t.persistLocked(false)
}

// Reload re-reads the files (primary first, then overlay) and replaces
// the in-memory value, emitting a file-load change event. When neither
// file yields a value the bound default is substituted.
func (t *Target[T]) Reload() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.reloadLocked(SourceFileLoad)
	return nil
}

// OnChange registers a listener for change events and returns an
// unsubscribe function. Listeners run synchronously in event order and
// must not call back into the target.
func (t *Target[T]) OnChange(fn Listener[T]) func() {
	return t.feed.subscribe(fn)
}

// OnError registers a listener for background save failures (debounced
// flushes that fail after retrying). Explicit Save and Update errors are
// returned to the caller instead.
func (t *Target[T]) OnError(fn func(error)) func() {
	return t.feed.subscribeError(fn)
}

// PubSub exposes the watermill channel carrying JSON-encoded change
// events on ChangesTopic, for bridging into middleware or routers.
func (t *Target[T]) PubSub() *gochannel.GoChannel {
	return t.feed.pubsub
}

// ID returns the target's unique identifier, as used in its log fields.
func (t *Target[T]) ID() string {
	return t.id
}

// Close disposes the target: the pending debounce timer is cancelled, any
// unsaved mutations are flushed synchronously, and the file watcher is
// released. Further mutation and reload calls fail with ErrClosed.
// Idempotent.
func (t *Target[T]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.timer.Cancel()

	var err error
	if t.dirty {
		err = t.flushLocked(false)
	}
	t.mu.Unlock()

	if t.notifier != nil {
		if cerr := t.notifier.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if ferr := t.feed.close(); ferr != nil && err == nil {
		err = ferr
	}
	t.log.Debug().Msg("sync target closed")
	return err
}

// load computes the effective value from disk: the primary document
// first, then the overlay, whose value replaces the primary's (or merges
// over it with DeepMergeOverlay). Unreadable or absent files fall back to
// the bound default; parse and IO causes are logged, never propagated.
func (t *Target[T]) load() T {
	v := t.clone(t.def)

	havePrimary := false
	var pv T
	switch err := t.store.Read(t.paths.Primary, t.keyPath, &pv); {
	case err == nil:
		v = pv
		havePrimary = true
	case !errors.Is(err, document.ErrNotFound):
		t.log.Warn().Err(err).Str("file", t.paths.Primary).Msg("primary unreadable, using bound default")
	}

	if t.paths.HasOverlay() {
		var ov T
		switch err := t.store.Read(t.paths.Overlay, t.keyPath, &ov); {
		case err == nil:
			if t.cfg.DeepMergeOverlay && havePrimary {
				if merr := mergo.Merge(&v, ov, mergo.WithOverride); merr != nil {
					t.log.Warn().Err(merr).Str("file", t.paths.Overlay).Msg("overlay merge failed, overlay wins")
					v = ov
				}
			} else {
				v = ov
			}
		case !errors.Is(err, document.ErrNotFound):
			t.log.Warn().Err(err).Str("file", t.paths.Overlay).Msg("overlay unreadable, ignored")
		}
	}
	return v
}

// flushLocked persists the current value and emits the pending burst's
// code-update event. Caller holds t.mu.
func (t *Target[T]) flushLocked(background bool) error {
	t.timer.Cancel()
	if err := t.persistLocked(background); err != nil {
		return err
	}
	old := t.pendingOld
	t.pendingOld = nil
	t.dirty = false
	t.feed.emit(Change[T]{Old: old, New: t.clone(t.value), Source: SourceCodeUpdate})
	return nil
}

// persistLocked writes the current value to the save target, which is
// re-evaluated on every call: the overlay if it exists on disk right now,
// else the primary. Background saves retry briefly before failing.
// Caller holds t.mu.
func (t *Target[T]) persistLocked(background bool) error {
	target := t.paths.SaveTarget()

	t.saving = true
	defer func() { t.saving = false }()

	write := func() error {
		return t.store.Write(target, t.keyPath, t.value)
	}
	var err error
	if background {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 25 * time.Millisecond
		bo.MaxElapsedTime = 500 * time.Millisecond
		err = backoff.Retry(write, bo)
	} else {
		err = write()
	}
	if err != nil {
		return fmt.Errorf("confsync: save %s: %w", target, err)
	}

	t.lastSave = time.Now()
	t.log.Debug().Str("file", target).Msg("value persisted")
	return nil
}

// timerFired is the debounce timer callback.
func (t *Target[T]) timerFired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.dirty {
		return
	}
	if err := t.flushLocked(true); err != nil {
		// The in-memory value stays authoritative; report and move on.
		t.log.Error().Err(err).Msg("debounced save failed")
		t.feed.emitError(err)
	}
}

// reloadLocked replaces the value from disk and emits a change event with
// the given source. Caller holds t.mu.
func (t *Target[T]) reloadLocked(src Source) {
	old := t.clone(t.value)
	t.value = t.load()
	t.feed.emit(Change[T]{Old: &old, New: t.clone(t.value), Source: src})
}

// suppressed is the notifier's hook: a raw file-change notification is
// dropped while a save is in flight or within the suppression window
// after the last successful save. The second layer exists because watcher
// events can fire asynchronously after the in-flight flag has cleared.
func (t *Target[T]) suppressed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.saving {
		return true
	}
	return !t.lastSave.IsZero() && time.Since(t.lastSave) < t.cfg.Suppression
}

// onExternalChange runs after the settle delay for an unsuppressed
// external edit.
func (t *Target[T]) onExternalChange() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.reloadLocked(SourceFileWatch)
}

// clone deep-copies v with the configured strategy. On a clone failure
// the original value is returned and the failure logged; callers then
// share the reference, which only matters for values that defeat their
// own snapshot strategy.
func (t *Target[T]) clone(v T) T {
	var out T
	if err := t.cloner.Clone(v, &out); err != nil {
		t.log.Error().Err(err).Msg("snapshot clone failed")
		return v
	}
	return out
}
