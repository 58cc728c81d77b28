package confsync

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Source identifies what triggered a change event.
type Source string

const (
	// SourceFileLoad tags changes from an explicit Reload call.
	SourceFileLoad Source = "file-load"
	// SourceCodeUpdate tags changes from in-process mutations.
	SourceCodeUpdate Source = "code-update"
	// SourceFileWatch tags changes detected from an external file edit.
	SourceFileWatch Source = "file-watch"
)

// Change describes one observed transition of a target's value.
// Old is nil when no prior value was captured (first load).
type Change[T any] struct {
	Old    *T
	New    T
	Source Source
}

// Listener receives change events. Listeners run synchronously in the
// order their triggering operations acquired the target lock and must not
// call back into the target.
type Listener[T any] func(Change[T])

// ChangesTopic is the watermill topic carrying JSON-encoded change events.
const ChangesTopic = "confsync.changes"

type listenerEntry[T any] struct {
	id uint64
	fn Listener[T]
}

type errorEntry struct {
	id uint64
	fn func(error)
}

// feed is the per-target listener registry. Watermill's gochannel is kept
// as bridging infrastructure (middleware, routing, distributed backends)
// while direct subscriber tracking preserves type information.
type feed[T any] struct {
	mu     sync.Mutex
	pubsub *gochannel.GoChannel
	subs   []listenerEntry[T]
	errs   []errorEntry
	nextID uint64
	closed bool
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
	}
}

// subscribe registers a change listener and returns an unsubscribe func.
func (f *feed[T]) subscribe(fn Listener[T]) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return func() {}
	}
	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, listenerEntry[T]{id: id, fn: fn})

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, e := range f.subs {
			if e.id == id {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
	}
}

// subscribeError registers an error listener for background save failures.
func (f *feed[T]) subscribeError(fn func(error)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return func() {}
	}
	f.nextID++
	id := f.nextID
	f.errs = append(f.errs, errorEntry{id: id, fn: fn})

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, e := range f.errs {
			if e.id == id {
				f.errs = append(f.errs[:i], f.errs[i+1:]...)
				break
			}
		}
	}
}

// emit delivers a change to all listeners synchronously, then forwards a
// JSON encoding to the watermill channel. A slow bridge consumer with a
// full buffer backpressures emission.
func (f *feed[T]) emit(c Change[T]) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	subs := make([]Listener[T], 0, len(f.subs))
	for _, e := range f.subs {
		subs = append(subs, e.fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}

	payload, err := json.Marshal(struct {
		Source Source `json:"source"`
		Old    *T     `json:"old,omitempty"`
		New    T      `json:"new"`
	}{c.Source, c.Old, c.New})
	if err != nil {
		return
	}
	_ = f.pubsub.Publish(ChangesTopic, message.NewMessage(watermill.NewUUID(), payload))
}

// emitError delivers a background failure to error listeners.
func (f *feed[T]) emitError(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	errs := make([]func(error), 0, len(f.errs))
	for _, e := range f.errs {
		errs = append(errs, e.fn)
	}
	f.mu.Unlock()

	for _, fn := range errs {
		fn(err)
	}
}

func (f *feed[T]) close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.subs = nil
	f.errs = nil
	f.mu.Unlock()

	return f.pubsub.Close()
}
