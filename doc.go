// Package confsync keeps an in-memory value and one or two on-disk JSON
// files mutually consistent: in-process edits are persisted to disk, and
// external edits to disk are reflected back into memory, without the two
// sides fighting over writes.
//
// # Sync targets
//
// A Target binds a value of any JSON-representable type to a primary file
// plus an optional environment overlay file:
//
//	type Server struct {
//		Host string `json:"Host"`
//		Port int    `json:"Port"`
//	}
//
//	t, err := confsync.New(confsync.Config{
//		Path:             "/etc/myapp/config.json",
//		Environment:      "staging",
//		Section:          "Server",
//		Watch:            true,
//		DebounceInterval: 200 * time.Millisecond,
//	}, Server{Host: "localhost", Port: 8080})
//
// Three binding shapes are supported:
//
//   - whole document: neither Section nor Key set
//   - section: one top-level subtree; saves rewrite only that key and all
//     other top-level keys pass through
//   - scalar key path: a colon-separated path such as "Server:Port",
//     matched case-sensitively against object member names
//
// # Overlays
//
// The overlay path is derived by inserting the environment name before
// the primary file's extension (config.json + "staging" gives
// config.staging.json). Loads always read the primary first and the
// overlay second; an overlay value at the bound location replaces the
// primary's (Config.DeepMergeOverlay switches to a field-by-field merge).
// Saves go to the overlay whenever it exists on disk at save time,
// otherwise to the primary.
//
// # Persistence and change events
//
// Updates within one debounce interval coalesce into a single write and a
// single code-update event whose old value is the state before the first
// update of the burst. A zero interval writes synchronously. The engine
// suppresses the watcher echo of its own writes (an in-flight flag plus a
// recency window), so a code update never produces a spurious file-watch
// reload. External edits wait out a short settle delay and then reload,
// emitting a file-watch event.
//
// Listeners registered with OnChange run synchronously in event order.
// JSON-encoded events are also published to a watermill channel (PubSub)
// for bridging into routers or middleware.
//
// # Failure model
//
// Unreadable or malformed files at load time are logged and replaced by
// the bound default; the operation still succeeds. Explicit Save, Update
// (synchronous mode) and Reload return errors to the caller; failed
// debounced flushes retry briefly, then surface through OnError, leaving
// the in-memory value authoritative.
package confsync
