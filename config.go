package confsync

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// CloneMode selects the deep-copy strategy used for value snapshots.
type CloneMode int

const (
	// CloneJSON round-trips through the JSON tree serialization. Works
	// for any JSON-representable value. The default.
	CloneJSON CloneMode = iota
	// CloneGob round-trips through the gob binary schema. Faster for
	// large struct values that opt in to gob encodability.
	CloneGob
)

// Default timing windows.
const (
	// DefaultSuppression is how long after a self-triggered save that
	// file-change notifications are discarded as presumed self-echoes.
	DefaultSuppression = 500 * time.Millisecond
	// DefaultSettle is how long to wait after an external change before
	// reloading, letting a multi-step editor finish writing.
	DefaultSettle = 100 * time.Millisecond
)

// Config holds the resolved options for one sync target. Outer layers
// (flag parsing, DI containers) own how these values are obtained; the
// engine consumes them as-is.
type Config struct {
	// Path is the primary JSON file. Required; created with the
	// serialized default value if absent.
	Path string

	// Environment names the overlay file, inserted before Path's
	// extension (config.json + "staging" -> config.staging.json).
	// Empty disables overlays unless AutoEnvironment is set.
	Environment string

	// AutoEnvironment detects the environment from CONFSYNC_ENVIRONMENT
	// then APP_ENV, falling back to a .env file beside Path.
	AutoEnvironment bool

	// Section binds a single top-level subtree of the document. Saves
	// rewrite only that key; all other top-level keys pass through.
	// Mutually exclusive with Key.
	Section string

	// Key binds a single value at a colon-separated path of object
	// member names, e.g. "Server:Port". Mutually exclusive with Section.
	Key string

	// Watch reloads the in-memory value when the files change on disk.
	Watch bool

	// DebounceInterval is the quiet period that coalesces a burst of
	// updates into one write. Zero writes synchronously on every update.
	DebounceInterval time.Duration

	// CloneMode selects the snapshot strategy.
	CloneMode CloneMode

	// DeepMergeOverlay merges overlay values field-by-field over the
	// primary instead of the default whole-value replacement.
	DeepMergeOverlay bool

	// Indent is the serialization indent unit. Defaults to two spaces.
	Indent string

	// Suppression and Settle override the default timing windows.
	Suppression time.Duration
	Settle      time.Duration

	// Logger overrides the global zerolog logger.
	Logger *zerolog.Logger

	// LookupEnv overrides the process environment lookup used by
	// AutoEnvironment. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

func (c *Config) validate() error {
	if c.Path == "" {
		return errors.New("confsync: Config.Path is required")
	}
	if c.Section != "" && c.Key != "" {
		return errors.New("confsync: Config.Section and Config.Key are mutually exclusive")
	}
	return nil
}

// withDefaults returns a copy with unset timing windows resolved.
func (c Config) withDefaults() Config {
	if c.Suppression <= 0 {
		c.Suppression = DefaultSuppression
	}
	if c.Settle <= 0 {
		c.Settle = DefaultSettle
	}
	if c.Indent == "" {
		c.Indent = "  "
	}
	return c
}
