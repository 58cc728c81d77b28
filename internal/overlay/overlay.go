// Package overlay resolves the file targets for a sync binding: the primary
// document and an optional environment-specific overlay whose values take
// precedence over the primary for the same bound key or section.
package overlay

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variable names consulted for auto-detection, in priority order.
const (
	EnvVar         = "CONFSYNC_ENVIRONMENT"
	EnvVarFallback = "APP_ENV"
)

// Paths holds the resolved file targets for one sync binding.
// Overlay is empty when no environment is configured.
type Paths struct {
	Primary string
	Overlay string
}

// Resolve computes the overlay path by inserting the environment name
// before the primary file's extension: config.json + "staging" yields
// config.staging.json. Pure path math, no I/O.
func Resolve(primary, environment string) Paths {
	if environment == "" {
		return Paths{Primary: primary}
	}
	ext := filepath.Ext(primary)
	base := strings.TrimSuffix(primary, ext)
	return Paths{
		Primary: primary,
		Overlay: base + "." + environment + ext,
	}
}

// HasOverlay reports whether an overlay file is configured.
func (p Paths) HasOverlay() bool {
	return p.Overlay != ""
}

// LoadOrder returns the files to load, primary always first.
func (p Paths) LoadOrder() []string {
	if p.Overlay == "" {
		return []string{p.Primary}
	}
	return []string{p.Primary, p.Overlay}
}

// SaveTarget returns the file a save must go to: the overlay if it exists
// on disk right now, otherwise the primary. Existence is checked on every
// call because the overlay may be created out-of-band after construction.
func (p Paths) SaveTarget() string {
	if p.Overlay != "" {
		if _, err := os.Stat(p.Overlay); err == nil {
			return p.Overlay
		}
	}
	return p.Primary
}

// DetectEnvironment resolves the environment name from the process
// environment via the injected lookup (os.LookupEnv when nil), consulting
// EnvVar then EnvVarFallback. When neither is set it reads a .env file in
// dir, if present, without mutating the process environment. Returns the
// empty string when no environment can be determined.
func DetectEnvironment(lookup func(string) (string, bool), dir string) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, name := range []string{EnvVar, EnvVarFallback} {
		if v, ok := lookup(name); ok && v != "" {
			return v
		}
	}
	if dir == "" {
		return ""
	}
	vars, err := godotenv.Read(filepath.Join(dir, ".env"))
	if err != nil {
		return ""
	}
	for _, name := range []string{EnvVar, EnvVarFallback} {
		if v := vars[name]; v != "" {
			return v
		}
	}
	return ""
}
