// Package document reads and writes JSON tree documents, addressing values
// by a key path of object member names. Partial writes preserve sibling keys.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// ErrNotFound reports a missing file, an unresolvable key path, or an
// explicit JSON null at the addressed node. Callers treat it as "absent",
// never as a hard failure.
var ErrNotFound = errors.New("not found")

// KeySeparator splits a bound key string into path segments.
// There is no escaping mechanism for literal separators in member names.
const KeySeparator = ":"

// SplitKey converts a colon-separated key string into path segments.
// An empty key yields nil, meaning the whole document.
func SplitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, KeySeparator)
}

// Store provides key-path access to JSON documents on disk.
// Writes are atomic (temp file + rename) and serialized per path with a
// file lock, so a concurrent reader never observes a half-written file.
type Store struct {
	indent string

	mu    sync.Mutex
	locks map[string]*fileLock
}

// New creates a Store. indent is the indentation unit used for every
// write; empty selects two spaces.
func New(indent string) *Store {
	if indent == "" {
		indent = "  "
	}
	return &Store{
		indent: indent,
		locks:  make(map[string]*fileLock),
	}
}

// Read parses the file at path and unmarshals the node at keyPath into v.
// An empty keyPath addresses the whole document. JSONC comments are
// tolerated. Missing files, unresolvable paths, and null nodes return
// ErrNotFound; malformed documents return a descriptive error so callers
// can log the cause before falling back.
func (s *Store) Read(path string, keyPath []string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	data = jsonc.ToJSON(data)
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("parse %s: malformed JSON", path)
	}

	var raw []byte
	if len(keyPath) == 0 {
		root := gjson.ParseBytes(data)
		if root.Type == gjson.Null {
			return ErrNotFound
		}
		raw = data
	} else {
		res := gjson.GetBytes(data, joinPath(keyPath))
		if !res.Exists() || res.Type == gjson.Null {
			return ErrNotFound
		}
		raw = []byte(res.Raw)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// Write replaces the node at keyPath with v, re-reading the existing
// document so untouched keys pass through. Intermediate object nodes are
// created as needed. The whole document is re-serialized with stable
// indentation and written atomically. An unreadable or malformed existing
// document is replaced by an empty object before the edit is applied.
func (s *Store) Write(path string, keyPath []string, v any) error {
	lock := s.lock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer lock.Unlock()

	existing, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		existing = []byte("{}")
	} else {
		existing = jsonc.ToJSON(existing)
		if !gjson.ValidBytes(existing) {
			existing = []byte("{}")
		}
	}

	var out []byte
	if len(keyPath) == 0 {
		out, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	} else {
		out, err = sjson.SetBytes(existing, joinPath(keyPath), v)
		if err != nil {
			return fmt.Errorf("set %s: %w", strings.Join(keyPath, KeySeparator), err)
		}
	}

	opts := *pretty.DefaultOptions
	opts.Indent = s.indent
	out = pretty.PrettyOptions(out, &opts)

	return writeAtomic(path, out)
}

// EnsureFile creates path with the given content if it does not exist.
func (s *Store) EnsureFile(path string, content []byte) error {
	if s.Exists(path) {
		return nil
	}
	lock := s.lock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer lock.Unlock()

	// Re-check under the lock; another writer may have created it.
	if s.Exists(path) {
		return nil
	}
	return writeAtomic(path, content)
}

// Exists reports whether a file exists at path.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeAtomic writes data to a temp file and renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// lock returns the file lock for a path, creating it on first use.
func (s *Store) lock(path string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[path]
	if !ok {
		l = newFileLock(path)
		s.locks[path] = l
	}
	return l
}

// joinPath converts key-path segments into a gjson/sjson path expression,
// escaping characters those libraries treat specially so segments always
// match member names literally.
func joinPath(keyPath []string) string {
	var b strings.Builder
	for i, seg := range keyPath {
		if i > 0 {
			b.WriteByte('.')
		}
		for _, r := range seg {
			switch r {
			case '.', '*', '?', '|', '#', '@', '\\':
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
