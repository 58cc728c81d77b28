package confsync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/confsync/confsync/internal/document"
	"github.com/confsync/confsync/internal/overlay"
)

type serverCfg struct {
	Host string `json:"Host"`
	Port int    `json:"Port"`
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func collect[T any](tgt *Target[T]) <-chan Change[T] {
	ch := make(chan Change[T], 32)
	tgt.OnChange(func(c Change[T]) { ch <- c })
	return ch
}

func nextEvent[T any](t *testing.T, ch <-chan Change[T], d time.Duration) Change[T] {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(d):
		t.Fatal("timed out waiting for change event")
		return Change[T]{}
	}
}

func noEvent[T any](t *testing.T, ch <-chan Change[T], d time.Duration) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected change event: %+v", c)
	case <-time.After(d):
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Logger: nopLogger()}, 0)
	require.Error(t, err, "Path is required")

	_, err = New(Config{
		Path:    filepath.Join(t.TempDir(), "config.json"),
		Section: "Server",
		Key:     "Server:Port",
		Logger:  nopLogger(),
	}, 0)
	require.Error(t, err, "Section and Key are mutually exclusive")
}

func TestCoalescingSingleWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{
		Path:             path,
		DebounceInterval: 80 * time.Millisecond,
		Logger:           nopLogger(),
	}, serverCfg{Host: "localhost", Port: 8080})
	require.NoError(t, err)
	defer tgt.Close()
	ch := collect(tgt)

	for i := 0; i < 5; i++ {
		port := 9000 + i
		require.NoError(t, tgt.Update(func(c *serverCfg) { c.Port = port }))
	}

	// Still inside the debounce window: the file holds the default.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.EqualValues(t, 8080, gjson.GetBytes(data, "Port").Int())

	require.Eventually(t, func() bool {
		d, err := os.ReadFile(path)
		return err == nil && gjson.GetBytes(d, "Port").Int() == 9004
	}, 2*time.Second, 20*time.Millisecond, "coalesced write never landed")

	c := nextEvent(t, ch, time.Second)
	assert.Equal(t, SourceCodeUpdate, c.Source)
	require.NotNil(t, c.Old)
	assert.Equal(t, 8080, c.Old.Port, "old value must be the state before the burst")
	assert.Equal(t, 9004, c.New.Port)
	noEvent(t, ch, 200*time.Millisecond)
}

func TestZeroDebounceWritesSynchronously(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{Path: path, Logger: nopLogger()}, serverCfg{Port: 8080})
	require.NoError(t, err)
	defer tgt.Close()
	ch := collect(tgt)

	require.NoError(t, tgt.Update(func(c *serverCfg) { c.Port = 9000 }))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, gjson.GetBytes(data, "Port").Int())

	c := nextEvent(t, ch, time.Second)
	assert.Equal(t, SourceCodeUpdate, c.Source)
	assert.Equal(t, 9000, c.New.Port)
}

func TestSaveFlushesPendingBurst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{
		Path:             path,
		DebounceInterval: time.Hour,
		Logger:           nopLogger(),
	}, serverCfg{Port: 8080})
	require.NoError(t, err)
	defer tgt.Close()
	ch := collect(tgt)

	require.NoError(t, tgt.Update(func(c *serverCfg) { c.Port = 9000 }))
	require.NoError(t, tgt.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, gjson.GetBytes(data, "Port").Int())

	c := nextEvent(t, ch, time.Second)
	assert.Equal(t, SourceCodeUpdate, c.Source)
	noEvent(t, ch, 200*time.Millisecond)
}

func TestSaveWithoutPendingEmitsNoEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{Path: path, Logger: nopLogger()}, serverCfg{Port: 8080})
	require.NoError(t, err)
	defer tgt.Close()
	ch := collect(tgt)

	require.NoError(t, tgt.Save())
	noEvent(t, ch, 200*time.Millisecond)
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := serverCfg{Host: "example.com", Port: 9000}

	tgt, err := New(Config{Path: path, Logger: nopLogger()}, serverCfg{Port: 8080})
	require.NoError(t, err)
	require.NoError(t, tgt.Set(want))
	require.NoError(t, tgt.Close())

	reopened, err := New(Config{Path: path, Logger: nopLogger()}, serverCfg{Port: 8080})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, want, reopened.Value())
}

func TestOverlayPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Port":8080}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.staging.json"), []byte(`{"Port":9000}`), 0644))

	staged, err := New(Config{
		Path:        path,
		Environment: "staging",
		Key:         "Port",
		Logger:      nopLogger(),
	}, 0)
	require.NoError(t, err)
	defer staged.Close()
	assert.Equal(t, 9000, staged.Value())

	plain, err := New(Config{Path: path, Key: "Port", Logger: nopLogger()}, 0)
	require.NoError(t, err)
	defer plain.Close()
	assert.Equal(t, 8080, plain.Value())
}

func TestSectionIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := document.New("")
	require.NoError(t, store.Write(path, nil, map[string]any{
		"A": map[string]any{"x": 1},
		"B": map[string]any{"y": 2},
	}))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	tgt, err := New(Config{Path: path, Section: "A", Logger: nopLogger()}, map[string]int{})
	require.NoError(t, err)
	defer tgt.Close()

	require.NoError(t, tgt.Set(map[string]int{"x": 5}))

	after, err := os.ReadFile(path)
	require.NoError(t, err)

	frag := "\"B\": {"
	bi := strings.Index(string(before), frag)
	ai := strings.Index(string(after), frag)
	require.GreaterOrEqual(t, bi, 0)
	require.GreaterOrEqual(t, ai, 0)
	assert.Equal(t, string(before)[bi:], string(after)[ai:], "B subtree must pass through byte-identical")
	assert.EqualValues(t, 5, gjson.GetBytes(after, "A.x").Int())
}

func TestScalarNestedPathWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	tgt, err := New(Config{Path: path, Key: "Server:Port", Logger: nopLogger()}, 0)
	require.NoError(t, err)
	defer tgt.Close()
	assert.Equal(t, 0, tgt.Value())

	require.NoError(t, tgt.Set(9000))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, gjson.GetBytes(data, "Server.Port").Int())
}

func TestDisposalFlushesPendingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{
		Path:             path,
		DebounceInterval: time.Hour,
		Logger:           nopLogger(),
	}, serverCfg{Port: 8080})
	require.NoError(t, err)
	ch := collect(tgt)

	require.NoError(t, tgt.Update(func(c *serverCfg) { c.Port = 9000 }))
	require.NoError(t, tgt.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, gjson.GetBytes(data, "Port").Int(), "disposal must flush the armed update")

	c := nextEvent(t, ch, time.Second)
	assert.Equal(t, SourceCodeUpdate, c.Source)
}

func TestClosedTargetRejectsOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{Path: path, Logger: nopLogger()}, serverCfg{Port: 8080})
	require.NoError(t, err)

	require.NoError(t, tgt.Close())
	require.NoError(t, tgt.Close(), "Close must be idempotent")

	assert.ErrorIs(t, tgt.Update(func(*serverCfg) {}), ErrClosed)
	assert.ErrorIs(t, tgt.Save(), ErrClosed)
	assert.ErrorIs(t, tgt.Reload(), ErrClosed)
	assert.Equal(t, 8080, tgt.Value().Port, "reads remain served after close")
}

func TestReloadEmitsFileLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{Path: path, Logger: nopLogger()}, serverCfg{Port: 8080})
	require.NoError(t, err)
	defer tgt.Close()
	ch := collect(tgt)

	require.NoError(t, os.WriteFile(path, []byte(`{"Host":"ext","Port":7777}`), 0644))
	require.NoError(t, tgt.Reload())

	c := nextEvent(t, ch, time.Second)
	assert.Equal(t, SourceFileLoad, c.Source)
	require.NotNil(t, c.Old)
	assert.Equal(t, 8080, c.Old.Port)
	assert.Equal(t, serverCfg{Host: "ext", Port: 7777}, c.New)
	assert.Equal(t, 7777, tgt.Value().Port)
}

func TestMissingPrimaryCreatedWithDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{Path: path, Key: "Server:Port", Logger: nopLogger()}, 8080)
	require.NoError(t, err)
	defer tgt.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 8080, gjson.GetBytes(data, "Server.Port").Int())
	assert.Equal(t, 8080, tgt.Value())
}

func TestMalformedPrimaryFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	tgt, err := New(Config{Path: path, Logger: nopLogger()}, serverCfg{Host: "localhost", Port: 8080})
	require.NoError(t, err, "load failures are recoverable")
	defer tgt.Close()
	assert.Equal(t, serverCfg{Host: "localhost", Port: 8080}, tgt.Value())
}

func TestOverlayReplacesTypedSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Server":{"Host":"localhost","Port":8080}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.staging.json"), []byte(`{"Server":{"Port":9000}}`), 0644))

	// Default semantics: the overlay's section fully replaces the primary's.
	replaced, err := New(Config{
		Path:        path,
		Environment: "staging",
		Section:     "Server",
		Logger:      nopLogger(),
	}, serverCfg{})
	require.NoError(t, err)
	defer replaced.Close()
	assert.Equal(t, serverCfg{Host: "", Port: 9000}, replaced.Value())

	// Opt-in deep merge keeps primary fields the overlay does not set.
	merged, err := New(Config{
		Path:             path,
		Environment:      "staging",
		Section:          "Server",
		DeepMergeOverlay: true,
		Logger:           nopLogger(),
	}, serverCfg{})
	require.NoError(t, err)
	defer merged.Close()
	assert.Equal(t, serverCfg{Host: "localhost", Port: 9000}, merged.Value())
}

func TestLoopSuppressionAndExternalReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{
		Path:        path,
		Watch:       true,
		Suppression: 400 * time.Millisecond,
		Settle:      30 * time.Millisecond,
		Logger:      nopLogger(),
	}, serverCfg{Host: "localhost", Port: 8080})
	require.NoError(t, err)
	defer tgt.Close()

	watch := make(chan Change[serverCfg], 32)
	tgt.OnChange(func(c Change[serverCfg]) {
		if c.Source == SourceFileWatch {
			watch <- c
		}
	})

	// A code update's own induced notification must not reload.
	require.NoError(t, tgt.Set(serverCfg{Host: "localhost", Port: 9000}))
	noEvent(t, watch, 600*time.Millisecond)
	assert.Equal(t, 9000, tgt.Value().Port)

	// Past the suppression window an external edit must reload.
	require.NoError(t, os.WriteFile(path, []byte(`{"Host":"ext","Port":7777}`), 0644))
	c := nextEvent(t, watch, 3*time.Second)
	assert.Equal(t, SourceFileWatch, c.Source)
	assert.Equal(t, serverCfg{Host: "ext", Port: 7777}, c.New)
	assert.Equal(t, 7777, tgt.Value().Port)
}

func TestValueSnapshotIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{Path: path, Logger: nopLogger()}, map[string]int{"k": 1})
	require.NoError(t, err)
	defer tgt.Close()

	v := tgt.Value()
	v["k"] = 99
	v["extra"] = 1
	assert.Equal(t, map[string]int{"k": 1}, tgt.Value(), "callers must not reach the live value")
}

func TestGobCloneMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	tgt, err := New(Config{
		Path:      path,
		CloneMode: CloneGob,
		Logger:    nopLogger(),
	}, serverCfg{Host: "localhost", Port: 8080})
	require.NoError(t, err)
	defer tgt.Close()

	require.NoError(t, tgt.Update(func(c *serverCfg) { c.Port = 9000 }))
	assert.Equal(t, serverCfg{Host: "localhost", Port: 9000}, tgt.Value())
}

func TestAutoEnvironmentCreatesAndTargetsOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	lookup := func(name string) (string, bool) {
		if name == overlay.EnvVar {
			return "staging", true
		}
		return "", false
	}

	tgt, err := New(Config{
		Path:            path,
		AutoEnvironment: true,
		LookupEnv:       lookup,
		Key:             "Port",
		Logger:          nopLogger(),
	}, 8080)
	require.NoError(t, err)
	defer tgt.Close()

	overlayPath := filepath.Join(dir, "config.staging.json")
	require.FileExists(t, overlayPath)

	// The overlay exists, so saves land there and the primary is untouched.
	require.NoError(t, tgt.Set(9000))
	odata, err := os.ReadFile(overlayPath)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, gjson.GetBytes(odata, "Port").Int())
	pdata, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 8080, gjson.GetBytes(pdata, "Port").Int())
}

func TestSaveTargetReEvaluatedAfterOverlayRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	tgt, err := New(Config{
		Path:        path,
		Environment: "staging",
		Key:         "Port",
		Logger:      nopLogger(),
	}, 8080)
	require.NoError(t, err)
	defer tgt.Close()

	overlayPath := filepath.Join(dir, "config.staging.json")
	require.NoError(t, os.Remove(overlayPath))

	require.NoError(t, tgt.Set(9000))
	pdata, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, gjson.GetBytes(pdata, "Port").Int(), "save must fall back to the primary")
	assert.NoFileExists(t, overlayPath, "save must not resurrect the overlay")
}
