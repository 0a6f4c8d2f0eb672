package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spa-prerender/internal/prerender"
	"github.com/JakeFAU/spa-prerender/internal/storage/local"
)

func startWatcher(t *testing.T, cfg Config, run RunFunc) (*Watcher, context.CancelFunc, <-chan error) {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	w, err := New(cfg, run)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cancel, done
}

func TestWatcherRunsInitiallyAndOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var calls atomic.Int32
	w, _, _ := startWatcher(t, Config{Dir: dir}, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return w.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte("v1"), 0o600))
	require.Eventually(t, func() bool { return w.Runs() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWatcherDebouncesBursts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, _, _ := startWatcher(t, Config{Dir: dir}, func(context.Context) error { return nil })
	require.Eventually(t, func() bool { return w.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := range 5 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.js"), []byte{byte(i)}, 0o600))
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return w.Runs() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(2), w.Runs())
}

func TestWatcherIgnoresOwnOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer := local.New(nil)
	w, _, _ := startWatcher(t, Config{Dir: dir, Ignore: writer.Owns}, func(ctx context.Context) error {
		for _, route := range []string{"/", "/about", "/docs/intro"} {
			if err := writer.Write(ctx, dir, prerender.RenderResult{Route: route, HTML: "<html>" + route + "</html>"}); err != nil {
				return err
			}
		}
		return nil
	})

	require.Eventually(t, func() bool { return w.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(1), w.Runs())

	// A rebuild that rewrites the entry document is not ours any more.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>rebuilt shell</html>"), 0o600))
	require.Eventually(t, func() bool { return w.Runs() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRerunsForChangesDuringRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var calls atomic.Int32
	w, _, _ := startWatcher(t, Config{Dir: dir}, func(context.Context) error {
		if calls.Add(1) == 1 {
			// The bundler finishes another build while the first run is busy.
			return os.WriteFile(filepath.Join(dir, "main.js"), []byte("v2"), 0o600)
		}
		return nil
	})

	require.Eventually(t, func() bool { return w.Runs() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(2), w.Runs())
}

func TestWatcherRerunsForChangeRightAfterRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, _, _ := startWatcher(t, Config{Dir: dir}, func(context.Context) error { return nil })
	require.Eventually(t, func() bool { return w.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte("v1"), 0o600))
	require.Eventually(t, func() bool { return w.Runs() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.js"), []byte("v2"), 0o600))
	require.Eventually(t, func() bool { return w.Runs() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherSkipsHiddenAndIgnored(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := New(Config{
		Dir:      dir,
		Debounce: 20 * time.Millisecond,
		Ignore:   func(path string) bool { return filepath.Ext(path) == ".map" },
	}, func(context.Context) error { return nil })
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, func() bool { return w.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js.map"), []byte("x"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), w.Runs())
}

func TestWatcherKeepsGoingAfterFailedRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, _, _ := startWatcher(t, Config{Dir: dir}, func(context.Context) error { return os.ErrPermission })
	require.Eventually(t, func() bool { return w.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("v2"), 0o600))
	require.Eventually(t, func() bool { return w.Runs() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	w, cancel, done := startWatcher(t, Config{Dir: t.TempDir()}, func(context.Context) error { return nil })
	require.Eventually(t, func() bool { return w.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Dir: t.TempDir()}, nil)
	require.Error(t, err)
	_, err = New(Config{}, func(context.Context) error { return nil })
	require.Error(t, err)
	_, err = New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestIsHidden(t *testing.T) {
	t.Parallel()

	assert.True(t, isHidden("/dist", "/dist/.git/HEAD"))
	assert.True(t, isHidden("/dist", "/dist/.cache"))
	assert.False(t, isHidden("/dist", "/dist/assets/app.js"))
}
