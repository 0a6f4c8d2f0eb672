// Package watch re-runs the prerender pipeline whenever the build output
// changes. Every change triggers a complete, fresh run.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// RunFunc performs one full run. Errors are logged and watching continues.
type RunFunc func(ctx context.Context) error

// Config configures a Watcher.
type Config struct {
	Dir      string
	Debounce time.Duration
	// Ignore filters paths that must not trigger a run, typically the files
	// a run writes itself. Hidden files and directories are always ignored.
	Ignore func(path string) bool
	Logger *zap.Logger
}

// Watcher triggers RunFunc on filesystem changes below Config.Dir.
type Watcher struct {
	cfg    Config
	fsw    *fsnotify.Watcher
	run    RunFunc
	logger *zap.Logger
	runs   atomic.Int64
}

// New watches cfg.Dir and every directory below it.
func New(cfg Config, run RunFunc) (*Watcher, error) {
	if run == nil {
		return nil, errors.New("run func is required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("watch dir is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{cfg: cfg, fsw: fsw, run: run, logger: logger}
	if err := w.addRecursive(cfg.Dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Runs returns how many runs have completed.
func (w *Watcher) Runs() int64 {
	return w.runs.Load()
}

// Run performs an initial run, then one run per debounced burst of changes
// until ctx is done. Changes made while a run is in progress are picked up
// after it and trigger the next run.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close() //nolint:errcheck // closing on shutdown

	w.trigger(ctx)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && !isHidden(w.cfg.Dir, event.Name) {
				w.watchIfDir(event.Name)
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("change detected", zap.String("path", event.Name), zap.Stringer("op", event.Op))
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
			} else {
				timer.Reset(w.cfg.Debounce)
			}
			timerC = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				continue
			}
			// Changes were lost; rebuild to be safe.
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
			} else {
				timer.Reset(w.cfg.Debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.trigger(ctx)
		}
	}
}

func (w *Watcher) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n := w.runs.Load() + 1
	w.logger.Info("Starting prerender run", zap.Int64("run", n))
	if err := w.run(ctx); err != nil {
		w.logger.Error("Prerender run failed", zap.Int64("run", n), zap.Error(err))
	} else {
		w.logger.Info("Prerender run finished", zap.Int64("run", n), zap.Duration("duration", time.Since(start)))
	}
	w.runs.Add(1)
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	if isHidden(w.cfg.Dir, event.Name) {
		return false
	}
	if w.cfg.Ignore != nil && w.cfg.Ignore(event.Name) {
		return false
	}
	return true
}

func (w *Watcher) watchIfDir(path string) {
	if err := w.addRecursive(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("failed to watch new directory", zap.String("path", path), zap.Error(err))
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func isHidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}
