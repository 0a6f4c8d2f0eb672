// Package local writes rendered routes to the filesystem as
// <root>/<route>/index.html.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/prerender"
)

const (
	indexFile = "index.html"
	dirMode   = 0o750
	// Rendered pages are public assets served by whatever hosts the output.
	fileMode = 0o644
)

// ErrPathEscapesRoot is returned for routes that would resolve outside the
// output root, e.g. "/../etc".
var ErrPathEscapesRoot = errors.New("route resolves outside the output root")

// Writer persists render results below an output root. It remembers every
// file and directory it produced so callers watching the output root can
// tell its writes apart from anyone else's.
type Writer struct {
	logger *zap.Logger

	mu    sync.Mutex
	roots map[string]struct{}
	files map[string]fileStamp
	dirs  map[string]struct{}
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// New returns a Writer. A nil logger disables logging.
func New(logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		logger: logger,
		roots:  make(map[string]struct{}),
		files:  make(map[string]fileStamp),
		dirs:   make(map[string]struct{}),
	}
}

// EnsureRoot creates root when missing and checks that it is a writable
// directory.
func EnsureRoot(root string) error {
	if strings.TrimSpace(root) == "" {
		return fmt.Errorf("output directory is required")
	}

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(root, dirMode); mkErr != nil {
			return fmt.Errorf("create output directory: %w", mkErr)
		}
	case err != nil:
		return fmt.Errorf("stat output directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("output path %q is not a directory", root)
	}

	tmp, err := os.CreateTemp(root, ".prerender-writable-*")
	if err != nil {
		return fmt.Errorf("output directory is not writable: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close writability check file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("remove writability check file: %w", err)
	}
	return nil
}

// OutputPath maps route to <root>/<route>/index.html. The home route maps to
// <root>/index.html.
func OutputPath(root, route string) (string, error) {
	cleanRoot := filepath.Clean(root)
	fullPath := filepath.Join(cleanRoot, filepath.FromSlash(route), indexFile)

	prefix := cleanRoot
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(fullPath, prefix) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, route)
	}
	return fullPath, nil
}

// Write stores the trimmed HTML of result under its final route, creating
// the output root and parent directories as needed.
func (w *Writer) Write(_ context.Context, outputRoot string, result prerender.RenderResult) error {
	fullPath, err := OutputPath(outputRoot, result.Route)
	if err != nil {
		return err
	}
	if err := w.ensureRoot(outputRoot); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), dirMode); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	html := strings.TrimSpace(result.HTML)
	// #nosec G306 -- rendered pages must be readable by the web server.
	if err := os.WriteFile(fullPath, []byte(html), fileMode); err != nil {
		return fmt.Errorf("write %s: %w", fullPath, err)
	}
	w.record(outputRoot, fullPath)
	w.logger.Debug("wrote rendered route",
		zap.String("route", result.Route),
		zap.String("path", fullPath),
		zap.Int("bytes", len(html)),
	)
	return nil
}

// Owns reports whether path is a directory this Writer created below an
// output root, or a file it wrote that nobody has modified since.
func (w *Writer) Owns(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	stamp, isFile := w.files[abs]
	_, isDir := w.dirs[abs]
	w.mu.Unlock()
	if isDir {
		return true
	}
	if !isFile {
		return false
	}
	info, err := os.Stat(abs)
	if err != nil {
		return false
	}
	return info.Size() == stamp.size && info.ModTime().Equal(stamp.modTime)
}

func (w *Writer) ensureRoot(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[root]; ok {
		return nil
	}
	if err := EnsureRoot(root); err != nil {
		return err
	}
	w.roots[root] = struct{}{}
	return nil
}

func (w *Writer) record(root, file string) {
	absFile, err := filepath.Abs(file)
	if err != nil {
		return
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return
	}
	info, err := os.Stat(absFile)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[absFile] = fileStamp{size: info.Size(), modTime: info.ModTime()}
	for dir := filepath.Dir(absFile); dir != absRoot && strings.HasPrefix(dir, absRoot); dir = filepath.Dir(dir) {
		w.dirs[dir] = struct{}{}
	}
}
