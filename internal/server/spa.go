package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/metrics"
)

const defaultEntryFile = "index.html"

// ErrEntryNotFound is returned when the static directory or the entry
// document is missing.
var ErrEntryNotFound = errors.New("entry not found")

// Config describes the built app to serve.
type Config struct {
	// StaticDir holds the build output.
	StaticDir string
	// EntryFile is served for every path that is not a static file.
	EntryFile string
	// PublicPath is the URL prefix static files are mounted under.
	PublicPath string
	Addr       string
	Logger     *zap.Logger
	// Metrics is optional.
	Metrics *metrics.HTTP
	// Entry, when set, is served as the entry document instead of reading
	// EntryFile from disk, so rewriting that file does not change the shell
	// the browser receives.
	Entry []byte
}

func (c Config) withDefaults() Config {
	if c.EntryFile == "" {
		c.EntryFile = defaultEntryFile
	}
	c.PublicPath = normalizePublicPath(c.PublicPath)
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// ValidateEntry checks that staticDir is a directory containing entryFile.
func ValidateEntry(staticDir, entryFile string) error {
	info, err := os.Stat(staticDir)
	if err != nil {
		return fmt.Errorf("%w: static dir %s: %v", ErrEntryNotFound, staticDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: static dir %s is not a directory", ErrEntryNotFound, staticDir)
	}
	entryPath := filepath.Join(staticDir, entryFile)
	info, err = os.Stat(entryPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEntryNotFound, entryPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a file", ErrEntryNotFound, entryPath)
	}
	return nil
}

// LoadEntry validates the build like ValidateEntry and returns the entry
// document's contents.
func LoadEntry(staticDir, entryFile string) ([]byte, error) {
	if entryFile == "" {
		entryFile = defaultEntryFile
	}
	if err := ValidateEntry(staticDir, entryFile); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(staticDir, entryFile)) // #nosec G304 -- configured build path.
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntryNotFound, err)
	}
	return data, nil
}

// NewSPAHandler serves files below cfg.PublicPath from cfg.StaticDir and
// answers every other GET with the entry document so client-side routing
// takes over. Directories are never listed or indexed.
func NewSPAHandler(cfg Config) (http.Handler, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.StaticDir) == "" {
		return nil, errors.New("static dir is required")
	}
	h := &spaHandler{
		staticDir:  cfg.StaticDir,
		entryPath:  filepath.Join(cfg.StaticDir, cfg.EntryFile),
		publicPath: cfg.PublicPath,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		entry:      cfg.Entry,
		loadedAt:   time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(cfg.Logger))
	r.Use(cfg.Metrics.Middleware)
	r.Use(recoverMiddleware(cfg.Logger))
	r.Use(middleware.CleanPath)
	r.Get("/*", h.serve)
	r.Head("/*", h.serve)
	return r, nil
}

type spaHandler struct {
	staticDir  string
	entryPath  string
	publicPath string
	logger     *zap.Logger
	metrics    *metrics.HTTP
	entry      []byte
	loadedAt   time.Time
}

func (h *spaHandler) serve(w http.ResponseWriter, r *http.Request) {
	if rel, ok := strings.CutPrefix(r.URL.Path, h.publicPath); ok && rel != "" {
		file := filepath.Join(h.staticDir, filepath.FromSlash(path.Clean("/"+rel)))
		if file == h.entryPath {
			h.serveEntry(w, r)
			return
		}
		if h.serveFile(w, r, file) {
			return
		}
	}
	h.metrics.ObserveFallback()
	h.serveEntry(w, r)
}

func (h *spaHandler) serveEntry(w http.ResponseWriter, r *http.Request) {
	if h.entry != nil {
		http.ServeContent(w, r, filepath.Base(h.entryPath), h.loadedAt, bytes.NewReader(h.entry))
		return
	}
	if !h.serveFile(w, r, h.entryPath) {
		http.Error(w, "entry document missing", http.StatusInternalServerError)
	}
}

// serveFile writes name when it is a regular file and reports whether it did.
func (h *spaHandler) serveFile(w http.ResponseWriter, r *http.Request, name string) bool {
	f, err := os.Open(name) // #nosec G304 -- name is confined to the static dir.
	if err != nil {
		return false
	}
	defer f.Close() //nolint:errcheck // read-only handle
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

func normalizePublicPath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(withRequestID(r, reqID)))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
