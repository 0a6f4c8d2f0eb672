// Package server serves a built single-page app to the headless browser.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAddr       = "127.0.0.1:0"
	readyPollInterval = 25 * time.Millisecond
	readHeaderTimeout = 10 * time.Second
)

// Server is a running HTTP server bound to a loopback port.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	baseURL    string
	logger     *zap.Logger
	serveErr   chan error

	destroyOnce sync.Once
	destroyErr  error
}

// Start validates cfg, builds the SPA handler and starts serving it.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.Entry == nil {
		if err := ValidateEntry(cfg.StaticDir, cfg.EntryFile); err != nil {
			return nil, err
		}
	}
	handler, err := NewSPAHandler(cfg)
	if err != nil {
		return nil, err
	}
	return StartWithHandler(ctx, handler, cfg.Addr, cfg.Logger)
}

// StartWithHandler serves an arbitrary handler, for apps that need more than
// static files plus an entry fallback. An empty addr binds a random loopback
// port.
func StartWithHandler(ctx context.Context, handler http.Handler, addr string, logger *zap.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if addr == "" {
		addr = defaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		listener: listener,
		baseURL:  "http://" + listener.Addr().String(),
		logger:   logger,
		serveErr: make(chan error, 1),
	}
	go func() {
		err := s.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	logger.Info("Serving app", zap.String("base_url", s.baseURL))
	return s, nil
}

// BaseURL returns the scheme, host and port without a trailing slash.
func (s *Server) BaseURL() string {
	return s.baseURL
}

// Ready blocks until the server answers a request. Any HTTP status counts.
func (s *Server) Ready(ctx context.Context) error {
	client := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.baseURL+"/", nil)
		if err != nil {
			return fmt.Errorf("build readiness request: %w", err)
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case err, ok := <-s.serveErr:
			if ok {
				return fmt.Errorf("server stopped before ready: %w", err)
			}
			return errors.New("server stopped before ready")
		case <-ctx.Done():
			return fmt.Errorf("wait for server: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Destroy gracefully shuts the server down. Later calls return the first
// result.
func (s *Server) Destroy(ctx context.Context) error {
	s.destroyOnce.Do(func() {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.destroyErr = fmt.Errorf("shutdown server: %w", err)
			return
		}
		s.logger.Info("Server stopped", zap.String("base_url", s.baseURL))
	})
	return s.destroyErr
}
