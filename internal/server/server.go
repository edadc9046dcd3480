// Package server exposes the daemon's command protocol: JSON command
// arrays over a websocket, replies and unilateral subscription pushes
// sharing each client's outbound queue.
package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"vigil/internal/clock"
	"vigil/internal/config"
	"vigil/internal/logging"
	"vigil/internal/metrics"
	"vigil/internal/root"
	"vigil/internal/subscription"
	"vigil/internal/watcher"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
)

type Server struct {
	config   config.Config
	logger   *logging.Logger
	registry *metrics.Registry

	mu      sync.Mutex
	watches map[string]*watchEntry
	closed  bool
}

// watchEntry pairs a root with the dispatcher that drives its
// subscriptions.
type watchEntry struct {
	root       *root.Root
	dispatcher *subscription.Dispatcher
}

func New(cfg config.Config, logger *logging.Logger, registry *metrics.Registry) *Server {
	if registry == nil {
		registry = metrics.Default
	}
	return &Server{
		config:   cfg,
		logger:   logger,
		registry: registry,
		watches:  make(map[string]*watchEntry),
	}
}

// Handler returns the HTTP surface: the websocket command endpoint and
// the metrics dump.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// ListenAndServe blocks serving the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", map[string]string{"addr": s.config.Listen})
	return http.ListenAndServe(s.config.Listen, s.Handler())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = s.registry.WritePrometheus(w)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]string{"error": err.Error()})
		return
	}

	s.serveConn(conn)
}

func (s *Server) authorized(r *http.Request) bool {
	token := s.config.AuthToken
	if token == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

// resolveWatch returns the entry for path, creating the watch when create
// is set. Paths are keyed by the view's absolute form.
func (s *Server) resolveWatch(path string, create bool) (*watchEntry, error) {
	s.mu.Lock()
	if entry, ok := s.watches[path]; ok {
		s.mu.Unlock()
		return entry, nil
	}
	closed := s.closed
	s.mu.Unlock()

	if !create || closed {
		return nil, fmt.Errorf("root %q is not watched", path)
	}

	view, err := watcher.Open(path, watcher.Options{
		Logger:     s.logger,
		Settle:     s.config.Settle(),
		MaxWatches: s.config.MaxWatches,
		Registry:   s.registry,
	})
	if err != nil {
		return nil, err
	}
	resolved := view.Path()

	s.mu.Lock()
	if entry, ok := s.watches[resolved]; ok {
		// Lost the race; another command opened the same root.
		s.mu.Unlock()
		_ = view.Close()
		return entry, nil
	}
	if s.closed {
		s.mu.Unlock()
		_ = view.Close()
		return nil, fmt.Errorf("server is shutting down")
	}

	r := root.New(resolved, view, root.Options{
		LockTimeout: s.config.SubscriptionLockTimeout(),
		Registry:    s.registry,
	})
	view.OnWarning(r.AddWarning)
	view.OnSettle(func(position clock.Position) {
		r.Settled.Publish(position)
	})
	entry := &watchEntry{
		root:       r,
		dispatcher: subscription.NewDispatcher(r, s.logger),
	}
	s.watches[resolved] = entry
	s.mu.Unlock()

	s.logger.Info("watch established", map[string]string{"root": resolved})
	return entry, nil
}

// lookupWatch finds an existing entry without creating one. The path must
// match the view's resolved form.
func (s *Server) lookupWatch(path string) (*watchEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.watches[path]
	return entry, ok
}

// removeWatch tears down the watch for path, reporting whether one
// existed.
func (s *Server) removeWatch(path string) bool {
	s.mu.Lock()
	entry, ok := s.watches[path]
	if ok {
		delete(s.watches, path)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	entry.dispatcher.Close()
	if err := entry.root.Close(); err != nil {
		s.logger.Warn("error closing root", map[string]string{
			"root":  path,
			"error": err.Error(),
		})
	}
	return true
}

// watchedRoots lists the currently watched root paths.
func (s *Server) watchedRoots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	roots := make([]string, 0, len(s.watches))
	for path := range s.watches {
		roots = append(roots, path)
	}
	return roots
}

// Close tears down every watch.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	watches := s.watches
	s.watches = make(map[string]*watchEntry)
	s.mu.Unlock()

	for path, entry := range watches {
		entry.dispatcher.Close()
		if err := entry.root.Close(); err != nil {
			s.logger.Warn("error closing root", map[string]string{
				"root":  path,
				"error": err.Error(),
			})
		}
	}
}
