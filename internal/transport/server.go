package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
)

// StatusFunc reports replica status for the /status endpoint.
type StatusFunc func(ctx context.Context) (any, error)

// ServerOptions configure a Server.
type ServerOptions struct {
	// Addr to listen on, e.g. ":8686" or "127.0.0.1:0"
	Addr string

	// Status backs /status. Optional.
	Status StatusFunc
}

// Server accepts sync sessions over websockets at /sync. Every connected
// peer gets its own session, so a server with several peers forms a star
// through which changes are relayed.
type Server struct {
	opts     ServerOptions
	replica  Replica
	config   *Config
	listener net.Listener
	server   *http.Server

	sessions   map[*Session]bool
	sessionsMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a sync server for replica.
func NewServer(opts ServerOptions, replica Replica, config *Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		replica:  replica,
		config:   config.withDefaults(),
		sessions: make(map[*Session]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.handleSync)
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/status").HandlerFunc(s.handleStatus)
	r.Methods(http.MethodGet).Path("/events").Handler(s.config.Events)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.config.Metrics.Handler())
	return r
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every session and shuts the server down.
func (s *Server) Stop() error {
	s.config.Logger.Println("Stopping sync server")

	// Sessions watch s.ctx and close their connections.
	s.cancel()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server shutdown error: %w", serr)
		}
	}

	s.wg.Wait()
	s.config.Logger.Println("Sync server stopped")
	return err
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// Peers returns the site ids of connected peers.
func (s *Server) Peers() []string {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	peers := make([]string, 0, len(s.sessions))
	for sess := range s.sessions {
		if !sess.Peer().IsZero() {
			peers = append(peers, sess.Peer().String())
		}
	}
	return peers
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.config.Logger.Printf("%s %s %d %s", r.Method, r.URL.Path, m.Code, m.Duration.Round(time.Millisecond))
	})
}

// handleSync upgrades the request and runs a session until either side
// ends it.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(int64(s.config.MaxFrameSize) + 64)

	sess := NewSession(websocket.NetConn(s.ctx, ws, websocket.MessageBinary), s.replica, s.config)
	sess.ping = ws.Ping

	s.wg.Add(1)
	defer s.wg.Done()

	s.sessionsMu.Lock()
	s.sessions[sess] = true
	s.sessionsMu.Unlock()
	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess)
		s.sessionsMu.Unlock()
	}()

	_ = sess.Run(s.ctx)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{"peers": s.Peers()})
		return
	}

	status, err := s.opts.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
