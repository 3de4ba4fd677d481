// Package hooks serves the daemon's unix socket: agent hook deliveries, the
// read-only session and agent views, a websocket change feed, permission
// decisions, and metrics.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/session"
)

const maxHookBody = 4 << 20

// ErrNotFound is returned by a PermissionFunc for an unknown agent.
var ErrNotFound = errors.New("not found")

// Handler answers one hook delivery. The returned body is written back to
// the hook process verbatim and may be empty.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// SessionSource is the read side of the session store.
type SessionSource interface {
	Snapshot() []session.State
	Subscribe() (<-chan struct{}, func())
}

// AgentControlFunc enables or disables an agent by id.
type AgentControlFunc func(ctx context.Context, agentID string, enable bool) error

// PermissionFunc forwards a user decision to the agent that asked.
type PermissionFunc func(ctx context.Context, key session.Key, requestID string, allow bool, reason string) error

// Server is one unix-socket HTTP server. The daemon owns the shared one; a
// custom agent owns its own with only hook routes.
type Server struct {
	socketPath string
	log        *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	sessions SessionSource
	agents   func() any
	permit   PermissionFunc
	control  AgentControlFunc
	metrics  http.Handler
}

type Option func(*Server)

func WithSessions(src SessionSource) Option { return func(s *Server) { s.sessions = src } }

// WithAgents sets the provider behind GET /agents. Its result is encoded as JSON.
func WithAgents(fn func() any) Option { return func(s *Server) { s.agents = fn } }

func WithPermissions(fn PermissionFunc) Option { return func(s *Server) { s.permit = fn } }

func WithAgentControl(fn AgentControlFunc) Option { return func(s *Server) { s.control = fn } }

func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

func NewServer(socketPath string, opts ...Option) *Server {
	s := &Server{
		socketPath: socketPath,
		handlers:   make(map[string]Handler),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logger.For("hooks")
	}
	return s
}

func (s *Server) SocketPath() string { return s.socketPath }

// Handle routes POST /hooks/{agentID} to h, replacing any previous handler.
func (s *Server) Handle(agentID string, h Handler) {
	s.mu.Lock()
	s.handlers[agentID] = h
	s.mu.Unlock()
}

// Remove drops the handler for agentID. Deliveries then get 404.
func (s *Server) Remove(agentID string) {
	s.mu.Lock()
	delete(s.handlers, agentID)
	s.mu.Unlock()
}

func (s *Server) handler(agentID string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[agentID]
	return h, ok
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Listen binds the socket. A stale socket file is removed first.
func (s *Server) Listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	// Clean up stale socket.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	return ln, nil
}

// Serve handles connections on ln until ctx is done, then shuts down and
// removes the socket file.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("listening", "path", s.socketPath)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Routes returns the mux. Observer routes exist only when their source is
// configured.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{agent}", s.handleHook)
	if s.sessions != nil {
		mux.HandleFunc("GET /sessions", s.handleSessions)
		mux.HandleFunc("GET /events", s.handleEvents)
	}
	if s.agents != nil {
		mux.HandleFunc("GET /agents", s.handleAgents)
	}
	if s.control != nil {
		mux.HandleFunc("POST /agents/{agent}/{action}", s.handleAgentControl)
	}
	if s.permit != nil {
		mux.HandleFunc("POST /permissions/{agent}/{session}/{request}", s.handlePermission)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	h, ok := s.handler(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent: "+agentID)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	out, err := h(r.Context(), body)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		s.log.Warn("hook handler failed", "agent", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents())
}

func (s *Server) handleAgentControl(w http.ResponseWriter, r *http.Request) {
	var enable bool
	switch r.PathValue("action") {
	case "enable":
		enable = true
	case "disable":
	default:
		writeError(w, http.StatusNotFound, "unknown action: "+r.PathValue("action"))
		return
	}
	if err := s.control(r.Context(), r.PathValue("agent"), enable); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type permissionRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	var allow bool
	switch req.Decision {
	case "allow":
		allow = true
	case "deny":
	default:
		writeError(w, http.StatusBadRequest, `decision must be "allow" or "deny"`)
		return
	}
	key := session.Key{AgentID: r.PathValue("agent"), SessionID: r.PathValue("session")}
	if err := s.permit(r.Context(), key, r.PathValue("request"), allow, req.Reason); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents pushes the full session snapshot on connect and after every
// change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Debug("websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	changes, cancel := s.sessions.Subscribe()
	defer cancel()

	for {
		data, err := json.Marshal(s.sessions.Snapshot())
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode snapshot")
			return
		}
		writeCtx, done := context.WithTimeout(ctx, 5*time.Second)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		done()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-changes:
		}
	}
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
