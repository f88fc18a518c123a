// Package admin exposes the read-only operations API: health, agent
// status, DLQ inspection, workflow progress, plus a WebSocket event
// tail. Mutations are limited to DLQ retry/delete and shutdown.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/bus"
	"github.com/promohive/promohive/internal/dlq"
	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/health"
	"github.com/promohive/promohive/internal/schema"
	"github.com/promohive/promohive/internal/workflow"
)

// Deps are the runtime collaborators the server reads from.
type Deps struct {
	Bus     *bus.Bus
	Health  *health.Monitor
	Tracker *workflow.Tracker
	DLQ     *dlq.Service
	Agents  func() []agent.Status

	// Agent lifecycle hooks, wired by the runtime.
	StartAgent func(ctx context.Context, name, userID string) error
	StopAgent  func(ctx context.Context, name string) error

	// Shutdown asks the process to stop; wired by the runtime.
	Shutdown func()
}

// Server is the admin HTTP API.
type Server struct {
	port   int
	apiKey string
	deps   Deps

	wsMu    sync.Mutex
	wsConns map[*wsConn]bool
	tail    *bus.Subscription

	startTime time.Time
	mux       *http.ServeMux
	srv       *http.Server
}

// NewServer creates the admin server on the given port. An empty apiKey
// disables auth.
func NewServer(port int, apiKey string, deps Deps) *Server {
	s := &Server{
		port:      port,
		apiKey:    apiKey,
		deps:      deps,
		wsConns:   make(map[*wsConn]bool),
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/agents", s.withAuth(s.handleAgents))
	s.mux.HandleFunc("/api/agents/", s.withAuth(s.handleAgentAction))
	s.mux.HandleFunc("/api/dlq", s.withAuth(s.handleDLQList))
	s.mux.HandleFunc("/api/dlq/", s.withAuth(s.handleDLQEntry))
	s.mux.HandleFunc("/api/workflows", s.withAuth(s.handleWorkflows))
	s.mux.HandleFunc("/api/workflows/", s.withAuth(s.handleWorkflowSteps))
	s.mux.HandleFunc("/api/stats", s.withAuth(s.handleStats))
	s.mux.HandleFunc("/api/shutdown", s.withAuth(s.handleShutdown))

	return s
}

// Start serves until ctx is cancelled. The event tail feeding /ws
// clients attaches here and detaches on shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.port),
		Handler: s.mux,
	}

	if s.deps.Bus != nil {
		s.tail = s.deps.Bus.SubscribeEvent("*.*", s.broadcastEvent)
	}

	log.Printf("[Admin] ✅ HTTP API → http://0.0.0.0:%d", s.port)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.tail != nil {
		s.tail.Cancel()
		s.tail = nil
	}
	s.closeAllWS()
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
}

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.Snapshot(r.Context())
	status := "ok"
	for _, probe := range report.Probes {
		if probe != "ok" {
			status = "degraded"
		}
	}
	writeJSON(w, map[string]any{
		"status": status,
		"uptime": int(time.Since(s.startTime).Seconds()),
		"report": report,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	statuses := s.deps.Agents()
	writeJSON(w, map[string]any{
		"agents": statuses,
		"total":  len(statuses),
	})
}

// handleAgentAction serves /api/agents/<name> (GET) and
// /api/agents/<name>/(start|stop) (POST). Starts pass through the
// restart circuit breaker; the X-User-Id header attributes manual
// restarts.
func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		writeJSONError(w, "missing agent name", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		for _, st := range s.deps.Agents() {
			if st.Name == name {
				writeJSON(w, st)
				return
			}
		}
		writeJSONError(w, "agent not loaded", http.StatusNotFound)
	case action == "start" && r.Method == http.MethodPost:
		if err := s.deps.StartAgent(r.Context(), name, r.Header.Get("X-User-Id")); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"agent": name, "running": true})
	case action == "stop" && r.Method == http.MethodPost:
		if err := s.deps.StopAgent(r.Context(), name); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"agent": name, "running": false})
	default:
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.DLQ.List(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

// handleDLQEntry serves /api/dlq/<key> (GET, DELETE) and
// /api/dlq/<key>/retry (POST).
func (s *Server) handleDLQEntry(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/dlq/")
	key, action, _ := strings.Cut(rest, "/")
	if key == "" {
		writeJSONError(w, "missing DLQ key", http.StatusBadRequest)
		return
	}

	switch {
	case action == "retry" && r.Method == http.MethodPost:
		if err := s.deps.DLQ.Retry(r.Context(), key); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"key": key, "retried": true})
	case action == "" && r.Method == http.MethodDelete:
		if err := s.deps.DLQ.Delete(r.Context(), key); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"key": key, "deleted": true})
	case action == "" && r.Method == http.MethodGet:
		entry, err := s.deps.DLQ.Get(r.Context(), key)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, entry)
	default:
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkflows(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Tracker.WorkflowIDs()
	writeJSON(w, map[string]any{
		"workflows": ids,
		"total":     len(ids),
	})
}

func (s *Server) handleWorkflowSteps(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
	if id == "" {
		writeJSONError(w, "missing workflow id", http.StatusBadRequest)
		return
	}
	steps := s.deps.Tracker.Steps(id)
	writeJSON(w, map[string]any{
		"workflowId": id,
		"steps":      steps,
		"total":      len(steps),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"uptime": int(time.Since(s.startTime).Seconds()),
		"queues": s.deps.Bus.Stats(),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"stopping": true})
	if s.deps.Shutdown != nil {
		go s.deps.Shutdown()
	}
}

// --- WebSocket event tail ---

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WriteCloseSafe(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text))
}

// handleWS streams every bus event to the client as JSON. API-key auth
// uses the ?key= query parameter since browsers can't set headers on
// WebSocket upgrades.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && r.URL.Query().Get("key") != s.apiKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Admin] ⚠️ WS upgrade failed: %v", err)
		return
	}

	conn := &wsConn{Conn: raw}
	peer := r.RemoteAddr
	log.Printf("[Admin] 🔗 WS connected: %s", peer)

	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	defer func() {
		raw.Close()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		log.Printf("[Admin] 🔌 WS disconnected: %s", peer)
	}()

	// Read loop exists only to notice the close.
	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Admin] ⚠️ WS error: %v", err)
			}
			return
		}
	}
}

// broadcastEvent fans one bus event out to every tail client. Dead
// connections are dropped.
func (s *Server) broadcastEvent(ctx context.Context, evt schema.Message) {
	s.wsMu.Lock()
	if len(s.wsConns) == 0 {
		s.wsMu.Unlock()
		return
	}
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()

	var dead []*wsConn
	for _, c := range conns {
		if err := c.WriteJSONSafe(evt); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		s.wsMu.Lock()
		for _, c := range dead {
			delete(s.wsConns, c)
			c.Close()
		}
		s.wsMu.Unlock()
	}
}

func (s *Server) closeAllWS() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for c := range s.wsConns {
		c.WriteCloseSafe(websocket.CloseGoingAway, "server shutdown")
		c.Close()
		delete(s.wsConns, c)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeErr maps classified errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		code = http.StatusBadRequest
	case errs.KindNotFound:
		code = http.StatusNotFound
	case errs.KindUnauthorized:
		code = http.StatusUnauthorized
	case errs.KindConflict:
		code = http.StatusConflict
	case errs.KindTimeout:
		code = http.StatusGatewayTimeout
	}
	writeJSONError(w, err.Error(), code)
}
