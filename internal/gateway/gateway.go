// Package gateway serves the local HTTP API used by the status-bar UI:
// plugin, alert and task endpoints plus a WebSocket stream of bus events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-beacon/internal/alerts"
	"github.com/basket/go-beacon/internal/bus"
	"github.com/basket/go-beacon/internal/persistence"
	"github.com/basket/go-beacon/internal/plugins"
	"github.com/basket/go-beacon/internal/taskstore"
)

const (
	defaultListLimit = 50
	wsWriteTimeout   = 5 * time.Second
)

type Config struct {
	Plugins  *plugins.Registry
	Alerts   *alerts.Manager
	Tasks    *taskstore.Store
	History  *persistence.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	Snapshot func() alerts.Context

	// AuthToken guards /api and /ws. Empty disables auth; the default bind
	// address is loopback only.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser requests.
	AllowOrigins []string

	ConfigFingerprint string
	Version           string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	start  time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		start:   time.Now(),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWS))

	mux.HandleFunc("GET /api/plugins", s.requireAuth(s.handleListPlugins))
	mux.HandleFunc("POST /api/plugins/{id}/run", s.requireAuth(s.handleRunPlugin))
	mux.HandleFunc("GET /api/plugins/{id}/runs", s.requireAuth(s.handlePluginRuns))

	mux.HandleFunc("GET /api/alerts", s.requireAuth(s.handleListAlerts))
	mux.HandleFunc("POST /api/alerts/{id}/enabled", s.requireAuth(s.handleSetAlertEnabled))
	mux.HandleFunc("POST /api/alerts/evaluate", s.requireAuth(s.handleEvaluateAlerts))
	mux.HandleFunc("GET /api/alerts/history", s.requireAuth(s.handleAlertHistory))
	mux.HandleFunc("GET /api/snapshot", s.requireAuth(s.handleSnapshot))

	mux.HandleFunc("GET /api/tasks", s.requireAuth(s.handleListTasks))
	mux.HandleFunc("POST /api/tasks", s.requireAuth(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks/{ref}", s.requireAuth(s.handleGetTask))
	mux.HandleFunc("GET /api/tasks/runs", s.requireAuth(s.handleTaskRuns))

	return NewCORSMiddleware(s.cfg.AllowOrigins)(RequestSizeLimitMiddleware(1 << 20)(mux))
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := ""
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(authz, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	} else if r.URL.Path == "/ws" {
		// Browsers cannot set headers on WebSocket upgrades.
		token = r.URL.Query().Get("token")
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.History != nil {
		if err := s.cfg.History.DB().PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"version":            s.cfg.Version,
		"uptime_seconds":     int64(time.Since(s.start).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.clientCount(),
	}
	if s.cfg.Plugins != nil {
		payload["plugins"] = len(s.cfg.Plugins.List())
	}
	if s.cfg.Alerts != nil {
		payload["alerts"] = len(s.cfg.Alerts.List())
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// --- plugins ---

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Plugins == nil {
		writeError(w, http.StatusNotImplemented, "plugins disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.cfg.Plugins.List()})
}

func (s *Server) handleRunPlugin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Plugins == nil {
		writeError(w, http.StatusNotImplemented, "plugins disabled")
		return
	}
	res, err := s.cfg.Plugins.Execute(r.Context(), r.PathValue("id"))
	if errors.Is(err, plugins.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePluginRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, "history disabled")
		return
	}
	runs, err := s.cfg.History.ListPluginRuns(r.Context(), r.PathValue("id"), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// --- alerts ---

func (s *Server) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Alerts == nil {
		writeError(w, http.StatusNotImplemented, "alerts disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.cfg.Alerts.List()})
}

func (s *Server) handleSetAlertEnabled(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Alerts == nil {
		writeError(w, http.StatusNotImplemented, "alerts disabled")
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	err := s.cfg.Alerts.SetEnabled(r.PathValue("id"), body.Enabled)
	if errors.Is(err, alerts.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "enabled": body.Enabled})
}

func (s *Server) handleEvaluateAlerts(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Alerts == nil {
		writeError(w, http.StatusNotImplemented, "alerts disabled")
		return
	}
	firings := s.cfg.Alerts.Evaluate(r.Context(), s.snapshot())
	writeJSON(w, http.StatusOK, map[string]any{"fired": firings})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, "history disabled")
		return
	}
	firings, err := s.cfg.History.ListAlertFirings(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"firings": firings})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() alerts.Context {
	if s.cfg.Snapshot == nil {
		return alerts.Context{}
	}
	return s.cfg.Snapshot()
}

// --- tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		writeError(w, http.StatusNotImplemented, "tasks disabled")
		return
	}
	var (
		tasks []taskstore.Task
		err   error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, perr := taskstore.ParseStatus(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		tasks, err = s.cfg.Tasks.ListByStatus(st)
	} else {
		tasks, err = s.cfg.Tasks.List()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		writeError(w, http.StatusNotImplemented, "tasks disabled")
		return
	}
	var body struct {
		Topic    string `json:"topic"`
		ID       string `json:"id"`
		Content  string `json:"content"`
		Assignee string `json:"assignee"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(body.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	path, err := s.cfg.Tasks.Create(body.Topic, body.ID, body.Content, body.Assignee)
	if errors.Is(err, taskstore.ErrDuplicateTask) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"path": path})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		writeError(w, http.StatusNotImplemented, "tasks disabled")
		return
	}
	path, err := s.cfg.Tasks.Resolve(r.PathValue("ref"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	content, err := s.cfg.Tasks.Read(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, _ := s.cfg.Tasks.StatusOf(path)
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "status": st, "content": content})
}

func (s *Server) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, "history disabled")
		return
	}
	runs, err := s.cfg.History.ListTaskRuns(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// --- websocket ---

// handleWS streams every bus event to the client as JSON until it disconnects.
// An optional ?prefix= narrows the topics.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event bus disabled")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("prefix"))
	s.logger.Info("ws: client connected", "prefix", r.URL.Query().Get("prefix"))
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, ev); err != nil {
				s.logger.Debug("ws: write error, closing", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

// --- helpers ---

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
