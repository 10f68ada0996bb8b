package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"opendiscovery/internal/engine"
	"opendiscovery/internal/protocol"
	"opendiscovery/internal/session"
	"opendiscovery/pkg/logging"
)

// SessionIDHeader carries the session id on every non-initialize request.
const SessionIDHeader = "Mcp-Session-Id"

// HTTPConfig configures the streamable HTTP adapter.
type HTTPConfig struct {
	Host string
	Port int
	// AllowedOrigins is the Origin allow list. Empty disables origin
	// validation; "*" allows any origin explicitly.
	AllowedOrigins []string
	// SSERetry is the reconnect delay advertised to SSE clients.
	SSERetry time.Duration
}

// Health is the payload of GET /health.
type Health struct {
	Status           string `json:"status"`
	Tools            int    `json:"tools"`
	Sessions         int    `json:"sessions"`
	SessionTTL       int    `json:"sessionTTL,omitempty"`
	SSERetry         int    `json:"sseRetry,omitempty"`
	OriginValidation bool   `json:"originValidation"`

	// Degraded carries plugin load failures when present.
	Degraded map[string]string `json:"degraded,omitempty"`
}

// HealthFunc supplies the tool/plugin side of the health payload.
type HealthFunc func() (tools int, degraded map[string]string)

// HTTP is the streamable HTTP + SSE adapter: POST /mcp for requests,
// GET /mcp for the server-to-client event stream with Last-Event-ID replay,
// DELETE /mcp for session termination, GET /health for liveness.
type HTTP struct {
	engine *engine.Engine
	cfg    HTTPConfig
	health HealthFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  bool

	// streams wakes the active SSE writer of a session when new events
	// are appended to its log.
	streamMu sync.Mutex
	streams  map[string]chan struct{}
}

// NewHTTP creates the HTTP adapter.
func NewHTTP(e *engine.Engine, cfg HTTPConfig, health HealthFunc) *HTTP {
	if cfg.SSERetry <= 0 {
		cfg.SSERetry = 3 * time.Second
	}
	if health == nil {
		health = func() (int, map[string]string) { return 0, nil }
	}
	return &HTTP{
		engine:  e,
		cfg:     cfg,
		health:  health,
		streams: make(map[string]chan struct{}),
	}
}

// Name implements Transport.
func (t *HTTP) Name() string { return "http" }

// Start implements Transport. The listener is bound synchronously so port
// conflicts surface to the caller; the serve loop runs in the background.
func (t *HTTP) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	t.server = &http.Server{
		Handler:           t.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	t.listener = listener
	t.started = true

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP", err, "Server stopped")
		}
	}()
	logging.Info("HTTP", "Listening on %s", addr)
	return nil
}

// Close implements Transport.
func (t *HTTP) Close() error {
	t.mu.Lock()
	server := t.server
	t.started = false
	t.mu.Unlock()
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// Addr returns the bound listen address. Used by tests that bind port 0.
func (t *HTTP) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// handler assembles the route table with origin validation and CORS.
func (t *HTTP) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/mcp", t.handlePost).Methods(http.MethodPost)
	r.HandleFunc("/mcp", t.handleSSE).Methods(http.MethodGet)
	r.HandleFunc("/mcp", t.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/health", t.handleHealth).Methods(http.MethodGet)

	corsOrigins := t.cfg.AllowedOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:     corsOrigins,
		AllowedMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:     []string{"Content-Type", "Accept", SessionIDHeader, "Last-Event-ID"},
		ExposedHeaders:     []string{SessionIDHeader},
		OptionsPassthrough: false,
	})
	return c.Handler(t.originMiddleware(r))
}

// originMiddleware rejects browser requests from origins outside the allow
// list. Requests without an Origin header (curl, SDK clients) pass.
func (t *HTTP) originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && len(t.cfg.AllowedOrigins) > 0 && !t.originAllowed(origin) {
			logging.Warn("HTTP", "Rejected origin %s", origin)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *HTTP) originAllowed(origin string) bool {
	for _, allowed := range t.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handlePost serves POST /mcp: initialize creates the session and returns
// its id in the Mcp-Session-Id header; every other request must present a
// live session id or receives 404.
func (t *HTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLineBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	msg, perr := protocol.Parse(raw)
	if perr != nil {
		writeJSON(w, http.StatusBadRequest, &protocol.Message{JSONRPC: protocol.JSONRPCVersion, Error: perr})
		return
	}

	var sess *session.Session
	if msg.Method == protocol.MethodInitialize {
		created, err := t.engine.Sessions().Create("http")
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable,
				protocol.NewErrorResponse(msg.ID, protocol.CodeServerError, err.Error()))
			return
		}
		sess = created
		w.Header().Set(SessionIDHeader, sess.ID)
	} else {
		resolved, err := t.engine.Sessions().Get(r.Header.Get(SessionIDHeader))
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		sess = resolved
	}

	reply := t.engine.Dispatch(r.Context(), sess, msg)
	if reply == nil {
		// Notification accepted, nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleSSE serves GET /mcp: a resumable server-to-client event stream.
// Events carry monotonic ids; a reconnect with Last-Event-ID replays the
// retained suffix in order without duplication.
func (t *HTTP) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, err := t.engine.Sessions().Get(r.Header.Get(SessionIDHeader))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// A reconnect replays from the client's last seen event; a fresh stream
	// starts at the current horizon.
	lastEventID := sess.Events().LastID()
	if header := r.Header.Get("Last-Event-ID"); header != "" {
		if parsed, err := strconv.ParseUint(header, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "retry: %d\n\n", t.cfg.SSERetry.Milliseconds())
	flusher.Flush()

	wake := make(chan struct{}, 1)
	t.streamMu.Lock()
	t.streams[sess.ID] = wake
	t.streamMu.Unlock()
	sess.SetSink(func(*protocol.Message) error {
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil
	})
	defer func() {
		t.streamMu.Lock()
		if t.streams[sess.ID] == wake {
			delete(t.streams, sess.ID)
		}
		t.streamMu.Unlock()
	}()

	logging.Debug("HTTP", "SSE stream opened for %s (last-event-id=%d)",
		logging.TruncateSessionID(sess.ID), lastEventID)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	cursor := lastEventID
	for {
		for _, event := range sess.Events().Since(cursor) {
			raw, err := json.Marshal(event.Message)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.ID, raw); err != nil {
				return
			}
			cursor = event.ID
		}
		flusher.Flush()

		select {
		case <-wake:
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleDelete serves DELETE /mcp: explicit session termination. A deleted
// or unknown session id is 404, including on SSE reconnect attempts.
func (t *HTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if _, err := t.engine.Sessions().Get(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err := t.engine.Sessions().Delete(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTP) handleHealth(w http.ResponseWriter, r *http.Request) {
	tools, degraded := t.health()
	status := "healthy"
	if len(degraded) > 0 {
		status = "degraded"
	}
	writeJSONValue(w, http.StatusOK, Health{
		Status:           status,
		Tools:            tools,
		Sessions:         t.engine.Sessions().Count(),
		SessionTTL:       int(t.engine.Sessions().TTL().Seconds()),
		SSERetry:         int(t.cfg.SSERetry.Milliseconds()),
		OriginValidation: len(t.cfg.AllowedOrigins) > 0,
		Degraded:         degraded,
	})
}

func writeJSON(w http.ResponseWriter, status int, msg *protocol.Message) {
	writeJSONValue(w, status, msg)
}

func writeJSONValue(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("HTTP", "Response encode failed: %v", err)
	}
}
