// Package session implements the session lifecycle shared by all
// transports: creation at initialize, protocol state tracking, idle TTL
// expiry, per-request cancellation handles, and the per-session event log
// that backs SSE resumability.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"opendiscovery/internal/protocol"
	"opendiscovery/pkg/logging"
)

// State is the session lifecycle state.
type State string

const (
	// StateInit means initialize succeeded but the client has not yet sent
	// notifications/initialized.
	StateInit State = "init"
	// StateReady means the session receives server notifications.
	StateReady State = "ready"
	// StateClosed means the session was terminated.
	StateClosed State = "closed"
)

// DefaultTTL is the default idle timeout before a session is reaped.
const DefaultTTL = 30 * time.Minute

// DefaultMaxSessions bounds concurrent sessions for DoS protection.
const DefaultMaxSessions = 10000

// MaxSessionIDLength rejects absurdly long ids before they reach a map key.
const MaxSessionIDLength = 256

// Sink delivers a server-initiated message to the session's transport.
// Transports install a sink when the client attaches a delivery channel
// (the SSE stream, stdio's stdout). The AMQP adapter installs none; it
// publishes registry changes to its exchange instead.
type Sink func(msg *protocol.Message) error

// Session is one client conversation. Transports hold only the id; they
// resolve the session through the Manager on every message.
type Session struct {
	ID        string
	Transport string
	CreatedAt time.Time

	mu              sync.Mutex
	state           State
	protocolVersion string
	clientInfo      protocol.ClientInfo
	lastActivity    time.Time
	pending         map[string]context.CancelFunc
	sink            Sink

	// notifyMu serializes notification delivery so per-session FIFO
	// ordering holds regardless of which goroutine emits.
	notifyMu sync.Mutex

	events *EventLog
}

// StateOf returns the current lifecycle state.
func (s *Session) StateOf() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkReady transitions Init -> Ready after notifications/initialized.
func (s *Session) MarkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInit {
		s.state = StateReady
	}
}

// SetNegotiated records the protocol version and client identity chosen at
// initialize.
func (s *Session) SetNegotiated(version string, client protocol.ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
	s.clientInfo = client
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the client identity from initialize.
func (s *Session) ClientInfo() protocol.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// Touch updates the idle timer.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// RegisterRequest installs the cancellation handle for an in-flight request.
func (s *Session) RegisterRequest(requestID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[requestID] = cancel
	s.lastActivity = time.Now()
}

// FinishRequest removes a request's cancellation handle at reply time.
func (s *Session) FinishRequest(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, requestID)
}

// CancelRequest cancels an in-flight request. Returns false when the
// request is unknown (already replied or never seen).
func (s *Session) CancelRequest(requestID string) bool {
	s.mu.Lock()
	cancel, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every in-flight request. Called at session close.
func (s *Session) CancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.pending))
	for _, cancel := range s.pending {
		cancels = append(cancels, cancel)
	}
	s.pending = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// PendingCount returns the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SetSink installs the notification delivery path for this session.
func (s *Session) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Notify delivers a notification to the session if it is Ready. Events are
// appended to the session's event log first so SSE reconnects can replay
// them; delivery order is FIFO per session.
func (s *Session) Notify(msg *protocol.Message) {
	s.mu.Lock()
	state := s.state
	sink := s.sink
	s.mu.Unlock()
	if state != StateReady {
		return
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.events.Append(msg)
	if sink == nil {
		return
	}
	if err := sink(msg); err != nil {
		logging.Debug("Session", "Notification delivery failed for %s: %v",
			logging.TruncateSessionID(s.ID), err)
	}
}

// Events returns the session's SSE replay log.
func (s *Session) Events() *EventLog {
	return s.events
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *Session) close() {
	s.mu.Lock()
	s.state = StateClosed
	s.sink = nil
	s.mu.Unlock()
	s.CancelAll()
}

// InvalidSessionIDError is returned when a session id fails validation.
type InvalidSessionIDError struct {
	Reason string
}

func (e *InvalidSessionIDError) Error() string {
	return "invalid session ID: " + e.Reason
}

// SessionNotFoundError is returned when a session id is unknown or expired.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return "session not found: " + logging.TruncateSessionID(e.SessionID)
}

// SessionLimitExceededError is returned when the session cap is reached.
type SessionLimitExceededError struct {
	Limit int
}

func (e *SessionLimitExceededError) Error() string {
	return fmt.Sprintf("session limit exceeded: %d sessions", e.Limit)
}

// Manager owns all sessions. It runs a background reaper for idle sessions;
// callers MUST call Stop to prevent goroutine leaks.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	ttl         time.Duration
	maxSessions int
	stopCleanup chan struct{}
	stopOnce    sync.Once
	onClose     func(*Session)
}

// NewManager creates a session manager with the given idle TTL.
// onClose is invoked after a session transitions to Closed (for transports
// that need to tear down streams); it may be nil.
func NewManager(ttl time.Duration, onClose func(*Session)) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if onClose == nil {
		onClose = func(*Session) {}
	}
	m := &Manager{
		sessions:    make(map[string]*Session),
		ttl:         ttl,
		maxSessions: DefaultMaxSessions,
		stopCleanup: make(chan struct{}),
		onClose:     onClose,
	}
	go m.cleanupLoop()
	return m
}

// Create allocates a session with an unguessable id.
func (m *Manager) Create(transport string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.maxSessions {
		return nil, &SessionLimitExceededError{Limit: m.maxSessions}
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Transport: transport,
		CreatedAt: now,
	}
	s.state = StateInit
	s.lastActivity = now
	s.pending = make(map[string]context.CancelFunc)
	s.events = NewEventLog(DefaultEventRetention)

	m.sessions[s.ID] = s
	logging.Debug("SessionManager", "Created session %s on %s (total: %d)",
		logging.TruncateSessionID(s.ID), transport, len(m.sessions))
	logging.Audit(logging.AuditEvent{Action: "session_create", Outcome: "success",
		SessionID: logging.TruncateSessionID(s.ID), Target: transport})
	return s, nil
}

// Get resolves a session id, refreshing its idle timer.
func (m *Manager) Get(sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, &InvalidSessionIDError{Reason: "session ID cannot be empty"}
	}
	if len(sessionID) > MaxSessionIDLength {
		return nil, &InvalidSessionIDError{Reason: fmt.Sprintf("session ID exceeds maximum length of %d", MaxSessionIDLength)}
	}

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok || s.StateOf() == StateClosed {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}
	s.Touch()
	return s, nil
}

// Delete terminates a session: pending requests are cancelled, the state
// moves to Closed, and the id stops resolving.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return &SessionNotFoundError{SessionID: sessionID}
	}

	s.close()
	m.onClose(s)
	logging.Debug("SessionManager", "Deleted session %s", logging.TruncateSessionID(sessionID))
	logging.Audit(logging.AuditEvent{Action: "session_delete", Outcome: "success",
		SessionID: logging.TruncateSessionID(sessionID)})
	return nil
}

// All returns a snapshot of the live sessions.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Broadcast sends a notification to every Ready session.
func (m *Manager) Broadcast(msg *protocol.Message) {
	for _, s := range m.All() {
		s.Notify(msg)
	}
}

// Stop terminates all sessions and the reaper goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
		m.onClose(s)
	}
	logging.Debug("SessionManager", "Session manager stopped")
}

// minCleanupInterval prevents excessive reaping with very short TTLs.
const minCleanupInterval = time.Second

func (m *Manager) cleanupLoop() {
	interval := m.ttl / 2
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.idleSince(now) > m.ttl {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.close()
		m.onClose(s)
	}
	if len(expired) > 0 {
		logging.Debug("SessionManager", "Reaped %d idle sessions", len(expired))
	}
}

// TTL returns the configured idle timeout.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
