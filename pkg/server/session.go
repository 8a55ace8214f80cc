package server

import (
	"net"
	"sync"
	"sync/atomic"
)

// Session holds the per-connection authentication state. It is created
// unauthenticated when a connection is accepted, mutated at most once by a
// successful VERIFY USERS, and discarded when the connection closes. The
// auth fields are owned exclusively by the connection's goroutine and are
// never shared across connections.
type Session struct {
	ID            uint64
	Conn          *SafeConn
	RemoteAddr    string
	Email         string
	Authenticated bool
}

// Authenticate binds the session to an email. This is the only mutation of
// authentication state; there is no de-authentication short of closing the
// connection.
func (s *Session) Authenticate(email string) {
	s.Email = email
	s.Authenticated = true
}

// SessionManager tracks live sessions for metrics and shutdown. It never
// touches a session's authentication state.
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.Mutex
	metrics  *Metrics
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for a connection
// that completed its TLS handshake.
func (sm *SessionManager) CreateSession(conn net.Conn) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Conn:       NewSafeConn(conn),
		RemoteAddr: conn.RemoteAddr().String(),
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// RemoveSession removes a session and closes its connection.
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
	}

	sess.Conn.Close()
}

// CountActive returns the number of live sessions.
func (sm *SessionManager) CountActive() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return len(sm.sessions)
}

// CloseAll closes every session. Used during graceful shutdown.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
	sm.sessions = make(map[uint64]*Session)
}
