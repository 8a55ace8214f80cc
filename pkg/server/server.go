// Package server implements the Quill connection engine: TLS-terminated
// accept loop, per-connection session state, and dispatch of decoded
// protocol requests to operation handlers.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aeolun/quill/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

func init() {
	// Error log always goes to stderr; debug logging is opt-in
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// Server is the Quill socket server. It owns the listener and the shared,
// read-only TLS configuration; each accepted connection runs its own
// goroutine with its own Session. The only cross-connection state is the
// Store's connection pool.
type Server struct {
	store     Store
	tlsConfig *tls.Config
	listener  net.Listener
	sessions  *SessionManager
	config    ServerConfig
	metrics   *Metrics
	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a server around a store and TLS configuration.
func NewServer(store Store, tlsConfig *tls.Config, config ServerConfig) *Server {
	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	return &Server{
		store:     store,
		tlsConfig: tlsConfig,
		sessions:  sessions,
		config:    config,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
}

// EnableDebugLogging turns on per-request debug logging to stderr.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds the listener and begins accepting connections. It returns
// once the accept loop is running.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.ListenAddress, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	log.Printf("Listening on %s", listener.Addr())

	// Internal-only metrics endpoint - never expose publicly
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
			metricsMux.HandleFunc("/health", s.HealthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listener's bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: no new connections, all sessions
// closed, background goroutines drained.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	// The listener field is only ever written before the accept loop
	// starts, so closing without clearing it avoids racing that goroutine.
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	s.wg.Wait()

	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports process liveness and uptime.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok\nuptime: %s\nsessions: %d\n",
		time.Since(s.startTime).Round(time.Second), s.sessions.CountActive())
}

// acceptLoop accepts incoming connections and hands each one off
// immediately; it never serves a connection inline.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection performs the TLS handshake and, if it succeeds, creates
// a session and runs the connection's read loop. A handshake failure
// aborts the connection before any session exists.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	tlsConn := tls.Server(conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		errorLog.Printf("TLS handshake with %s failed: %v", conn.RemoteAddr(), err)
		s.metrics.RecordHandshakeFailure()
		conn.Close()
		return
	}

	sess := s.sessions.CreateSession(tlsConn)
	debugLog.Printf("Session %d: new connection from %s", sess.ID, sess.RemoteAddr)

	s.connLoop(sess)
}

// connLoop reads requests into a fixed-size buffer and serves them in
// arrival order. Each N>0 byte read is treated as one complete request
// message. Transient read errors are retried after a fixed backoff rather
// than terminating the connection; only an orderly close (or shutdown)
// ends the loop.
func (s *Server) connLoop(sess *Session) {
	defer s.sessions.RemoveSession(sess.ID)

	buf := make([]byte, s.config.ReadBufferSize)

	for {
		n, err := sess.Conn.Read(buf)

		if n > 0 {
			resp := s.serveRequest(sess, buf[:n])

			out, encErr := resp.Encode()
			if encErr != nil {
				// Should never happen for a response we built ourselves
				errorLog.Printf("Session %d: response encode failed: %v", sess.ID, encErr)
				out, _ = protocol.FailureResponse().Encode()
			}

			if _, werr := sess.Conn.Write(out); werr != nil {
				errorLog.Printf("Session %d: write failed: %v", sess.ID, werr)
				return
			}
		}

		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			debugLog.Printf("Session %d: client disconnected", sess.ID)
			return
		}

		// Transient read error: back off and retry instead of dropping a
		// long-lived connection. Never a tight loop.
		debugLog.Printf("Session %d: read error, retrying in %s: %v", sess.ID, s.config.ReadRetryBackoff, err)
		select {
		case <-s.shutdown:
			return
		case <-time.After(s.config.ReadRetryBackoff):
		}
	}
}

// serveRequest runs one request through decode, dispatch, and handler.
// Every failure becomes a status-0 response; the underlying error is
// logged and never sent to the client.
func (s *Server) serveRequest(sess *Session, raw []byte) *protocol.Response {
	start := time.Now()

	req, err := protocol.DecodeRequest(raw)
	if err != nil {
		errorLog.Printf("Session %d: request decode failed: %v", sess.ID, err)
		s.metrics.RecordRequestError(errorReason(err))
		return protocol.FailureResponse()
	}

	debugLog.Printf("Session %d ← %s", sess.ID, req.Function())

	resp, err := s.dispatch(sess, req)
	if err != nil {
		errorLog.Printf("Session %d: %s failed: %v", sess.ID, req.Function(), err)
		s.metrics.RecordRequestError(errorReason(err))
		return protocol.FailureResponse()
	}

	s.metrics.RecordRequest(req.Function(), time.Since(start))
	return resp
}

// errorReason maps an error to its metrics label.
func errorReason(err error) string {
	var missing *MissingFieldError
	switch {
	case errors.Is(err, protocol.ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, protocol.ErrUnknownOperation):
		return "unknown_operation"
	case errors.Is(err, protocol.ErrUnknownTarget):
		return "unknown_target"
	case errors.Is(err, ErrUnsupportedOperation):
		return "unsupported_operation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.As(err, &missing):
		return "missing_field"
	}
	return "storage"
}
