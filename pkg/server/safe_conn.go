package server

import (
	"net"
	"sync"
)

// SafeConn wraps a net.Conn with write synchronization. The connection's
// own goroutine is the only writer during normal operation, but graceful
// shutdown may race a final write against Close from another goroutine;
// funneling both through one mutex keeps response bytes from interleaving
// on the wire.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes and close
}

// NewSafeConn wraps a net.Conn with write synchronization.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// Read reads from the underlying connection. Reads don't need write
// synchronization; there is exactly one reader per connection.
func (sc *SafeConn) Read(buf []byte) (int, error) {
	return sc.conn.Read(buf)
}

// Write writes raw bytes to the connection with synchronization.
func (sc *SafeConn) Write(data []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.Write(data)
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
