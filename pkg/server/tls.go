package server

import (
	"crypto/tls"
	"fmt"
)

// LoadTLSConfig builds the server's TLS configuration from a PEM
// certificate and key on disk. It fails if either file is absent or
// malformed. The returned config is immutable after startup and shared
// read-only by every connection.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
