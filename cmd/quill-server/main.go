package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/quill/pkg/database"
	"github.com/aeolun/quill/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.quill/quill.toml", "Path to config file")
	port := flag.Int("port", 0, "Override listen port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		config.Server.Port = *port
	}

	tlsConfig, err := server.LoadTLSConfig(
		server.ExpandPath(config.Server.TLSCertPath),
		server.ExpandPath(config.Server.TLSKeyPath),
	)
	if err != nil {
		log.Fatalf("Failed to load TLS material: %v", err)
	}

	db, err := database.Open(server.ExpandPath(config.Server.DatabasePath), config.Limits.MaxDBConnections)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	s := server.NewServer(db, tlsConfig, config.RuntimeConfig())
	if *debug {
		s.EnableDebugLogging()
	}

	if err := s.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Run until interrupted, then shut down gracefully
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := s.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
