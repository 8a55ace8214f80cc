package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	ListenAddress string `toml:"listen_address"`
	Port          int    `toml:"port"`
	TLSCertPath   string `toml:"tls_cert_path"`
	TLSKeyPath    string `toml:"tls_key_path"`
	DatabasePath  string `toml:"database_path"`
	MetricsPort   int    `toml:"metrics_port"` // 0 = disabled
}

type LimitsSection struct {
	MaxDBConnections   int `toml:"max_db_connections"`
	ReadBufferSize     int `toml:"read_buffer_size"`
	ReadRetryBackoffMs int `toml:"read_retry_backoff_ms"`
}

// DefaultTOMLConfig returns the default configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			ListenAddress: "[::]",
			Port:          63100,
			TLSCertPath:   "~/.quill/cert.pem",
			TLSKeyPath:    "~/.quill/key.pem",
			DatabasePath:  "~/.quill/quill.db",
			MetricsPort:   9090,
		},
		Limits: LimitsSection{
			MaxDBConnections:   150,
			ReadBufferSize:     65536,
			ReadRetryBackoffMs: 500,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path = ExpandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions, read-only fs) - still run on defaults
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// applyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern QUILL_SECTION_KEY, e.g. QUILL_SERVER_PORT=63200.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("QUILL_SERVER_LISTEN_ADDRESS"); val != "" {
		config.Server.ListenAddress = val
	}
	if val := os.Getenv("QUILL_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("QUILL_SERVER_TLS_CERT_PATH"); val != "" {
		config.Server.TLSCertPath = val
	}
	if val := os.Getenv("QUILL_SERVER_TLS_KEY_PATH"); val != "" {
		config.Server.TLSKeyPath = val
	}
	if val := os.Getenv("QUILL_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("QUILL_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}

	if val := os.Getenv("QUILL_LIMITS_MAX_DB_CONNECTIONS"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxDBConnections = limit
		}
	}
	if val := os.Getenv("QUILL_LIMITS_READ_BUFFER_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Limits.ReadBufferSize = size
		}
	}
	if val := os.Getenv("QUILL_LIMITS_READ_RETRY_BACKOFF_MS"); val != "" {
		if backoff, err := strconv.Atoi(val); err == nil {
			config.Limits.ReadRetryBackoffMs = backoff
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options
// documented.
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	content := fmt.Sprintf(`# Quill server configuration
# Every option can be overridden with a QUILL_SECTION_KEY environment
# variable, e.g. QUILL_SERVER_PORT=63200

[server]
listen_address = "%s"
port = %d
tls_cert_path = "%s"
tls_key_path = "%s"
database_path = "%s"
# Internal-only Prometheus endpoint (0 = disabled). Never expose publicly.
metrics_port = %d

[limits]
max_db_connections = %d
read_buffer_size = %d
read_retry_backoff_ms = %d
`,
		config.Server.ListenAddress,
		config.Server.Port,
		config.Server.TLSCertPath,
		config.Server.TLSKeyPath,
		config.Server.DatabasePath,
		config.Server.MetricsPort,
		config.Limits.MaxDBConnections,
		config.Limits.ReadBufferSize,
		config.Limits.ReadRetryBackoffMs,
	)

	return os.WriteFile(path, []byte(content), 0644)
}

// ServerConfig is the runtime configuration consumed by the server core.
type ServerConfig struct {
	ListenAddress    string
	Port             int
	ReadBufferSize   int
	ReadRetryBackoff time.Duration
	MetricsPort      int
}

// RuntimeConfig converts the file representation into the runtime one.
func (c TOMLConfig) RuntimeConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:    c.Server.ListenAddress,
		Port:             c.Server.Port,
		ReadBufferSize:   c.Limits.ReadBufferSize,
		ReadRetryBackoff: time.Duration(c.Limits.ReadRetryBackoffMs) * time.Millisecond,
		MetricsPort:      c.Server.MetricsPort,
	}
}
