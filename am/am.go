package am

import "time"

// Config represents the kiln configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Runs     RunsConfig     `mapstructure:"runs"`
	Server   ServerConfig   `mapstructure:"server"`
	Events   EventsConfig   `mapstructure:"events"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RunsConfig configures the process engine
type RunsConfig struct {
	LogRetentionSeconds  int  `mapstructure:"log_retention_seconds"`   // In-memory log retention after a run ends (default: 300)
	MaxConcurrent        int  `mapstructure:"max_concurrent"`          // 0 = unbounded
	ScannerMaxTokenBytes int  `mapstructure:"scanner_max_token_bytes"` // Longest output line captured (default: 1 MiB)
	ReconcileOnStart     bool `mapstructure:"reconcile_on_start"`      // Fail runs left "running" by a previous process (default: true)
}

// ServerConfig configures the HTTP/WebSocket server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// EventsConfig configures the live output stream
type EventsConfig struct {
	SlowClientWarnPerSecond float64 `mapstructure:"slow_client_warn_per_second"` // Rate of "client too slow" warnings
}

// Server port constants
const (
	DefaultServerPort = 8877
)

// Run engine defaults
const (
	DefaultLogRetentionSeconds  = 300
	DefaultScannerMaxTokenBytes = 1024 * 1024
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// LogRetention returns the in-memory log retention window
func (c *Config) LogRetention() time.Duration {
	if c.Runs.LogRetentionSeconds <= 0 {
		return DefaultLogRetentionSeconds * time.Second
	}
	return time.Duration(c.Runs.LogRetentionSeconds) * time.Second
}

// ScannerMaxTokenBytes returns the configured line limit or the default
func (c *Config) ScannerMaxTokenBytes() int {
	if c.Runs.ScannerMaxTokenBytes <= 0 {
		return DefaultScannerMaxTokenBytes
	}
	return c.Runs.ScannerMaxTokenBytes
}
