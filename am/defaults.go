package am

import (
	"fmt"

	"github.com/spf13/viper"
)

var defaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
	"tauri://localhost",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "kiln.db")

	v.SetDefault("runs.log_retention_seconds", DefaultLogRetentionSeconds)
	v.SetDefault("runs.max_concurrent", 0)
	v.SetDefault("runs.scanner_max_token_bytes", DefaultScannerMaxTokenBytes)
	v.SetDefault("runs.reconcile_on_start", true)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", defaultAllowedOrigins)

	v.SetDefault("events.slow_client_warn_per_second", 1.0)
}

// BindEnvVars binds keys whose env names don't follow the automatic KILN_ mapping
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "KILN_DATABASE_PATH", "KILN_DB")
	v.BindEnv("runs.max_concurrent", "KILN_RUNS_MAX_CONCURRENT")
}

// DefaultsMap returns the defaults as a nested map, the shape written by `am init`
func DefaultsMap() map[string]interface{} {
	v := viper.New()
	SetDefaults(v)
	return v.AllSettings()
}

// GetServerPort returns the configured port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "kiln.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS/WebSocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return defaultAllowedOrigins
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Runs: {Retention: %ds, MaxConcurrent: %d}, Server: {Port: %d}}",
		c.GetDatabasePath(), c.Runs.LogRetentionSeconds, c.Runs.MaxConcurrent, c.GetServerPort())
}
