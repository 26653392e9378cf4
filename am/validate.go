package am

import "github.com/teranos/kiln/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.NewValidationError("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.NewValidationError("server.port must be in 1-65535, got %d", *c.Server.Port)
	}

	// 0 = unbounded
	if c.Runs.MaxConcurrent < 0 {
		return errors.NewValidationError("runs.max_concurrent must be >= 0, got %d", c.Runs.MaxConcurrent)
	}
	// 0 = default retention
	if c.Runs.LogRetentionSeconds < 0 {
		return errors.NewValidationError("runs.log_retention_seconds must be >= 0, got %d", c.Runs.LogRetentionSeconds)
	}
	if c.Runs.ScannerMaxTokenBytes < 0 {
		return errors.NewValidationError("runs.scanner_max_token_bytes must be >= 0, got %d", c.Runs.ScannerMaxTokenBytes)
	}
	if c.Events.SlowClientWarnPerSecond < 0 {
		return errors.NewValidationError("events.slow_client_warn_per_second must be >= 0, got %f", c.Events.SlowClientWarnPerSecond)
	}

	return nil
}
