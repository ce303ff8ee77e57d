package config

import "time"

// TimeoutConfig holds timeout settings for various operations.
// These can be configured via CLI flags to tune performance for different environments.
type TimeoutConfig struct {
	// HTTPClient is the timeout for HTTP client requests to the catalog and request tracker.
	// Default: 30s
	HTTPClient time.Duration

	// WebSocketPing is the interval between WebSocket keepalive pings.
	// Default: 30s
	WebSocketPing time.Duration

	// Execution bounds a single fulfilment call. The executor is slow by nature.
	// Default: 30m
	Execution time.Duration

	// Shutdown is how long Stop waits for an in-flight item before giving up.
	// Default: 2m
	Shutdown time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPClient:    30 * time.Second,
		WebSocketPing: 30 * time.Second,
		Execution:     30 * time.Minute,
		Shutdown:      2 * time.Minute,
	}
}

// global instance that can be set at startup
var globalTimeouts = DefaultTimeoutConfig()

// SetGlobalTimeouts sets the global timeout configuration
func SetGlobalTimeouts(cfg *TimeoutConfig) {
	globalTimeouts = cfg
}

// GetTimeouts returns the global timeout configuration
func GetTimeouts() *TimeoutConfig {
	return globalTimeouts
}
