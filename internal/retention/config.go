// Package retention prunes idle entries from the server's peer table.
package retention

import (
	"time"

	"github.com/bc-dunia/loadd/internal/config"
)

// Config holds the peer retention policy.
type Config struct {
	// PeerIdleTTL is how long a peer may go without sending a request
	// before it is dropped from the table.
	// Default: 15 minutes
	PeerIdleTTL time.Duration

	// CleanupInterval is the time between cleanup runs.
	// Default: 1 minute
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		PeerIdleTTL:     config.DefaultPeerIdleTTL,
		CleanupInterval: time.Minute,
	}
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	result := c
	if result.PeerIdleTTL <= 0 {
		result.PeerIdleTTL = def.PeerIdleTTL
	}
	if result.CleanupInterval <= 0 {
		result.CleanupInterval = def.CleanupInterval
	}
	return result
}
