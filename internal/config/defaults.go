package config

import "time"

// Default configuration constants for the loadd client and server
const (
	DefaultPort            = 4701
	DefaultBindAddress     = "0.0.0.0"
	DefaultQueryTimeout    = 2 * time.Second
	DefaultCollectTimeout  = 1 * time.Second
	DefaultMaxDatagramSize = 1024
	DefaultWorkers         = 1
	DefaultShutdownTimeout = 10 * time.Second
	MaxWorkers             = 1024

	// Peer tracking for the scrape endpoint.
	DefaultEventBufferSize = 1000
	DefaultMaxPeers        = 4096
	DefaultPeerIdleTTL     = 15 * time.Minute
)
