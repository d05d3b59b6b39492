// Package ibtws provides connectivity to an Interactive Brokers
// TWS/Gateway session.
package ibtws

import (
	"time"
)

// Config holds TWS connection configuration.
type Config struct {
	// Connection settings
	Host     string
	Port     int
	ClientID int

	// Timeouts
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Heartbeat
	HeartbeatInterval time.Duration
	MissedHeartbeats  int // consecutive misses before the session degrades

	// Rate limiting
	MaxRequestsPerSecond int

	// Reconnection
	AutoReconnect     bool
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnectTries int

	// Event channel capacities
	EventBuffer int
}

// DefaultConfig returns default TWS configuration (paper trading port).
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 7497,
		ClientID:             1,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		MissedHeartbeats:     3,
		MaxRequestsPerSecond: 45, // IB limit is 50/sec
		AutoReconnect:        true,
		ReconnectBase:        time.Second,
		ReconnectMax:         time.Minute,
		MaxReconnectTries:    10,
		EventBuffer:          256,
	}
}

// LiveConfig returns configuration for live trading.
func LiveConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 7496
	return cfg
}

// GatewayConfig returns configuration for IB Gateway.
func GatewayConfig(paper bool) Config {
	cfg := DefaultConfig()
	if paper {
		cfg.Port = 4002
	} else {
		cfg.Port = 4001
	}
	return cfg
}
