// Package shioaji provides connectivity to a Shioaji websocket bridge.
// The bridge speaks newline-free JSON messages over a single websocket;
// one session covers orders, market data and account state.
package shioaji

import (
	"time"
)

// Config holds websocket session configuration.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://bridge:8787/ws.
	URL       string
	APIKey    string
	SecretKey string
	// Simulation selects the bridge's paper environment.
	Simulation bool

	// Timeouts
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	// ReadTimeout bounds the silence between inbound frames; the ping
	// interval must be comfortably below it.
	ReadTimeout  time.Duration
	PingInterval time.Duration

	// Reconnection
	AutoReconnect     bool
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnectTries int

	// Event channel capacities
	EventBuffer int
}

// DefaultConfig returns simulation-environment defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "wss://127.0.0.1:8787/ws",
		Simulation:        true,
		HandshakeTimeout:  10 * time.Second,
		RequestTimeout:    30 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      20 * time.Second,
		AutoReconnect:     true,
		ReconnectBase:     time.Second,
		ReconnectMax:      time.Minute,
		MaxReconnectTries: 10,
		EventBuffer:       256,
	}
}
