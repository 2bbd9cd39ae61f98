// Package client implements a single outbound WebSocket connection
// bound to a fixed (url, api_key, platform): heartbeat, receive pump,
// and serialized sends (spec §4.5).
//
// Modeled on the teacher's agents/k8s-agent connection.go: a
// mutex-guarded *websocket.Conn, a ping ticker, and a read pump that
// decodes frames and dispatches to application callbacks.
package client

import "time"

// Config configures one Connection.
type Config struct {
	URL      string
	APIKey   string
	Platform string

	// SendAPIKeyHeader also sets x-apikey on the handshake request,
	// in addition to the api_key query parameter.
	SendAPIKeyHeader bool

	PingInterval time.Duration
	PingTimeout  time.Duration
	CloseTimeout time.Duration

	HandshakeTimeout time.Duration

	SSLEnabled        bool
	SSLCertFile       string
	SSLKeyFile        string
	SSLCACerts        string
	SSLCheckHostname  bool
}

// WithDefaults fills in zero-valued fields, following the same
// self-validating config convention as server.Config.
func (c Config) WithDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if !c.SSLEnabled && len(c.URL) >= 6 && c.URL[:6] == "wss://" {
		c.SSLEnabled = true
	}
	return c
}
