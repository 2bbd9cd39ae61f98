package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fulanowo/maim-message/auth"
	"github.com/fulanowo/maim-message/envelope"
	"github.com/fulanowo/maim-message/handler"
	"github.com/fulanowo/maim-message/internal/errs"
)

// Connection is one outbound WebSocket bound to a fixed
// (url, api_key, platform) triple (spec §4.5). It does not reconnect
// itself — that policy lives one level up, in the supervisor — but it
// does report disconnection via Closed() so a supervisor can react.
type Connection struct {
	cfg            Config
	handlers       Handlers
	customHandlers *handler.Table
	log            *zerolog.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State

	sendMu sync.Mutex

	closedCh chan struct{}
	stopPing chan struct{}
}

// Option customizes a Connection at construction time.
type Option func(*Connection)

func WithHandlers(h Handlers) Option {
	return func(c *Connection) { c.handlers = h }
}

func WithCustomHandlers(t *handler.Table) Option {
	return func(c *Connection) { c.customHandlers = t }
}

func WithLogger(log *zerolog.Logger) Option {
	return func(c *Connection) { c.log = log }
}

// New builds an idle Connection. Call Connect to dial.
func New(cfg Config, opts ...Option) *Connection {
	c := &Connection{
		cfg:            cfg.WithDefaults(),
		handlers:       NoopHandlers{},
		customHandlers: handler.NewTable(nil),
		state:          Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		discard := zerolog.Nop()
		c.log = &discard
	}
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// APIKey and Platform are the fixed routing coordinates this
// connection was constructed with, used by the supervisor's best-match
// selection (spec §4.6).
func (c *Connection) APIKey() string   { return c.cfg.APIKey }
func (c *Connection) Platform() string { return c.cfg.Platform }

// Closed returns a channel that is closed when the read pump exits,
// whatever the reason. A supervisor watches this to drive its
// reconnection policy.
func (c *Connection) Closed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closedCh
}

// Connect dials the server, completes the handshake, and starts the
// read pump and heartbeat ping loop in background goroutines. It
// blocks only for the dial itself.
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(Connecting)

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		c.setState(Idle)
		return fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	q.Set("platform", c.cfg.Platform)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.SendAPIKeyHeader {
		header.Set("x-apikey", c.cfg.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	if c.cfg.SSLEnabled {
		tlsCfg, err := buildClientTLSConfig(c.cfg)
		if err != nil {
			c.setState(Idle)
			return err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		c.setState(Idle)
		return fmt.Errorf("client: dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PingTimeout))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.closedCh = make(chan struct{})
	c.state = Connected
	c.mu.Unlock()

	c.stopPing = make(chan struct{})
	go c.pingLoop()
	go c.readPump()

	return nil
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			c.sendMu.Lock()
			conn := c.conn
			if conn == nil {
				c.sendMu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

const writeWait = 10 * time.Second

func (c *Connection) readPump() {
	ctx := context.Background()
	var exitErr error

	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			exitErr = errs.ErrNotConnected
			break
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			exitErr = err
			break
		}

		kind, env, custom, err := envelope.DecodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed frame")
			continue
		}

		switch kind {
		case envelope.FrameStandard:
			c.safeOnMessage(ctx, env)
		case envelope.FrameCustom:
			c.customHandlers.Dispatch(ctx, custom.Type, custom.Payload, c.connectMetadata())
		}
	}

	close(c.stopPing)

	// An explicit Close() already set Stopped; only a transport
	// failure should move the state machine to Reconnecting (spec
	// §4.8: Stopped is terminal until re-added).
	c.mu.Lock()
	if c.state != Stopped {
		c.state = Reconnecting
	}
	c.mu.Unlock()

	c.safeOnDisconnect(ctx, exitErr)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	closedCh := c.closedCh
	c.mu.Unlock()
	close(closedCh)
}

func (c *Connection) safeOnMessage(ctx context.Context, env *envelope.Envelope) {
	defer c.recoverCallback("on_message")
	c.handlers.OnMessage(ctx, env)
}

func (c *Connection) safeOnDisconnect(ctx context.Context, err error) {
	defer c.recoverCallback("on_disconnect")
	c.handlers.OnDisconnect(ctx, err)
}

// connectMetadata presents this connection's fixed coordinates in the
// shape custom handlers expect, mirroring the server's ConnectMetadata
// so the same handler.Func can run on either side.
func (c *Connection) connectMetadata() auth.ConnectMetadata {
	return auth.ConnectMetadata{APIKey: c.cfg.APIKey, Platform: c.cfg.Platform}
}

func (c *Connection) recoverCallback(name string) {
	if r := recover(); r != nil {
		c.log.Error().Str("callback", name).Interface("panic", r).Msg("callback panicked")
	}
}

// Send serializes env and writes it, single-writer per connection.
func (c *Connection) Send(env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("client: encode envelope: %w", err)
	}
	return c.write(data)
}

// SendCustom serializes a custom message and writes it.
func (c *Connection) SendCustom(msg *envelope.CustomMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("client: encode custom message: %w", err)
	}
	return c.write(data)
}

func (c *Connection) write(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if conn == nil || state != Connected {
		return errs.ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the socket and transitions to Stopped. It is the
// caller's (supervisor's) responsibility not to reconnect afterward.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Stopped
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.sendMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	c.sendMu.Unlock()
	return conn.Close()
}

func buildClientTLSConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.SSLCheckHostname,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.SSLCertFile != "" && cfg.SSLKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLKeyFile)
		if err != nil {
			return nil, fmt.Errorf("client: load TLS key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.SSLCACerts != "" {
		caBytes, err := os.ReadFile(cfg.SSLCACerts)
		if err != nil {
			return nil, fmt.Errorf("client: read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("client: no valid certificates found in CA bundle")
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}
