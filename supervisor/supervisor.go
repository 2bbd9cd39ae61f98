// Package supervisor implements the client-side multi-connection
// registry from spec §4.6: a map of connection_id -> ClientConnection,
// a reconnection scheduler with exponential backoff, and best-match
// outbound routing.
//
// Modeled on the teacher's agents/k8s-agent Reconnect loop, lifted out
// of a single-connection agent into a registry that can own many
// independently reconnecting sockets.
package supervisor

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fulanowo/maim-message/client"
	"github.com/fulanowo/maim-message/envelope"
	"github.com/fulanowo/maim-message/handler"
	"github.com/fulanowo/maim-message/internal/errs"
)

// ConnectionConfig describes one connection added to a Supervisor,
// combining its fixed routing coordinates with its reconnection
// policy (spec §4.6).
type ConnectionConfig struct {
	URL      string
	APIKey   string
	Platform string

	AutoReconnect        bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Info is a read-only snapshot of one tracked connection, returned by
// GetConnections / GetActiveConnections.
type Info struct {
	ConnectionID string
	APIKey       string
	Platform     string
	State        client.State
	Attempts     int
	LastError    error
}

type tracked struct {
	id       string
	seq      int
	cfg      ConnectionConfig
	conn     *client.Connection
	attempts int
	lastErr  error
	removed  bool
}

// Supervisor owns a set of client connections and drives their
// reconnection policy and best-match outbound routing.
type Supervisor struct {
	handlers       client.Handlers
	customHandlers *handler.Table
	log            *zerolog.Logger

	mu      sync.RWMutex
	conns   map[string]*tracked
	nextSeq int
}

// Option customizes a Supervisor at construction time.
type Option func(*Supervisor)

func WithHandlers(h client.Handlers) Option {
	return func(s *Supervisor) { s.handlers = h }
}

func WithCustomHandlers(t *handler.Table) Option {
	return func(s *Supervisor) { s.customHandlers = t }
}

func WithLogger(log *zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// New builds an empty Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		handlers:       client.NoopHandlers{},
		customHandlers: handler.NewTable(nil),
		conns:          make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		discard := zerolog.Nop()
		s.log = &discard
	}
	return s
}

// AddConnection registers a new, not-yet-connected ClientConnection
// and returns its generated connection_id.
func (s *Supervisor) AddConnection(cfg ConnectionConfig) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	cc := client.Config{
		URL:          cfg.URL,
		APIKey:       cfg.APIKey,
		Platform:     cfg.Platform,
		PingInterval: cfg.PingInterval,
		PingTimeout:  cfg.PingTimeout,
	}.WithDefaults()

	conn := client.New(cc,
		client.WithHandlers(s.handlers),
		client.WithCustomHandlers(s.customHandlers),
		client.WithLogger(s.log),
	)

	s.nextSeq++
	s.conns[id] = &tracked{id: id, seq: s.nextSeq, cfg: cfg, conn: conn}
	return id
}

// ConnectTo dials the named connection and, if its policy allows,
// starts the background watcher that reconnects it on drop.
func (s *Supervisor) ConnectTo(ctx context.Context, connectionID string) error {
	s.mu.RLock()
	t, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return errs.ErrUnknownConnection
	}

	if err := t.conn.Connect(ctx); err != nil {
		s.mu.Lock()
		t.lastErr = err
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	t.attempts = 0
	t.lastErr = nil
	s.mu.Unlock()

	go s.watch(connectionID)
	return nil
}

// watch repeatedly waits for the connection to drop and, if
// auto_reconnect is enabled, drives the exponential backoff policy
// from spec §4.6/P5 until it reconnects or exhausts
// max_reconnect_attempts, at which point it gives up for good (the
// underlying client.Connection moves to Stopped).
func (s *Supervisor) watch(connectionID string) {
	s.mu.RLock()
	t, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	for {
		<-t.conn.Closed()

		s.mu.RLock()
		removed := t.removed
		autoReconnect := t.cfg.AutoReconnect
		s.mu.RUnlock()
		// An explicit Close (Disconnect) leaves the connection Stopped,
		// which is terminal: only a transport drop is reconnected.
		if removed || !autoReconnect || t.conn.State() == client.Stopped {
			return
		}

		if !s.reconnectUntilSuccess(t) {
			return
		}
	}
}

// reconnectUntilSuccess runs the backoff loop for one disconnection
// episode. It returns true once reconnected (the caller should go back
// to watching for the next drop) or false once the connection has been
// removed or given up for good.
func (s *Supervisor) reconnectUntilSuccess(t *tracked) bool {
	for {
		s.mu.Lock()
		if t.removed {
			s.mu.Unlock()
			return false
		}
		t.attempts++
		k := t.attempts
		maxAttempts := t.cfg.MaxReconnectAttempts
		s.mu.Unlock()

		if maxAttempts > 0 && k > maxAttempts {
			_ = t.conn.Close()
			return false
		}

		delay := backoffDelay(t.cfg.ReconnectDelay, t.cfg.MaxReconnectDelay, k)
		time.Sleep(delay)

		s.mu.RLock()
		removed := t.removed
		s.mu.RUnlock()
		if removed {
			return false
		}

		err := t.conn.Connect(context.Background())
		s.mu.Lock()
		t.lastErr = err
		s.mu.Unlock()

		if err == nil {
			s.mu.Lock()
			t.attempts = 0
			s.mu.Unlock()
			return true
		}
	}
}

// backoffDelay implements P5: the k-th attempt's delay is
// min(reconnect_delay * 2^(k-1), max_reconnect_delay).
func backoffDelay(base, max time.Duration, k int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := math.Pow(2, float64(k-1))
	delay := time.Duration(float64(base) * factor)
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// Disconnect closes the named connection without removing it from the
// supervisor. The connection moves to Stopped and is not reconnected
// automatically, even with auto_reconnect enabled.
func (s *Supervisor) Disconnect(connectionID string) error {
	s.mu.RLock()
	t, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return errs.ErrUnknownConnection
	}
	return t.conn.Close()
}

// RemoveConnection closes and permanently forgets the named
// connection; no further reconnection attempts occur.
func (s *Supervisor) RemoveConnection(connectionID string) error {
	s.mu.Lock()
	t, ok := s.conns[connectionID]
	if ok {
		t.removed = true
		delete(s.conns, connectionID)
	}
	s.mu.Unlock()
	if !ok {
		return errs.ErrUnknownConnection
	}
	return t.conn.Close()
}

// GetConnections returns every tracked connection's current snapshot,
// in insertion order.
func (s *Supervisor) GetConnections() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.conns))
	for _, t := range s.conns {
		infos = append(infos, Info{
			ConnectionID: t.id,
			APIKey:       t.cfg.APIKey,
			Platform:     t.cfg.Platform,
			State:        t.conn.State(),
			Attempts:     t.attempts,
			LastError:    t.lastErr,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return s.conns[infos[i].ConnectionID].seq < s.conns[infos[j].ConnectionID].seq
	})
	return infos
}

// GetActiveConnections returns only the connections currently Connected.
func (s *Supervisor) GetActiveConnections() []Info {
	all := s.GetConnections()
	active := make([]Info, 0, len(all))
	for _, info := range all {
		if info.State == client.Connected {
			active = append(active, info)
		}
	}
	return active
}

// SendMessage picks one target connection among those currently
// Connected by strict priority — exact (api_key, platform) match, then
// api_key-only, then platform-only, tie-broken by insertion order — and
// writes env on it (spec §4.6, P4). It never retries on a different
// connection after a write failure.
func (s *Supervisor) SendMessage(env *envelope.Envelope) (string, bool) {
	target := selectTarget(s.GetConnections(), env.GetAPIKey(), env.GetPlatform())
	if target == nil {
		return "", false
	}

	s.mu.RLock()
	t, ok := s.conns[target.ConnectionID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}

	if err := t.conn.Send(env); err != nil {
		return target.ConnectionID, false
	}
	return target.ConnectionID, true
}

// selectTarget implements P4 over a snapshot already sorted by
// insertion order: exact match, then api_key-only, then
// platform-only, then none. Only Connected entries are eligible.
func selectTarget(conns []Info, apiKey, platform string) *Info {
	var apiOnly, platformOnly *Info
	for i := range conns {
		c := &conns[i]
		if c.State != client.Connected {
			continue
		}
		if c.APIKey == apiKey && c.Platform == platform {
			return c
		}
		if apiOnly == nil && c.APIKey == apiKey {
			apiOnly = c
		}
		if platformOnly == nil && c.Platform == platform {
			platformOnly = c
		}
	}
	if apiOnly != nil {
		return apiOnly
	}
	return platformOnly
}
