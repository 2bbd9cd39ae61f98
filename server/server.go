// Package server implements the WS endpoint described in spec §4.4: a
// gin-hosted upgrade route, a per-connection accept pipeline
// (authenticate, extract user, register, fire on_connect, read loop),
// and the send/broadcast API used to route outbound traffic.
//
// Modeled on the teacher's api/internal/websocket hub: one goroutine
// per connection, a registry of live sockets, and heartbeat-driven
// liveness instead of relying on TCP keepalive.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fulanowo/maim-message/auth"
	"github.com/fulanowo/maim-message/envelope"
	"github.com/fulanowo/maim-message/handler"
	"github.com/fulanowo/maim-message/internal/errs"
	"github.com/fulanowo/maim-message/internal/scheduler"
	"github.com/fulanowo/maim-message/internal/stats"
	"github.com/fulanowo/maim-message/registry"
)

// Server hosts the WS upgrade route and owns the connection registry.
type Server struct {
	cfg            Config
	authenticator  auth.Authenticator
	handlers       Handlers
	customHandlers *handler.Table
	registry       *registry.Registry
	upgrader       websocket.Upgrader
	log            *zerolog.Logger

	engine        *gin.Engine
	httpServer    *http.Server
	schedule      *scheduler.Scheduler
	statsReporter *stats.Reporter

	shuttingDown int32 // atomic bool
	wg           sync.WaitGroup
}

// Option customizes a Server at construction time.
type Option func(*Server)

// WithAuthenticator overrides the default (accept-any-api-key) authenticator.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(s *Server) { s.authenticator = a }
}

// WithHandlers overrides the default no-op lifecycle callbacks.
func WithHandlers(h Handlers) Option {
	return func(s *Server) { s.handlers = h }
}

// WithCustomHandlers installs a custom message dispatch table (spec §4.7).
func WithCustomHandlers(t *handler.Table) Option {
	return func(s *Server) { s.customHandlers = t }
}

// WithStatsReporter installs an optional Redis-backed stats sink (SPEC_FULL §5).
func WithStatsReporter(r *stats.Reporter) Option {
	return func(s *Server) { s.statsReporter = r }
}

// WithLogger overrides the default component logger.
func WithLogger(log *zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds a Server. The returned value is not yet listening; call
// ListenAndServe to start accepting connections.
func New(cfg Config, opts ...Option) *Server {
	cfg = cfg.WithDefaults()

	s := &Server{
		cfg:            cfg,
		authenticator:  auth.DefaultAuthenticator{},
		handlers:       NoopHandlers{},
		customHandlers: handler.NewTable(nil),
		registry:       registry.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		discard := zerolog.Nop()
		s.log = &discard
	}
	s.schedule = scheduler.New(s.log)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET(cfg.Path, s.handleWS)
	s.engine = engine

	return s
}

// Registry exposes the underlying connection registry, mainly for tests.
func (s *Server) Registry() *registry.Registry { return s.registry }

// handleHealthz reports liveness and the current registry size.
func (s *Server) handleHealthz(c *gin.Context) {
	st := s.registry.Stats()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "users": st.Users, "connections": st.Connections})
}

// ListenAndServe starts the HTTP(S) listener and the background
// scheduler, blocking until ctx is canceled or a fatal listener error
// occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsCfg, err := buildTLSConfig(s.cfg)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:      fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:   s.engine,
		TLSConfig: tlsCfg,
	}

	s.schedule.Start()
	if err := s.schedule.Schedule("stale-sweep", everyNSeconds(s.cfg.StaleCheckInterval), s.sweepStale); err != nil {
		s.log.Error().Err(err).Msg("failed to schedule stale-connection sweep")
	}
	if s.cfg.EnableStats && s.statsReporter != nil {
		if err := s.schedule.Schedule("stats-publish", everyNSeconds(s.cfg.StatsInterval), s.publishStats); err != nil {
			s.log.Error().Err(err).Msg("failed to schedule stats publisher")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// everyNSeconds builds a robfig/cron seconds-granularity spec.
func everyNSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("@every %ds", secs)
}

// Shutdown stops accepting new connections, closes every live
// connection with a 1001 "going away" code, and waits up to
// close_timeout for in-flight read loops to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.schedule.Stop()
	if s.statsReporter != nil {
		_ = s.statsReporter.Close()
	}

	for _, h := range s.registry.SnapshotAllHandles("") {
		if ws, ok := h.Sender.(*wsSender); ok {
			_ = ws.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		} else {
			_ = h.Sender.Close()
		}
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.CloseTimeout):
	}
	return nil
}

// handleWS runs the accept pipeline from spec §4.4: parse metadata,
// authenticate, extract user, register, fire on_connect, then hand off
// to the per-connection read loop.
func (s *Server) handleWS(c *gin.Context) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	meta := auth.ConnectMetadata{
		APIKey:     firstNonEmpty(c.Query("api_key"), c.GetHeader("x-apikey")),
		Platform:   c.Query("platform"),
		Query:      c.Request.URL.Query(),
		Header:     c.Request.Header,
		RemoteAddr: c.ClientIP(),
	}

	ctx := c.Request.Context()

	ok, err := s.authenticator.Authenticate(ctx, meta)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn().Err(err).Str("remote", meta.RemoteAddr).Msg("authentication error")
		}
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	userID, err := s.authenticator.ExtractUser(ctx, meta)
	if err != nil {
		// extract_user raising is an internal error (spec §4.2/§4.4 step
		// 3), distinct from the authenticator simply rejecting the
		// credentials.
		s.log.Error().Err(err).Str("remote", meta.RemoteAddr).Msg("user extraction failed")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if userID == "" {
		s.log.Warn().Str("remote", meta.RemoteAddr).Msg("user extraction returned empty user id")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	if meta.Platform == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	connectionUUID := registry.NewConnectionID()
	record := registry.ConnectionRecord{
		ConnectionUUID: connectionUUID,
		UserID:         userID,
		Platform:       meta.Platform,
		APIKey:         meta.APIKey,
		RemoteAddr:     meta.RemoteAddr,
		EstablishedAt:  time.Now(),
	}
	sender := newWSSender(conn)

	if err := s.registry.Register(record, sender); err != nil {
		s.log.Error().Err(err).Msg("registry rejected connection")
		_ = conn.Close()
		return
	}

	if s.cfg.EnableConnectionLog {
		s.log.Info().Str("connection_uuid", connectionUUID).Str("user_id", userID).
			Str("platform", meta.Platform).Msg("connection established")
	}

	s.wg.Add(1)
	go s.runConnection(conn, sender, record, meta)
}

// runConnection fires on_connect, pumps inbound frames until the
// socket closes or a fatal error occurs, then unregisters and fires
// on_disconnect. on_connect strictly precedes on_message; on_disconnect
// strictly follows the last on_message (spec §4.4, §7).
func (s *Server) runConnection(conn *websocket.Conn, sender *wsSender, record registry.ConnectionRecord, meta auth.ConnectMetadata) {
	defer s.wg.Done()
	ctx := context.Background()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	stopPing := make(chan struct{})
	go s.pingLoop(sender, stopPing)

	s.safeOnConnect(ctx, record.ConnectionUUID, meta)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		kind, env, custom, err := envelope.DecodeFrame(data)
		if err != nil {
			// Malformed frames are logged and skipped; the connection
			// stays open (spec §4.4, §7 MalformedFrame).
			if s.cfg.EnableMessageLog {
				s.log.Warn().Err(err).Str("connection_uuid", record.ConnectionUUID).Msg("malformed frame")
			}
			continue
		}

		switch kind {
		case envelope.FrameStandard:
			if s.cfg.EnableMessageLog {
				s.log.Debug().Str("connection_uuid", record.ConnectionUUID).Msg("message received")
			}
			s.safeOnMessage(ctx, env, meta)
		case envelope.FrameCustom:
			s.customHandlers.Dispatch(ctx, custom.Type, custom.Payload, meta)
		}
	}

	close(stopPing)
	s.registry.Unregister(record.ConnectionUUID)
	if s.cfg.EnableConnectionLog {
		s.log.Info().Str("connection_uuid", record.ConnectionUUID).Msg("connection closed")
	}
	s.safeOnDisconnect(ctx, record.ConnectionUUID, meta)
}

func (s *Server) pingLoop(sender *wsSender, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sender.ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) safeOnConnect(ctx context.Context, connectionUUID string, meta auth.ConnectMetadata) {
	defer s.recoverCallback("on_connect")
	s.handlers.OnConnect(ctx, connectionUUID, meta)
}

func (s *Server) safeOnMessage(ctx context.Context, env *envelope.Envelope, meta auth.ConnectMetadata) {
	defer s.recoverCallback("on_message")
	s.handlers.OnMessage(ctx, env, meta)
}

func (s *Server) safeOnDisconnect(ctx context.Context, connectionUUID string, meta auth.ConnectMetadata) {
	defer s.recoverCallback("on_disconnect")
	s.handlers.OnDisconnect(ctx, connectionUUID, meta)
}

func (s *Server) recoverCallback(name string) {
	if r := recover(); r != nil {
		s.log.Error().Str("callback", name).Interface("panic", r).Msg("callback panicked")
	}
}

// sweepStale neither pings nor unregisters anything: liveness is
// enforced by the per-connection pong deadline, and the sweep itself
// only reports current registry size, since a stale connection tears
// itself down the next time its read deadline elapses (conn.go /
// runConnection). Kept as a scheduled job so future liveness policies
// (e.g. an explicit last-seen timestamp) have a home without changing
// the hot path.
func (s *Server) sweepStale() {
	st := s.registry.Stats()
	s.log.Debug().Int("users", st.Users).Int("connections", st.Connections).Msg("stale-connection sweep tick")
}

func (s *Server) publishStats() {
	st := s.registry.Stats()
	if err := s.statsReporter.Publish(context.Background(), stats.Snapshot{
		Users:       st.Users,
		Connections: st.Connections,
		Timestamp:   time.Now(),
	}); err != nil {
		s.log.Warn().Err(err).Msg("stats publish failed")
	}
}

// SendMessage routes env to every connection registered under
// extract_user(api_key) and the MessageDim's platform, optionally
// overridden by targetPlatform (spec §4.4 step b, P2). The result
// maps each matching connection uuid to whether its write succeeded;
// an envelope with empty routing dimensions or no matching connection
// yields an empty map (errs.ErrUnroutableEnvelope /
// errs.ErrNoMatchingRoute is also returned so callers can distinguish
// the two without inspecting map length).
func (s *Server) SendMessage(env *envelope.Envelope, targetPlatform string) (map[string]bool, error) {
	apiKey := env.GetAPIKey()
	platform := targetPlatform
	if platform == "" {
		platform = env.GetPlatform()
	}
	if apiKey == "" || platform == "" {
		if s.cfg.EnableMessageLog {
			s.log.Warn().Msg("send_message: missing routing dimensions")
		}
		return map[string]bool{}, errs.ErrUnroutableEnvelope
	}

	userID, err := s.authenticator.ExtractUser(context.Background(), auth.ConnectMetadata{APIKey: apiKey, Platform: platform})
	if err != nil || userID == "" {
		if s.cfg.EnableMessageLog {
			s.log.Warn().Err(err).Msg("send_message: user extraction failed")
		}
		return map[string]bool{}, errs.ErrNoMatchingRoute
	}

	handles := s.registry.Lookup(userID, platform)
	if len(handles) == 0 {
		return map[string]bool{}, errs.ErrNoMatchingRoute
	}

	data, err := env.Encode()
	if err != nil {
		return map[string]bool{}, fmt.Errorf("server: encode envelope: %w", err)
	}

	return s.fanOut(handles, data), nil
}

// SendCustomMessage routes a type-tagged message. An empty
// targetPlatform broadcasts across every platform of targetUser; an
// empty targetUser broadcasts to every user on targetPlatform; both
// empty broadcasts to every live connection (spec §4.4).
func (s *Server) SendCustomMessage(msg *envelope.CustomMessage) (map[string]bool, error) {
	data, err := msg.Encode()
	if err != nil {
		return map[string]bool{}, fmt.Errorf("server: encode custom message: %w", err)
	}

	var handles []registry.Handle
	switch {
	case msg.TargetUser != "" && msg.TargetPlatform != "":
		handles = s.registry.Lookup(msg.TargetUser, msg.TargetPlatform)
	case msg.TargetUser != "":
		for _, h := range s.registry.SnapshotAllHandles("") {
			if rec, ok := s.registry.Get(h.ConnectionUUID); ok && rec.UserID == msg.TargetUser {
				handles = append(handles, h)
			}
		}
	case msg.TargetPlatform != "":
		handles = s.registry.SnapshotAllHandles(msg.TargetPlatform)
	default:
		handles = s.registry.SnapshotAllHandles("")
	}

	if len(handles) == 0 {
		return map[string]bool{}, errs.ErrNoMatchingRoute
	}
	return s.fanOut(handles, data), nil
}

// BroadcastMessage sends env to every live connection, optionally
// restricted to one platform, independent of its message_dim.
func (s *Server) BroadcastMessage(env *envelope.Envelope, platform string) (map[string]bool, error) {
	data, err := env.Encode()
	if err != nil {
		return map[string]bool{}, fmt.Errorf("server: encode envelope: %w", err)
	}

	handles := s.registry.SnapshotAllHandles(platform)
	return s.fanOut(handles, data), nil
}

// fanOut writes data to every handle concurrently and reports each
// connection uuid's success. A write failure also unregisters the
// dead socket so it does not absorb future fan-outs (spec §4.4 step
// e, §7 TransportError).
func (s *Server) fanOut(handles []registry.Handle, data []byte) map[string]bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]bool, len(handles))

	for _, h := range handles {
		wg.Add(1)
		go func(h registry.Handle) {
			defer wg.Done()
			err := h.Sender.Send(data)

			mu.Lock()
			results[h.ConnectionUUID] = err == nil
			mu.Unlock()

			if err != nil {
				if s.cfg.EnableMessageLog {
					s.log.Warn().Err(err).Str("connection_uuid", h.ConnectionUUID).Msg("send failed")
				}
				s.registry.Unregister(h.ConnectionUUID)
			}
		}(h)
	}
	wg.Wait()
	return results
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
