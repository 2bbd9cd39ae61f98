package server

import (
	"context"

	"github.com/fulanowo/maim-message/auth"
	"github.com/fulanowo/maim-message/envelope"
)

// Handlers is the capability set an application supplies at
// construction — the re-architected callback-heavy configuration from
// spec §9 "Callback-heavy configuration". Implementations must return
// quickly: they run on the connection's own read-loop goroutine and a
// panic is recovered and logged (CallbackException, spec §7), never
// propagated to the registry or the peer.
type Handlers interface {
	// OnConnect fires after a connection is registered, strictly
	// before any OnMessage for the same connection.
	OnConnect(ctx context.Context, connectionUUID string, meta auth.ConnectMetadata)

	// OnMessage fires once per decoded standard envelope. The server
	// does not auto-forward; the application decides whether to
	// re-route via Server.SendMessage.
	OnMessage(ctx context.Context, env *envelope.Envelope, meta auth.ConnectMetadata)

	// OnDisconnect fires strictly after the last OnMessage for the
	// connection, once it has been unregistered.
	OnDisconnect(ctx context.Context, connectionUUID string, meta auth.ConnectMetadata)
}

// NoopHandlers is the trivial default implementation of Handlers.
type NoopHandlers struct{}

func (NoopHandlers) OnConnect(context.Context, string, auth.ConnectMetadata)             {}
func (NoopHandlers) OnMessage(context.Context, *envelope.Envelope, auth.ConnectMetadata)  {}
func (NoopHandlers) OnDisconnect(context.Context, string, auth.ConnectMetadata)           {}
