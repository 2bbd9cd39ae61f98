package client

import (
	"context"

	"github.com/fulanowo/maim-message/envelope"
)

// Handlers is the client-side capability set from spec §9
// "Callback-heavy configuration": on_message and on_disconnect,
// mirroring the server's Handlers interface.
type Handlers interface {
	OnMessage(ctx context.Context, env *envelope.Envelope)
	OnDisconnect(ctx context.Context, err error)
}

// NoopHandlers is the trivial default implementation of Handlers.
type NoopHandlers struct{}

func (NoopHandlers) OnMessage(context.Context, *envelope.Envelope) {}
func (NoopHandlers) OnDisconnect(context.Context, error)           {}
