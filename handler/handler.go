// Package handler implements the type-keyed custom message dispatch
// table shared by both the server and client sides (spec §4.7).
package handler

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fulanowo/maim-message/auth"
	"github.com/rs/zerolog"
)

// Func handles one custom message type. It is not expected to return
// a delivery status; errors and panics are isolated by Table.Dispatch
// and logged, never propagated to the connection.
type Func func(ctx context.Context, payload json.RawMessage, meta auth.ConnectMetadata) error

// Table is a read-mostly, type-tag-keyed dispatch table. It may be
// populated at any time from any goroutine.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Func
	log      *zerolog.Logger
}

// NewTable creates an empty custom handler table. A nil logger
// disables handler-exception logging.
func NewTable(log *zerolog.Logger) *Table {
	return &Table{handlers: make(map[string]Func), log: log}
}

// Register installs (or replaces) the handler for a message type.
func (t *Table) Register(msgType string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[msgType] = fn
}

// Unregister removes the handler for a message type, if any.
func (t *Table) Unregister(msgType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, msgType)
}

// Dispatch looks up and invokes the handler registered for msgType.
// Unknown types are logged and dropped. A handler panic is recovered,
// logged with context, and does not propagate — the connection
// carrying the message stays open.
func (t *Table) Dispatch(ctx context.Context, msgType string, payload json.RawMessage, meta auth.ConnectMetadata) {
	t.mu.RLock()
	fn, ok := t.handlers[msgType]
	t.mu.RUnlock()

	if !ok {
		if t.log != nil {
			t.log.Debug().Str("type", msgType).Msg("custom message dropped: no handler registered")
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if t.log != nil {
				t.log.Error().Str("type", msgType).Interface("panic", r).Msg("custom handler panicked")
			}
		}
	}()

	if err := fn(ctx, payload, meta); err != nil {
		if t.log != nil {
			t.log.Error().Err(err).Str("type", msgType).Msg("custom handler returned error")
		}
	}
}
