package handler

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/fulanowo/maim-message/auth"
)

func TestDispatchCallsRegisteredHandler(t *testing.T) {
	table := NewTable(nil)

	var called int32
	var gotPayload json.RawMessage
	table.Register("ping", func(_ context.Context, payload json.RawMessage, _ auth.ConnectMetadata) error {
		atomic.AddInt32(&called, 1)
		gotPayload = payload
		return nil
	})

	table.Dispatch(context.Background(), "ping", json.RawMessage(`{"nonce":1}`), auth.ConnectMetadata{})

	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("expected handler to be called once, got %d", called)
	}
	if string(gotPayload) != `{"nonce":1}` {
		t.Fatalf("unexpected payload: %s", gotPayload)
	}
}

func TestDispatchUnknownTypeIsDropped(t *testing.T) {
	table := NewTable(nil)
	// Must not panic or block even with no handlers registered.
	table.Dispatch(context.Background(), "unknown", nil, auth.ConnectMetadata{})
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	table := NewTable(nil)
	table.Register("boom", func(context.Context, json.RawMessage, auth.ConnectMetadata) error {
		panic("handler exploded")
	})

	// Should not propagate the panic to the caller.
	table.Dispatch(context.Background(), "boom", nil, auth.ConnectMetadata{})
}

func TestUnregisterRemovesHandler(t *testing.T) {
	table := NewTable(nil)
	var called int32
	table.Register("ping", func(context.Context, json.RawMessage, auth.ConnectMetadata) error {
		atomic.AddInt32(&called, 1)
		return nil
	})
	table.Unregister("ping")
	table.Dispatch(context.Background(), "ping", nil, auth.ConnectMetadata{})

	if atomic.LoadInt32(&called) != 0 {
		t.Fatalf("expected handler not to be called after unregister")
	}
}
