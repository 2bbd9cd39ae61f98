package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fulanowo/maim-message/envelope"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type recordingHandlers struct {
	mu       sync.Mutex
	messages []*envelope.Envelope
	disconnects int
}

func (h *recordingHandlers) OnMessage(_ context.Context, env *envelope.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, env)
}

func (h *recordingHandlers) OnDisconnect(context.Context, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandlers) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func TestConnectionConnectAndReceive(t *testing.T) {
	var serverConn *websocket.Conn
	connected := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "kA", r.URL.Query().Get("api_key"))
		require.Equal(t, "wechat", r.URL.Query().Get("platform"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = conn
		close(connected)
	}))
	defer ts.Close()

	handlers := &recordingHandlers{}
	cfg := Config{
		URL:      "ws" + strings.TrimPrefix(ts.URL, "http"),
		APIKey:   "kA",
		Platform: "wechat",
	}
	conn := New(cfg, WithHandlers(handlers))

	require.NoError(t, conn.Connect(context.Background()))
	<-connected
	require.Equal(t, Connected, conn.State())

	env := &envelope.Envelope{
		MessageInfo:    envelope.MessageInfo{Platform: "wechat", MessageID: "m1"},
		MessageSegment: envelope.MessageSegment{Type: "text"},
		MessageDim:     envelope.MessageDim{APIKey: "kA", Platform: "wechat"},
	}
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool { return handlers.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
}

func TestConnectionSendWritesFrame(t *testing.T) {
	received := make(chan []byte, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		received <- data
	}))
	defer ts.Close()

	cfg := Config{
		URL:      "ws" + strings.TrimPrefix(ts.URL, "http"),
		APIKey:   "kA",
		Platform: "wechat",
	}
	conn := New(cfg)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	env := &envelope.Envelope{
		MessageDim: envelope.MessageDim{APIKey: "kB", Platform: "qq"},
	}
	require.NoError(t, conn.Send(env))

	select {
	case data := <-received:
		require.Contains(t, string(data), "kB")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive frame")
	}
}

func TestConnectionSendBeforeConnectFails(t *testing.T) {
	conn := New(Config{URL: "ws://127.0.0.1:1", APIKey: "k", Platform: "p"})
	err := conn.Send(&envelope.Envelope{})
	require.Error(t, err)
}

func TestConnectionClosedChannelFiresOnDisconnect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	defer ts.Close()

	handlers := &recordingHandlers{}
	cfg := Config{
		URL:      "ws" + strings.TrimPrefix(ts.URL, "http"),
		APIKey:   "kA",
		Platform: "wechat",
	}
	conn := New(cfg, WithHandlers(handlers))
	require.NoError(t, conn.Connect(context.Background()))

	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Closed()")
	}
	require.Equal(t, Reconnecting, conn.State())
}
