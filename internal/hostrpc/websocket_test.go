package hostrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWebsocketServer(t *testing.T, peer *Peer) (*httptest.Server, chan error) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			served <- err
			return
		}
		served <- ServeWebsocket(r.Context(), peer, conn)
	}))
	t.Cleanup(srv.Close)
	return srv, served
}

func dialHost(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestWebsocketCallAndEvent(t *testing.T) {
	peer := NewPeer(time.Second, nil, zerolog.Nop())
	defer peer.Close()
	srv, _ := startWebsocketServer(t, peer)

	host := dialHost(t, srv)
	defer host.Close()
	require.Eventually(t, peer.Connected, time.Second, time.Millisecond)

	events := make(chan string, 1)
	peer.On("camera.playing", func(raw json.RawMessage) { events <- string(raw) })

	// The host answers one call and reports one event.
	go func() {
		var env Envelope
		if err := host.ReadJSON(&env); err != nil {
			return
		}
		host.WriteJSON(Envelope{Kind: KindResult, ID: env.ID, Result: json.RawMessage(`[{"name":"Alex"}]`)})
		host.WriteJSON(Envelope{Kind: KindEvent, Method: "camera.playing", Params: json.RawMessage(`{"streamId":"s1"}`)})
	}()

	var voices []struct {
		Name string `json:"name"`
	}
	require.NoError(t, peer.Call(context.Background(), "speech.voices", nil, &voices))
	require.Len(t, voices, 1)
	assert.Equal(t, "Alex", voices[0].Name)

	select {
	case got := <-events:
		assert.JSONEq(t, `{"streamId":"s1"}`, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWebsocketDisconnectDetaches(t *testing.T) {
	peer := NewPeer(time.Second, nil, zerolog.Nop())
	defer peer.Close()
	srv, served := startWebsocketServer(t, peer)

	host := dialHost(t, srv)
	require.Eventually(t, peer.Connected, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- peer.Call(context.Background(), "media.getUserMedia", nil, nil)
	}()

	var env Envelope
	require.NoError(t, host.ReadJSON(&env))
	host.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	host.Close()

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.NoError(t, <-served)
	assert.False(t, peer.Connected())
}
